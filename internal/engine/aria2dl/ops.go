package aria2dl

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinoosan/mirrord/internal/aria2"
	"github.com/tinoosan/mirrord/internal/engine"
)

// Ping performs a lightweight RPC to check aria2 liveness/readiness.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.cl.Call(ctx, "aria2.getVersion", nil)
}

// startOptions translates a StartSpec into aria2 per-download options.
func startOptions(spec engine.StartSpec) map[string]interface{} {
	opts := map[string]interface{}{}
	if spec.Dir != "" {
		opts["dir"] = spec.Dir
	}
	if spec.Name != "" {
		opts["out"] = spec.Name
	}
	if len(spec.Headers) > 0 {
		opts["header"] = spec.Headers
	}
	if spec.SeedRatio > 0 {
		opts["seed-ratio"] = strconv.FormatFloat(spec.SeedRatio, 'f', -1, 64)
	}
	switch {
	case spec.SeedTime > 0:
		opts["seed-time"] = strconv.FormatFloat(spec.SeedTime.Minutes(), 'f', -1, 64)
	case spec.SeedRatio <= 0:
		opts["seed-time"] = "0"
	}
	if spec.Paused {
		// Magnets fetch metadata first and pause the real transfer.
		if strings.HasPrefix(spec.Source, "magnet:") {
			opts["pause-metadata"] = "true"
		} else {
			opts["pause"] = "true"
		}
	}
	return opts
}

// Start adds a URI, magnet or local .torrent file. aria2.addUri([token?, [uris], options])
// or aria2.addTorrent([token?, torrent, [], options]).
func (a *Adapter) Start(ctx context.Context, spec engine.StartSpec) (string, error) {
	opts := startOptions(spec)
	var gid string
	var err error
	if isLocalTorrent(spec.Source) {
		var b []byte
		b, err = os.ReadFile(spec.Source)
		if err != nil {
			return "", fmt.Errorf("%w: %v", engine.ErrRejected, err)
		}
		err = a.cl.Call(ctx, "aria2.addTorrent", &gid, base64.StdEncoding.EncodeToString(b), []string{}, opts)
	} else {
		err = a.cl.Call(ctx, "aria2.addUri", &gid, []string{spec.Source}, opts)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrRejected, err)
	}

	// Immediately inspect the new download: aria2 accepts some URIs it
	// cannot serve and reports the failure on the job.
	if st, err := a.tellStatus(ctx, gid); err == nil {
		if st.ErrorMessage != "" {
			a.remove(ctx, gid)
			msg := strings.NewReplacer("<", " ", ">", " ").Replace(st.ErrorMessage)
			return "", fmt.Errorf("%w: %s", engine.ErrRejected, msg)
		}
		// If followedBy exists, swap to real gid
		if len(st.FollowedBy) > 0 && st.FollowedBy[0] != "" {
			gid = st.FollowedBy[0]
		}
	}
	a.remember(gid, spec.Source)
	a.log.Info("download added", "gid", gid, "paused", spec.Paused)
	return gid, nil
}

func isLocalTorrent(source string) bool {
	if !strings.HasSuffix(strings.ToLower(source), ".torrent") || strings.Contains(source, "://") {
		return false
	}
	fi, err := os.Stat(source)
	return err == nil && fi.Mode().IsRegular()
}

// Cancel removes the download and its result. Downloads that already stopped
// cannot be removed, only their results can.
func (a *Adapter) Cancel(ctx context.Context, gid string) error {
	if gid == "" {
		return engine.ErrNotFound
	}
	err := a.remove(ctx, gid)
	a.forget(gid)
	return err
}

func (a *Adapter) remove(ctx context.Context, gid string) error {
	err := a.cl.Call(ctx, "aria2.forceRemove", nil, gid)
	if err != nil && !aria2.IsNotRemovable(err) && !aria2.IsNotFound(err) {
		return err
	}
	notFound := aria2.IsNotFound(err)
	if rerr := a.cl.Call(ctx, "aria2.removeDownloadResult", nil, gid); rerr != nil {
		if aria2.IsNotFound(rerr) && notFound {
			return engine.ErrNotFound
		}
		// a force-removed active download takes a moment to turn into a result
		a.log.Debug("remove download result", "gid", gid, "err", rerr)
	}
	return nil
}

// Reannounce is a no-op: aria2 reannounces on its own schedule.
func (a *Adapter) Reannounce(context.Context, string) error { return nil }

// Recheck is a no-op: aria2 only checks integrity when a download is added.
func (a *Adapter) Recheck(context.Context, string) error { return nil }

// Pause: aria2.forcePause([token?, gid])
func (a *Adapter) Pause(ctx context.Context, gid string) error {
	return a.cl.Call(ctx, "aria2.forcePause", nil, gid)
}

// Unpause: aria2.unpause([token?, gid]). A paused magnet may meanwhile have
// been replaced by its real transfer; the successor is unpaused and its gid
// returned then.
func (a *Adapter) Unpause(ctx context.Context, gid string) (string, error) {
	if st, err := a.tellStatus(ctx, gid); err == nil && len(st.FollowedBy) > 0 && st.FollowedBy[0] != "" {
		a.carry(gid, st.FollowedBy[0])
		gid = st.FollowedBy[0]
	}
	if err := a.cl.Call(ctx, "aria2.unpause", nil, gid); err != nil {
		if aria2.IsNotFound(err) {
			return "", engine.ErrNotFound
		}
		return "", err
	}
	return gid, nil
}
