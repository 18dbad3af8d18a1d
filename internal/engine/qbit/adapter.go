// Package qbit drives torrent jobs through qBittorrent's Web API.
package qbit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/avast/retry-go"

	"github.com/tinoosan/mirrord/internal/engine"
)

const noSpaceMessage = "No enough space for this torrent on device"

var errHashPending = errors.New("torrent not visible yet")

// Adapter implements engine.Adapter for qBittorrent.
type Adapter struct {
	cl  Client
	log *slog.Logger

	resolveAttempts uint
	resolveDelay    time.Duration

	mu sync.Mutex
	// tags maps info hash to the per-task tag set at submission.
	tags map[string]string
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithResolveRetry controls how long Start waits for a URL-added torrent
// to show up under its tag when the hash cannot be computed locally.
func WithResolveRetry(attempts uint, delay time.Duration) Option {
	return func(a *Adapter) {
		a.resolveAttempts = attempts
		a.resolveDelay = delay
	}
}

func NewAdapter(cl Client, opts ...Option) *Adapter {
	a := &Adapter{
		cl:              cl,
		log:             slog.Default(),
		resolveAttempts: 10,
		resolveDelay:    time.Second,
		tags:            make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("backend", backendLabel)
	return a
}

var _ engine.Adapter = (*Adapter)(nil)
var _ engine.Pinger = (*Adapter)(nil)

func (a *Adapter) Kind() engine.Kind { return engine.KindTorrent }

func (a *Adapter) Ping(ctx context.Context) error {
	return observe("webapiVersion", func() error {
		_, err := a.cl.GetWebAPIVersionCtx(ctx)
		return err
	})
}

// Start adds the torrent and returns its lowercase hex info hash.
func (a *Adapter) Start(ctx context.Context, spec engine.StartSpec) (string, error) {
	opts := startOptions(spec)
	hash, body, err := inspect(spec.Source)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrRejected, err)
	}
	if body != nil {
		err = observe("addTorrent", func() error { return a.cl.AddTorrentFromMemoryCtx(ctx, body, opts) })
	} else {
		err = observe("addUrl", func() error { return a.cl.AddTorrentFromUrlCtx(ctx, spec.Source, opts) })
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrRejected, err)
	}
	if hash == "" {
		hash, err = a.resolve(ctx, spec.Tag)
		if err != nil {
			return "", fmt.Errorf("%w: %v", engine.ErrRejected, err)
		}
	}
	a.mu.Lock()
	a.tags[hash] = spec.Tag
	a.mu.Unlock()
	return hash, nil
}

func startOptions(spec engine.StartSpec) map[string]string {
	opts := map[string]string{"autoTMM": "false"}
	if spec.Dir != "" {
		opts["savepath"] = spec.Dir
	}
	if spec.Tag != "" {
		opts["tags"] = spec.Tag
	}
	if spec.Name != "" {
		opts["rename"] = spec.Name
	}
	if spec.Paused {
		// qBittorrent 5 renamed paused to stopped
		opts["paused"] = "true"
		opts["stopped"] = "true"
	}
	if spec.SeedRatio > 0 {
		opts["ratioLimit"] = strconv.FormatFloat(spec.SeedRatio, 'f', -1, 64)
	}
	if spec.SeedTime > 0 {
		opts["seedingTimeLimit"] = strconv.FormatInt(int64(spec.SeedTime/time.Minute), 10)
	}
	return opts
}

// inspect computes the info hash locally when possible. Local .torrent files
// are returned as body so they can be uploaded.
func inspect(source string) (hash string, body []byte, err error) {
	if strings.HasPrefix(source, "magnet:") {
		m, err := metainfo.ParseMagnetUri(source)
		if err != nil {
			return "", nil, fmt.Errorf("parse magnet: %w", err)
		}
		return strings.ToLower(m.InfoHash.HexString()), nil, nil
	}
	if strings.Contains(source, "://") {
		return "", nil, nil
	}
	b, err := os.ReadFile(source)
	if err != nil {
		return "", nil, fmt.Errorf("read torrent file: %w", err)
	}
	mi, err := metainfo.Load(bytes.NewReader(b))
	if err != nil {
		return "", nil, fmt.Errorf("parse torrent file: %w", err)
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), b, nil
}

// resolve finds the hash of a torrent added by URL through its unique tag.
func (a *Adapter) resolve(ctx context.Context, tag string) (string, error) {
	if tag == "" {
		return "", errors.New("cannot resolve torrent without tag")
	}
	var hash string
	err := retry.Do(
		func() error {
			var list []qbt.Torrent
			err := observe("torrents", func() error {
				var err error
				list, err = a.cl.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Filter: qbt.TorrentFilterAll})
				return err
			})
			if err != nil {
				return err
			}
			for i := range list {
				if hasTag(list[i].Tags, tag) {
					hash = strings.ToLower(list[i].Hash)
					return nil
				}
			}
			return errHashPending
		},
		retry.Context(ctx),
		retry.Attempts(a.resolveAttempts),
		retry.Delay(a.resolveDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("resolve hash for tag %s: %w", tag, err)
	}
	return hash, nil
}

func hasTag(tags, tag string) bool {
	for _, t := range strings.Split(tags, ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}

// Snapshot lists every torrent; the poll loop ignores the ones it does not track.
func (a *Adapter) Snapshot(ctx context.Context) ([]engine.JobState, error) {
	var list []qbt.Torrent
	err := observe("torrents", func() error {
		var err error
		list, err = a.cl.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Filter: qbt.TorrentFilterAll})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]engine.JobState, 0, len(list))
	for i := range list {
		out = append(out, toJobState(&list[i]))
	}
	return out, nil
}

func toJobState(t *qbt.Torrent) engine.JobState {
	js := engine.JobState{
		NativeID:        strings.ToLower(t.Hash),
		Phase:           string(t.State),
		Name:            torrentName(t),
		Progress:        t.Progress,
		TotalSize:       t.Size,
		DownloadedBytes: t.Size - t.AmountLeft,
		Labels:          splitTags(t.Tags),
		Ratio:           t.Ratio,
		SeedingTime:     time.Duration(t.SeedingTime) * time.Second,
	}
	if js.DownloadedBytes < 0 {
		js.DownloadedBytes = 0
	}
	if t.CompletionOn > 0 {
		js.CompletedAt = time.Unix(t.CompletionOn, 0)
	}
	js.Class = classify(t.State, !js.CompletedAt.IsZero() || t.Progress >= 1)
	if js.Class == engine.ClassError {
		js.ErrorMessage = noSpaceMessage
	}
	return js
}

func classify(state qbt.TorrentState, complete bool) engine.Class {
	switch state {
	case qbt.TorrentStateMetaDl:
		return engine.ClassMetadata
	case qbt.TorrentStateDownloading, qbt.TorrentStateForcedDl:
		return engine.ClassTransferring
	case qbt.TorrentStateStalledDl:
		return engine.ClassStalled
	case qbt.TorrentStateMissingFiles:
		return engine.ClassMissingData
	case qbt.TorrentStateError:
		return engine.ClassError
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateForcedUp:
		if complete {
			return engine.ClassCompleted
		}
		return engine.ClassIgnore
	case qbt.TorrentStateStoppedUp, qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedDl, qbt.TorrentStatePausedDl:
		return engine.ClassStopped
	default:
		return engine.ClassIgnore
	}
}

// torrentName prefers the content path so renamed roots are reported as on disk.
func torrentName(t *qbt.Torrent) string {
	if t.ContentPath != "" {
		p := strings.TrimRight(strings.ReplaceAll(t.ContentPath, "\\", "/"), "/")
		if base := strings.TrimSuffix(path.Base(p), ".!qB"); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return t.Name
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Cancel deletes the torrent with its files and drops the per-task tag.
func (a *Adapter) Cancel(ctx context.Context, hash string) error {
	hashes := []string{hash}
	if err := observe("delete", func() error { return a.cl.DeleteTorrentsCtx(ctx, hashes, true) }); err != nil {
		return err
	}
	a.mu.Lock()
	tag, ok := a.tags[hash]
	delete(a.tags, hash)
	a.mu.Unlock()
	if !ok || tag == "" {
		return nil
	}
	if err := observe("deleteTags", func() error { return a.cl.DeleteTagsCtx(ctx, []string{tag}) }); err != nil {
		a.log.Warn("delete tag failed", "tag", tag, "error", err)
	}
	return nil
}

func (a *Adapter) Reannounce(ctx context.Context, hash string) error {
	return observe("reannounce", func() error { return a.cl.ReAnnounceTorrentsCtx(ctx, []string{hash}) })
}

func (a *Adapter) Recheck(ctx context.Context, hash string) error {
	return observe("recheck", func() error { return a.cl.RecheckCtx(ctx, []string{hash}) })
}

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	return observe("pause", func() error { return a.cl.PauseCtx(ctx, []string{hash}) })
}

// Unpause resumes the torrent; its hash never changes.
func (a *Adapter) Unpause(ctx context.Context, hash string) (string, error) {
	if err := observe("resume", func() error { return a.cl.ResumeCtx(ctx, []string{hash}) }); err != nil {
		return "", err
	}
	return hash, nil
}
