package aria2dl

import (
	"context"
	neturl "net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/mirrord/internal/engine"
)

// statusKeys limits tellStatus/tellActive responses to what the poll loop needs.
var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "uploadLength",
	"errorMessage", "followedBy", "seeder", "bittorrent", "files",
}

// jobStatus is a partial tellStatus response.
type jobStatus struct {
	GID             string   `json:"gid"`
	Status          string   `json:"status"`
	TotalLength     string   `json:"totalLength"`
	CompletedLength string   `json:"completedLength"`
	UploadLength    string   `json:"uploadLength"`
	ErrorMessage    string   `json:"errorMessage"`
	FollowedBy      []string `json:"followedBy"`
	Seeder          string   `json:"seeder"`
	Bittorrent      *struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
}

func (a *Adapter) tellStatus(ctx context.Context, gid string) (*jobStatus, error) {
	var st jobStatus
	if err := a.cl.Call(ctx, "aria2.tellStatus", &st, gid, statusKeys); err != nil {
		return nil, err
	}
	return &st, nil
}

// Snapshot lists active, waiting and stopped downloads concurrently.
func (a *Adapter) Snapshot(ctx context.Context) ([]engine.JobState, error) {
	var active, waiting, stopped []jobStatus
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.cl.Call(gctx, "aria2.tellActive", &active, statusKeys) })
	g.Go(func() error { return a.cl.Call(gctx, "aria2.tellWaiting", &waiting, 0, listLimit, statusKeys) })
	g.Go(func() error { return a.cl.Call(gctx, "aria2.tellStopped", &stopped, 0, listLimit, statusKeys) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]engine.JobState, 0, len(active)+len(waiting)+len(stopped))
	for _, group := range [][]jobStatus{active, waiting, stopped} {
		for i := range group {
			out = append(out, a.toJobState(&group[i]))
		}
	}
	return out, nil
}

func (a *Adapter) toJobState(st *jobStatus) engine.JobState {
	total := parseInt(st.TotalLength)
	done := parseInt(st.CompletedLength)
	js := engine.JobState{
		NativeID:        st.GID,
		Phase:           st.Status,
		Name:            deriveName(st, a.source(st.GID)),
		TotalSize:       total,
		DownloadedBytes: done,
		ErrorMessage:    st.ErrorMessage,
	}
	if total > 0 {
		js.Progress = float64(done) / float64(total)
	}
	if done > 0 {
		js.Ratio = float64(parseInt(st.UploadLength)) / float64(done)
	}
	js.Class = classify(st)
	switch js.Class {
	case engine.ClassIgnore:
		if st.Status == "complete" && len(st.FollowedBy) > 0 && st.FollowedBy[0] != "" {
			js.Successor = st.FollowedBy[0]
			a.carry(st.GID, js.Successor)
		}
	case engine.ClassStopped:
		js.CompletedAt = a.now()
	}
	return js
}

// classify maps aria2's status onto the poll loop's classes.
func classify(st *jobStatus) engine.Class {
	switch st.Status {
	case "active":
		switch {
		case st.Bittorrent != nil && st.Bittorrent.Info.Name == "":
			return engine.ClassMetadata
		case st.Seeder == "true":
			return engine.ClassCompleted
		default:
			return engine.ClassTransferring
		}
	case "error":
		return engine.ClassError
	case "complete":
		if len(st.FollowedBy) > 0 && st.FollowedBy[0] != "" {
			return engine.ClassIgnore
		}
		return engine.ClassStopped
	default:
		// waiting, paused, removed
		return engine.ClassIgnore
	}
}

// deriveName returns a best-effort name using the status response and fallbacks.
func deriveName(st *jobStatus, source string) string {
	if st != nil {
		if st.Bittorrent != nil && st.Bittorrent.Info.Name != "" {
			return st.Bittorrent.Info.Name
		}
		if len(st.Files) > 0 && st.Files[0].Path != "" && !strings.HasPrefix(st.Files[0].Path, "[METADATA]") {
			return filepath.Base(st.Files[0].Path)
		}
	}
	// fallbacks based on source
	if source == "" {
		return ""
	}
	if strings.HasPrefix(source, "magnet:") {
		if u, err := neturl.Parse(source); err == nil {
			if dn := u.Query().Get("dn"); dn != "" {
				return dn
			}
		}
		return ""
	}
	if u, err := neturl.Parse(source); err == nil && u.Scheme != "" {
		if u.Path != "" && u.Path != "/" {
			return path.Base(u.Path)
		}
	}
	return ""
}

// parseInt parses aria2's decimal strings, treating garbage as zero.
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
