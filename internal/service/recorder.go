package service

import (
	"context"
	"log/slog"

	"github.com/tinoosan/mirrord/internal/dupe"
	"github.com/tinoosan/mirrord/internal/status"
	"github.com/tinoosan/mirrord/internal/task"
)

// Recorder is a status.Publisher that adds the names of completed tasks to
// the duplicate index. Completions observed during a stop-all were never
// handed to their listener and are skipped.
type Recorder struct {
	Index dupe.Index
	Log   *slog.Logger
}

func (r Recorder) Publish(ctx context.Context, u status.Update) {
	if r.Index == nil || u.State != task.StateComplete || u.Name == "" {
		return
	}
	if u.StopAll {
		return
	}
	if err := r.Index.Add(ctx, dupe.Entry{Name: u.Name, Kind: u.Kind, CreatedAt: u.At}); err != nil {
		log := r.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("record mirrored name", "mid", u.MID, "name", u.Name, "err", err)
	}
}
