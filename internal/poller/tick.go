package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/metrics"
	"github.com/tinoosan/mirrord/internal/task"
)

const (
	msgStalledBeforeStart = "Stalled before start! No metadata after %s"
	msgStalled            = "Stalled job! No progress for %s"
	msgBackendError       = "Backend reported an error"
	msgSeedFinished       = "Seeding stopped with Ratio: %.3f and Time: %s"
)

// tick runs one iteration under the kind lock and dispatches the resulting
// events after releasing it. It returns false when no jobs are left, in which
// case the loop has already been marked as not running.
func (l *Loop) tick(ctx context.Context, log *slog.Logger) bool {
	l.mu.Lock()
	if len(l.jobs) == 0 {
		l.running = false
		l.mu.Unlock()
		return false
	}
	metrics.PollTicks.WithLabelValues(string(l.kind)).Inc()

	sctx, cancel := context.WithTimeout(ctx, l.cfg.CommandTimeout)
	states, err := l.adapter.Snapshot(sctx)
	cancel()
	if err != nil {
		l.mu.Unlock()
		metrics.PollErrors.WithLabelValues(string(l.kind)).Inc()
		log.Warn("snapshot failed", "err", err)
		return true
	}

	now := l.now()
	var events []event
	for _, js := range states {
		rec, ok := l.jobs[js.NativeID]
		if !ok {
			continue
		}
		if ev, ok := l.evaluateLocked(ctx, log, rec, js, now); ok {
			events = append(events, ev)
		}
	}
	l.mu.Unlock()

	l.dispatch(ctx, events)
	return true
}

// evaluateLocked applies the transition rules to one tracked job. One-shot
// flags on rec keep each action idempotent across repeated snapshots.
func (l *Loop) evaluateLocked(ctx context.Context, log *slog.Logger, rec *record, js engine.JobState, now time.Time) (event, bool) {
	id := js.NativeID
	v, err := l.reg.Get(rec.mid)
	if err != nil {
		delete(l.jobs, id)
		log.Error("dropping job record without task", "mid", rec.mid, "native_id", id)
		return event{}, false
	}
	if v.Cancelled {
		return event{}, false
	}

	if js.Successor != "" && js.Successor != id {
		delete(l.jobs, id)
		l.jobs[js.Successor] = rec
		rec.lastProgress = now
		if _, err := l.reg.Rebind(rec.mid, js.Successor); err != nil {
			log.Error("rebind successor", "mid", rec.mid, "err", err)
		} else {
			log.Info("job replaced by successor", "mid", rec.mid, "native_id", id, "successor", js.Successor)
		}
		return event{}, false
	}

	l.refreshLocked(log, v, js)

	switch js.Class {
	case engine.ClassMetadata:
		rec.lastProgress = now
		if l.cfg.MetadataTimeout > 0 && now.Sub(rec.started) > l.cfg.MetadataTimeout {
			return l.failLocked(ctx, log, rec.mid, fmt.Sprintf(msgStalledBeforeStart, l.cfg.MetadataTimeout))
		}
		l.command(ctx, log, "reannounce", id, l.adapter.Reannounce)

	case engine.ClassTransferring:
		rec.lastProgress = now
		rec.lastBytes = js.DownloadedBytes
		if !rec.stopDupCheckDone && js.Name != "" && v.Listener != nil && v.Listener.StopDuplicate() {
			rec.stopDupCheckDone = true
			if msg := l.duplicate(ctx, log, js.Name); msg != "" {
				return l.failLocked(ctx, log, rec.mid, msg)
			}
		}

	case engine.ClassStalled:
		if js.DownloadedBytes > rec.lastBytes {
			rec.lastBytes = js.DownloadedBytes
			rec.lastProgress = now
		}
		switch {
		case !rec.recheckAttempted && l.cfg.RecheckThreshold > 0 && js.Progress > l.cfg.RecheckThreshold && js.Progress < 1:
			rec.recheckAttempted = true
			log.Info("force recheck", "mid", rec.mid, "native_id", id, "progress", js.Progress,
				"downloaded", js.DownloadedBytes, "size", js.TotalSize)
			l.command(ctx, log, "recheck", id, l.adapter.Recheck)
		case l.cfg.StallTimeout > 0 && now.Sub(rec.lastProgress) > l.cfg.StallTimeout:
			return l.failLocked(ctx, log, rec.mid, fmt.Sprintf(msgStalled, l.cfg.StallTimeout))
		default:
			l.command(ctx, log, "reannounce", id, l.adapter.Reannounce)
		}

	case engine.ClassMissingData:
		l.command(ctx, log, "recheck", id, l.adapter.Recheck)

	case engine.ClassError:
		msg := js.ErrorMessage
		if msg == "" {
			msg = msgBackendError
		}
		return l.failLocked(ctx, log, rec.mid, msg)

	case engine.ClassCompleted:
		if !rec.completionHandled {
			return l.completeLocked(ctx, log, rec, v)
		}

	case engine.ClassStopped:
		switch {
		case rec.seedingActive:
			rec.seedingActive = false
			msg := fmt.Sprintf(msgSeedFinished, js.Ratio, js.SeedingTime.Round(time.Second))
			fv, err := l.removeLocked(ctx, rec.mid, task.StateComplete)
			if err != nil {
				log.Error("remove after seeding", "mid", rec.mid, "err", err)
				return event{}, false
			}
			log.Info("seeding finished", "mid", rec.mid, "native_id", id)
			return event{typ: evSeedFinished, view: fv, msg: msg, stopping: l.reg.Stopping()}, true
		case !rec.completionHandled && !js.CompletedAt.IsZero():
			return l.completeLocked(ctx, log, rec, v)
		}
	}
	return event{}, false
}

// refreshLocked copies a newly resolved name or size into the task.
func (l *Loop) refreshLocked(log *slog.Logger, v task.View, js engine.JobState) {
	if (js.Name == "" || js.Name == v.Name) && (js.TotalSize <= 0 || js.TotalSize == v.Size) {
		return
	}
	_, err := l.reg.Update(v.MID, func(t *task.Task) error {
		if js.Name != "" {
			t.SetName(js.Name)
		}
		if js.TotalSize > 0 {
			t.SetSize(js.TotalSize)
		}
		return nil
	})
	if err != nil {
		log.Warn("update task meta", "mid", v.MID, "err", err)
	}
}

func (l *Loop) duplicate(ctx context.Context, log *slog.Logger, name string) string {
	if l.guard == nil {
		return ""
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CommandTimeout)
	defer cancel()
	msg, err := l.guard.Check(cctx, name)
	if err != nil {
		log.Warn("duplicate check failed", "name", name, "err", err)
		return ""
	}
	return msg
}

func (l *Loop) failLocked(ctx context.Context, log *slog.Logger, mid, msg string) (event, bool) {
	v, err := l.removeLocked(ctx, mid, task.StateFailed)
	if err != nil {
		log.Error("remove failed task", "mid", mid, "err", err)
		return event{}, false
	}
	log.Info("task failed", "mid", mid, "reason", msg)
	return event{typ: evError, view: v, msg: msg}, true
}

// completeLocked keeps the task seeding when its listener asks for it and no
// stop-all is running; otherwise the task is removed. The stop-all flag is
// read once here and travels with the event.
func (l *Loop) completeLocked(ctx context.Context, log *slog.Logger, rec *record, v task.View) (event, bool) {
	rec.completionHandled = true
	stopping := l.reg.Stopping()
	if v.Listener != nil && v.Listener.Seed() && !stopping {
		sv, err := l.reg.Retain(rec.mid, task.StateSeeding)
		if err == nil {
			rec.seedingActive = true
			log.Info("seeding started", "mid", rec.mid, "name", sv.Name)
			return event{typ: evComplete, view: sv, retained: true}, true
		}
		log.Error("retain for seeding", "mid", rec.mid, "err", err)
	}
	fv, err := l.removeLocked(ctx, rec.mid, task.StateComplete)
	if err != nil {
		log.Error("remove completed task", "mid", rec.mid, "err", err)
		return event{}, false
	}
	log.Info("task complete", "mid", rec.mid, "name", fv.Name)
	return event{typ: evComplete, view: fv, stopping: stopping}, true
}
