package poller

import (
	"context"
	"fmt"

	"github.com/tinoosan/mirrord/internal/metrics"
	"github.com/tinoosan/mirrord/internal/status"
	"github.com/tinoosan/mirrord/internal/task"
)

type eventType int

const (
	evError eventType = iota + 1
	evComplete
	evSeedFinished
)

// event is a transition decided under the kind lock whose listener and
// status side effects run after the lock is released.
type event struct {
	typ  eventType
	view task.View
	msg  string
	// retained is set when a completed task stays registered to seed.
	retained bool
	// stopping is set when the transition was observed during a stop-all.
	stopping bool
}

func (l *Loop) dispatch(ctx context.Context, events []event) {
	for _, ev := range events {
		switch ev.typ {
		case evError:
			l.onError(ctx, ev.view, ev.msg)
		case evComplete:
			l.onComplete(ctx, ev)
		case evSeedFinished:
			l.onSeedFinished(ctx, ev)
		}
	}
}

func (l *Loop) onError(ctx context.Context, v task.View, msg string) {
	metrics.TaskTransitions.WithLabelValues(string(l.kind), string(task.StateFailed)).Inc()
	if v.Listener == nil || v.Cancelled {
		l.publish(ctx, v, msg, false)
		return
	}
	if err := l.call(ctx, "on_error", func(ctx context.Context) error {
		return v.Listener.OnError(ctx, msg, "")
	}); err != nil {
		l.log.Error("listener OnError failed", "mid", v.MID, "err", err)
		l.publish(ctx, v, fmt.Sprintf("%s Download Error: %s", v.Listener.Tag(), msg), true)
		return
	}
	l.publish(ctx, v, msg, false)
}

func (l *Loop) onComplete(ctx context.Context, ev event) {
	v := ev.view
	if ev.stopping || v.Listener == nil || v.Cancelled {
		metrics.TaskTransitions.WithLabelValues(string(l.kind), string(v.State)).Inc()
		l.publishUpdate(ctx, l.update(v, "", false, ev.stopping))
		return
	}
	err := l.call(ctx, "on_complete", v.Listener.OnComplete)
	if err == nil {
		metrics.TaskTransitions.WithLabelValues(string(l.kind), string(v.State)).Inc()
		l.publish(ctx, v, "", false)
		return
	}
	l.log.Error("listener OnComplete failed", "mid", v.MID, "err", err)
	msg := fmt.Sprintf("Error processing download: %v", err)
	if ev.retained {
		// Still registered and seeding: take it down through the removal path.
		if terr := l.Terminate(ctx, v.MID, task.StateFailed, msg); terr != nil {
			l.log.Error("terminate after failed completion", "mid", v.MID, "err", terr)
		}
		return
	}
	v.State = task.StateFailed
	l.onError(ctx, v, msg)
}

func (l *Loop) onSeedFinished(ctx context.Context, ev event) {
	v, msg := ev.view, ev.msg
	metrics.TaskTransitions.WithLabelValues(string(l.kind), string(v.State)).Inc()
	if ev.stopping || v.Listener == nil || v.Cancelled {
		l.publishUpdate(ctx, l.update(v, msg, false, ev.stopping))
		return
	}
	if err := l.call(ctx, "on_seed_finished", func(ctx context.Context) error {
		return v.Listener.OnSeedFinished(ctx, msg)
	}); err != nil {
		l.log.Error("listener OnSeedFinished failed", "mid", v.MID, "err", err)
		l.publish(ctx, v, msg, true)
		return
	}
	l.publish(ctx, v, msg, false)
}

// call invokes a listener callback, converting a panic into an error.
func (l *Loop) call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
		if err != nil {
			metrics.ListenerFailures.WithLabelValues(name).Inc()
		}
	}()
	return fn(ctx)
}

func (l *Loop) publish(ctx context.Context, v task.View, msg string, fallback bool) {
	l.publishUpdate(ctx, l.update(v, msg, fallback, false))
}

func (l *Loop) update(v task.View, msg string, fallback, stopAll bool) status.Update {
	u := status.FromView(v, msg)
	u.Fallback = fallback
	u.StopAll = stopAll
	u.At = l.now()
	return u
}

func (l *Loop) publishUpdate(ctx context.Context, u status.Update) { l.pub.Publish(ctx, u) }
