package task

import (
	"context"
	"sync"
)

// Outcome is the result carried by a signaled WaitHandle.
type Outcome int

const (
	OutcomeGranted Outcome = iota + 1
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// WaitHandle is handed to a queued task and signaled exactly once, either when
// an admission slot is granted or when the task is cancelled while waiting.
type WaitHandle struct {
	mid     string
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newWaitHandle(mid string) *WaitHandle {
	return &WaitHandle{mid: mid, done: make(chan struct{})}
}

// MID returns the task the handle belongs to.
func (h *WaitHandle) MID() string { return h.mid }

// signal reports whether this call was the one that signaled the handle.
func (h *WaitHandle) signal(o Outcome) bool {
	fired := false
	h.once.Do(func() {
		h.outcome = o
		close(h.done)
		fired = true
	})
	return fired
}

// Done is closed once the handle is signaled.
func (h *WaitHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle is signaled or ctx is done. A granted outcome
// does not guarantee the task is still wanted: callers must re-check
// cancellation under the registry lock (Registry.Activate does).
func (h *WaitHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
