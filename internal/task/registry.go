package task

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/metrics"
)

type nativeKey struct {
	kind engine.Kind
	id   string
}

// Registry is the process-wide set of live tasks. It also owns admission:
// slots and the FIFO of waiting tasks live under the same lock as the tasks so
// that granting and cancelling are linearizable.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	byNative map[nativeKey]string

	limit   int
	slots   map[string]struct{}
	pending []*WaitHandle

	stopping atomic.Bool
}

// NewRegistry creates a registry admitting at most limit concurrently active
// tasks. A limit <= 0 admits everything immediately.
func NewRegistry(limit int) *Registry {
	return &Registry{
		tasks:    make(map[string]*Task),
		byNative: make(map[nativeKey]string),
		limit:    limit,
		slots:    make(map[string]struct{}),
	}
}

// Admit decides whether mid may start now. When it may not, the returned
// handle is signaled once a slot is granted or the task is cancelled.
func (r *Registry) Admit(mid string) (bool, *WaitHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.gaugesLocked()
	if r.limit <= 0 || len(r.slots) < r.limit {
		r.slots[mid] = struct{}{}
		return true, nil
	}
	h := newWaitHandle(mid)
	r.pending = append(r.pending, h)
	return false, h
}

// Abandon gives back whatever admission state mid holds. Used when the
// backend rejected the job before the task was registered.
func (r *Registry) Abandon(mid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(mid)
	r.gaugesLocked()
}

// Register adds t. Its native id becomes resolvable through Lookup.
func (r *Registry) Register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.MID]; ok {
		return ErrExists
	}
	r.tasks[t.MID] = t
	if t.nativeID != "" {
		r.byNative[nativeKey{t.Kind, t.nativeID}] = t.MID
	}
	return nil
}

// Get returns a copy of the task.
func (r *Registry) Get(mid string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[mid]
	if !ok {
		return View{}, ErrNotFound
	}
	return t.view(), nil
}

// List returns copies of all live tasks, oldest first.
func (r *Registry) List() []View {
	r.mu.Lock()
	out := make([]View, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.view())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MID < out[j].MID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Lookup resolves a backend native id to its task. A miss during a job
// recreation window is expected; callers retry on the next poll.
func (r *Registry) Lookup(kind engine.Kind, nativeID string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mid, ok := r.byNative[nativeKey{kind, nativeID}]
	if !ok {
		return View{}, false
	}
	t, ok := r.tasks[mid]
	if !ok {
		return View{}, false
	}
	return t.view(), true
}

// Update applies fn to the task under the registry lock.
func (r *Registry) Update(mid string, fn func(t *Task) error) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[mid]
	if !ok {
		return View{}, ErrNotFound
	}
	if err := fn(t); err != nil {
		return View{}, err
	}
	return t.view(), nil
}

// Rebind points the task at a new native id.
func (r *Registry) Rebind(mid, nativeID string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[mid]
	if !ok {
		return View{}, ErrNotFound
	}
	if t.nativeID != "" {
		delete(r.byNative, nativeKey{t.Kind, t.nativeID})
	}
	t.nativeID = nativeID
	if nativeID != "" {
		r.byNative[nativeKey{t.Kind, nativeID}] = mid
	}
	return t.view(), nil
}

// Activate moves a task whose wait handle was granted out of the queue. It
// fails with ErrCancelled or ErrNotFound when cancellation won the race.
func (r *Registry) Activate(mid string) (View, error) {
	return r.Update(mid, func(t *Task) error {
		if t.cancelled {
			return ErrCancelled
		}
		t.queued = false
		t.state = StateActive
		return nil
	})
}

// Retain keeps the task registered in state s but gives its admission slot to
// the next waiter, e.g. when a finished download keeps seeding.
func (r *Registry) Retain(mid string, s State) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[mid]
	if !ok {
		return View{}, ErrNotFound
	}
	t.state = s
	t.queued = false
	r.releaseLocked(mid)
	r.gaugesLocked()
	return t.view(), nil
}

// Remove is the single removal critical section. within runs under the
// registry lock before the task is deregistered and its admission state is
// released; callers use it to drop their job record and clean up the backend
// job so no other goroutine can observe a half-removed task.
func (r *Registry) Remove(mid string, final State, within func(t *Task)) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[mid]
	if !ok {
		return View{}, ErrNotFound
	}
	if within != nil {
		within(t)
	}
	delete(r.tasks, mid)
	if t.nativeID != "" {
		key := nativeKey{t.Kind, t.nativeID}
		if r.byNative[key] == mid {
			delete(r.byNative, key)
		}
	}
	r.releaseLocked(mid)
	r.gaugesLocked()
	t.state = final
	return t.view(), nil
}

// SetStopping toggles the global stop-all flag.
func (r *Registry) SetStopping(v bool) { r.stopping.Store(v) }

// Stopping reports whether a stop-all is in progress.
func (r *Registry) Stopping() bool { return r.stopping.Load() }

// Active is the number of tasks holding an admission slot.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Pending is the number of tasks waiting for a slot.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Len is the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Registry) releaseLocked(mid string) {
	if _, ok := r.slots[mid]; ok {
		delete(r.slots, mid)
		r.grantLocked()
		return
	}
	for i, h := range r.pending {
		if h.mid == mid {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			h.signal(OutcomeCancelled)
			return
		}
	}
}

// grantLocked hands free slots to waiters in FIFO order, one waiter per slot.
func (r *Registry) grantLocked() {
	for len(r.pending) > 0 && (r.limit <= 0 || len(r.slots) < r.limit) {
		h := r.pending[0]
		r.pending = r.pending[1:]
		r.slots[h.mid] = struct{}{}
		h.signal(OutcomeGranted)
	}
}

func (r *Registry) gaugesLocked() {
	metrics.ActiveTasks.Set(float64(len(r.slots)))
	metrics.QueuedTasks.Set(float64(len(r.pending)))
}
