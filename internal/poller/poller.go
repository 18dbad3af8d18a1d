package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/mirrord/internal/dupe"
	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/metrics"
	"github.com/tinoosan/mirrord/internal/status"
	"github.com/tinoosan/mirrord/internal/task"
)

const (
	defaultInterval       = 3 * time.Second
	defaultCommandTimeout = 10 * time.Second
)

// Config holds the per-kind loop settings. Zero timeouts disable the
// corresponding rule; a zero threshold disables the one-shot recheck.
type Config struct {
	Interval         time.Duration
	StallTimeout     time.Duration
	MetadataTimeout  time.Duration
	RecheckThreshold float64
	CommandTimeout   time.Duration
}

// record is the loop's bookkeeping for one backend job.
type record struct {
	mid          string
	started      time.Time
	lastProgress time.Time
	lastBytes    int64

	stopDupCheckDone  bool
	recheckAttempted  bool
	completionHandled bool
	seedingActive     bool
}

// Loop polls one backend kind and drives its tasks through their lifecycle.
// mu is the kind lock: it serializes ticks with Track, Resume and Terminate
// and guards the job table. When both are needed it is taken before the
// registry lock.
type Loop struct {
	kind    engine.Kind
	adapter engine.Adapter
	reg     *task.Registry
	cfg     Config
	guard   dupe.Guard
	pub     status.Publisher
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*record
	running bool
	base    context.Context
	cancel  context.CancelFunc

	nudge chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithGuard sets the duplicate check consulted once a job's name resolves.
func WithGuard(g dupe.Guard) Option { return func(l *Loop) { l.guard = g } }

func WithPublisher(p status.Publisher) Option {
	return func(l *Loop) {
		if p != nil {
			l.pub = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// New creates a loop for the adapter's kind. It does nothing until Start.
func New(adapter engine.Adapter, reg *task.Registry, cfg Config, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	l := &Loop{
		kind:    adapter.Kind(),
		adapter: adapter,
		reg:     reg,
		cfg:     cfg,
		pub:     status.Nop{},
		log:     slog.Default(),
		now:     time.Now,
		jobs:    make(map[string]*record),
		nudge:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("kind", string(l.kind))
	return l
}

// Kind returns the backend kind this loop serves.
func (l *Loop) Kind() engine.Kind { return l.kind }

// Adapter returns the backend adapter this loop polls.
func (l *Loop) Adapter() engine.Adapter { return l.adapter }

// Start binds the loop to ctx. Polling begins once at least one job is tracked
// and pauses again whenever a tick observes none.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.base != nil {
		return
	}
	l.base, l.cancel = context.WithCancel(ctx)
	if src, ok := l.adapter.(engine.EventSource); ok {
		l.wg.Add(1)
		go func(ctx context.Context) {
			defer l.wg.Done()
			src.Watch(ctx, l.Nudge)
		}(l.base)
	}
	l.ensureRunningLocked()
}

// Stop cancels polling and waits for the loop goroutines to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Register adds t to the registry and starts watching its backend job in one
// step under the kind lock, so no removal can slip in between.
func (l *Loop) Register(t *task.Task) (task.View, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reg.Register(t); err != nil {
		return task.View{}, err
	}
	v, err := l.reg.Get(t.MID)
	if err != nil {
		return task.View{}, err
	}
	l.trackLocked(v.MID, v.NativeID)
	return v, nil
}

// Track starts watching nativeID on behalf of task mid. It fails with
// task.ErrNotFound when the task has already been removed.
func (l *Loop) Track(mid, nativeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.reg.Get(mid); err != nil {
		return err
	}
	l.trackLocked(mid, nativeID)
	return nil
}

func (l *Loop) trackLocked(mid, nativeID string) {
	now := l.now()
	l.jobs[nativeID] = &record{mid: mid, started: now, lastProgress: now}
	l.ensureRunningLocked()
}

// Resume re-keys the job of a task that was just released from the queue and
// re-arms its timers, since time spent paused is not a stall.
func (l *Loop) Resume(mid, nativeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rec := l.recordForLocked(mid)
	if rec == nil {
		rec = &record{mid: mid}
	}
	for id, r := range l.jobs {
		if r == rec {
			delete(l.jobs, id)
		}
	}
	rec.started, rec.lastProgress = now, now
	l.jobs[nativeID] = rec
	if _, err := l.reg.Rebind(mid, nativeID); err != nil {
		delete(l.jobs, nativeID)
		return err
	}
	l.ensureRunningLocked()
	return nil
}

// Terminate removes task mid through the same critical section the loop uses
// for natural termination. A Cancelled task gets no listener callback; a
// Failed one is reported through OnError with reason.
func (l *Loop) Terminate(ctx context.Context, mid string, final task.State, reason string) error {
	l.mu.Lock()
	v, err := l.removeLocked(ctx, mid, final)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	switch final {
	case task.StateFailed:
		l.dispatch(ctx, []event{{typ: evError, view: v, msg: reason}})
	default:
		metrics.TaskTransitions.WithLabelValues(string(l.kind), string(final)).Inc()
		l.publish(ctx, v, reason, false)
	}
	return nil
}

// Nudge asks for an early tick. It never blocks.
func (l *Loop) Nudge() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

// Running reports whether the poll goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Jobs returns the number of tracked backend jobs.
func (l *Loop) Jobs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

func (l *Loop) ensureRunningLocked() {
	if l.running || l.base == nil || l.base.Err() != nil || len(l.jobs) == 0 {
		return
	}
	l.running = true
	l.wg.Add(1)
	go l.run(l.base)
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	// Tag this run with a stable operation_id for easier correlation.
	log := l.log.With("operation_id", uuid.NewString())
	log.Info("poll loop started")
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			log.Info("poll loop cancelled")
			return
		case <-ticker.C:
		case <-l.nudge:
		}
		if !l.tick(ctx, log) {
			log.Info("poll loop idle, stopping")
			return
		}
	}
}

func (l *Loop) recordForLocked(mid string) *record {
	for _, r := range l.jobs {
		if r.mid == mid {
			return r
		}
	}
	return nil
}

// removeLocked deregisters mid and, inside the registry critical section,
// drops its job record and cleans up the backend job.
func (l *Loop) removeLocked(ctx context.Context, mid string, final task.State) (task.View, error) {
	return l.reg.Remove(mid, final, func(t *task.Task) {
		for id, r := range l.jobs {
			if r.mid == mid {
				delete(l.jobs, id)
			}
		}
		if id := t.NativeID(); id != "" {
			l.command(ctx, l.log, "cancel", id, l.adapter.Cancel)
		}
	})
}

// command runs a best-effort backend command bounded by CommandTimeout.
func (l *Loop) command(ctx context.Context, log *slog.Logger, name, nativeID string, fn func(context.Context, string) error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CommandTimeout)
	defer cancel()
	if err := fn(cctx, nativeID); err != nil {
		log.Warn("backend command failed", "command", name, "native_id", nativeID, "err", err)
	}
}
