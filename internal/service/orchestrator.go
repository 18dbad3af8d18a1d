package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/fp"
	"github.com/tinoosan/mirrord/internal/metrics"
	"github.com/tinoosan/mirrord/internal/notify"
	"github.com/tinoosan/mirrord/internal/poller"
	"github.com/tinoosan/mirrord/internal/reqid"
	"github.com/tinoosan/mirrord/internal/status"
	"github.com/tinoosan/mirrord/internal/task"
)

var (
	ErrInvalidSource = errors.New("source is required")
	ErrTargetPath    = errors.New("target path is required")
	ErrUnknownKind   = errors.New("unknown or disabled backend kind")
)

const (
	msgQueued    = "Added to download queue"
	msgStarted   = "Download started"
	msgCancelled = "Download cancelled"
	msgStopAll   = "All downloads stopped"
)

// Request describes a transfer to mirror.
type Request struct {
	Kind          engine.Kind
	Source        string
	TargetPath    string
	Name          string
	Tag           string
	CallbackURL   string
	Seed          bool
	SeedRatio     float64
	SeedTime      time.Duration
	StopDuplicate bool
	Headers       []string
}

// ListenerFactory builds the listener for a new task.
type ListenerFactory func(mid string, r Request) task.Listener

// Tasks is the task-facing API used by the HTTP layer.
type Tasks interface {
	Submit(ctx context.Context, r Request) (task.View, error)
	Get(ctx context.Context, mid string) (task.View, error)
	List(ctx context.Context) []task.View
	Cancel(ctx context.Context, mid string) (task.View, error)
	StopAll(ctx context.Context) int
	Ping(ctx context.Context) map[engine.Kind]error
}

// Orchestrator ties admission, the registry and the per-kind poll loops
// together.
type Orchestrator struct {
	reg         *task.Registry
	loops       map[engine.Kind]*poller.Loop
	pub         status.Publisher
	newListener ListenerFactory
	log         *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithPublisher(p status.Publisher) Option { return func(o *Orchestrator) { o.pub = p } }

func WithListenerFactory(f ListenerFactory) Option { return func(o *Orchestrator) { o.newListener = f } }

// New creates an orchestrator over the given loops, one per backend kind.
func New(reg *task.Registry, loops []*poller.Loop, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:   reg,
		loops: make(map[engine.Kind]*poller.Loop, len(loops)),
		pub:   status.Nop{},
		log:   slog.Default(),
	}
	for _, l := range loops {
		o.loops[l.Kind()] = l
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.newListener == nil {
		o.newListener = Webhooks(notify.Options{Log: o.log})
	}
	o.base, o.cancel = context.WithCancel(context.Background())
	return o
}

var _ Tasks = (*Orchestrator)(nil)

// Webhooks returns a factory that posts each task's events to its callback
// URL. base carries the shared delivery settings.
func Webhooks(base notify.Options) ListenerFactory {
	return func(mid string, r Request) task.Listener {
		o := base
		o.URL = r.CallbackURL
		o.Tag = r.Tag
		o.Seed = r.Seed
		o.StopDuplicate = r.StopDuplicate
		return notify.NewWebhook(mid, o)
	}
}

// Start starts every poll loop. Loops only spin while they track jobs.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, l := range o.loops {
		l.Start(ctx)
	}
}

// Close stops the loops and abandons queued waiters.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	for _, l := range o.loops {
		l.Stop()
	}
}

// Submit admits and starts a transfer. Tasks over the concurrency ceiling are
// submitted paused and resumed once a slot frees up.
func (o *Orchestrator) Submit(ctx context.Context, r Request) (task.View, error) {
	r.Source = fp.NormalizeSource(r.Source)
	r.TargetPath = fp.NormalizeTargetPath(r.TargetPath)
	if r.Source == "" {
		return task.View{}, ErrInvalidSource
	}
	if r.TargetPath == "" {
		return task.View{}, ErrTargetPath
	}
	loop, ok := o.loops[r.Kind]
	if !ok {
		return task.View{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.Kind == engine.KindNZB {
		// SABnzbd jobs leave the queue once finished; there is nothing to seed.
		r.Seed = false
	}

	mid := uuid.NewString()
	log := reqid.Logger(ctx, o.log).With("mid", mid, "kind", r.Kind)
	now, wh := o.reg.Admit(mid)

	spec := engine.StartSpec{
		Tag:     mid,
		Source:  r.Source,
		Dir:     r.TargetPath,
		Name:    r.Name,
		Paused:  !now,
		Headers: r.Headers,
	}
	if r.Seed {
		spec.SeedRatio, spec.SeedTime = r.SeedRatio, r.SeedTime
	}
	nativeID, err := loop.Adapter().Start(ctx, spec)
	if err != nil {
		o.reg.Abandon(mid)
		log.Warn("backend rejected job", "err", err)
		return task.View{}, fmt.Errorf("start %s job: %w", r.Kind, err)
	}

	l := o.newListener(mid, r)
	t := task.New(mid, r.Kind, nativeID, !now, l)
	v, err := loop.Register(t)
	if err != nil {
		o.reg.Abandon(mid)
		_ = loop.Adapter().Cancel(ctx, nativeID)
		return task.View{}, err
	}

	// A cancel or a fast tick may already have removed the task. The backend
	// accepted the job, so the caller still gets the registered view.
	cur, err := o.reg.Get(mid)
	if err != nil || cur.Cancelled {
		log.Info("task removed before start was reported", "native_id", nativeID)
		if err == nil {
			v = cur
		}
		return v, nil
	}
	v = cur
	if now {
		log.Info("task started", "native_id", nativeID)
		o.started(ctx, v)
		return v, nil
	}
	log.Info("task queued", "native_id", nativeID, "pending", o.reg.Pending())
	o.pub.Publish(ctx, status.FromView(v, msgQueued))
	o.wg.Add(1)
	go o.await(mid, wh, loop, log)
	return v, nil
}

// await waits for the admission grant of a queued task, then unpauses its
// backend job and hands the new native id to the loop.
func (o *Orchestrator) await(mid string, wh *task.WaitHandle, loop *poller.Loop, log *slog.Logger) {
	defer o.wg.Done()
	outcome, err := wh.Wait(o.base)
	if err != nil || outcome != task.OutcomeGranted {
		return
	}
	v, err := o.reg.Activate(mid)
	if err != nil {
		log.Debug("granted task no longer wanted", "err", err)
		return
	}
	ctx := o.base
	id, err := loop.Adapter().Unpause(ctx, v.NativeID)
	if err != nil {
		log.Error("unpause queued job failed", "native_id", v.NativeID, "err", err)
		msg := fmt.Sprintf("Failed to start queued download: %v", err)
		if terr := loop.Terminate(ctx, mid, task.StateFailed, msg); terr != nil && !errors.Is(terr, task.ErrNotFound) {
			log.Error("terminate queued task", "err", terr)
		}
		return
	}
	if err := loop.Resume(mid, id); err != nil {
		log.Debug("resume after unpause", "err", err)
		return
	}
	if v, err = o.reg.Get(mid); err != nil {
		return
	}
	log.Info("queued task started", "native_id", id)
	o.started(ctx, v)
}

func (o *Orchestrator) started(ctx context.Context, v task.View) {
	if v.Listener != nil {
		if err := safeCall(ctx, v.Listener.OnStart); err != nil {
			metrics.ListenerFailures.WithLabelValues("on_start").Inc()
			o.log.Error("listener OnStart failed", "mid", v.MID, "err", err)
		}
	}
	o.pub.Publish(ctx, status.FromView(v, msgStarted))
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) Get(_ context.Context, mid string) (task.View, error) {
	return o.reg.Get(mid)
}

func (o *Orchestrator) List(context.Context) []task.View { return o.reg.List() }

// Cancel flags the task so no further callbacks fire, then removes it through
// its loop. A queued task's waiter is released with a cancelled outcome.
func (o *Orchestrator) Cancel(ctx context.Context, mid string) (task.View, error) {
	v, err := o.reg.Update(mid, func(t *task.Task) error {
		t.MarkCancelled()
		return nil
	})
	if err != nil {
		return task.View{}, err
	}
	loop, ok := o.loops[v.Kind]
	if !ok {
		return task.View{}, fmt.Errorf("%w: %q", ErrUnknownKind, v.Kind)
	}
	if err := loop.Terminate(ctx, mid, task.StateCancelled, msgCancelled); err != nil {
		return task.View{}, err
	}
	o.log.Info("task cancelled", "mid", mid)
	v.State = task.StateCancelled
	return v, nil
}

// StopAll cancels every task. Completions observed meanwhile are cleaned up
// without invoking listeners.
func (o *Orchestrator) StopAll(ctx context.Context) int {
	o.reg.SetStopping(true)
	defer o.reg.SetStopping(false)
	n := 0
	for _, v := range o.reg.List() {
		if _, err := o.Cancel(ctx, v.MID); err != nil {
			if !errors.Is(err, task.ErrNotFound) {
				o.log.Warn("stop all: cancel failed", "mid", v.MID, "err", err)
			}
			continue
		}
		n++
	}
	o.log.Info("stop all finished", "cancelled", n)
	o.pub.Publish(ctx, status.Update{Message: msgStopAll, At: time.Now()})
	return n
}

// Ping checks every backend that supports it.
func (o *Orchestrator) Ping(ctx context.Context) map[engine.Kind]error {
	out := make(map[engine.Kind]error, len(o.loops))
	for kind, l := range o.loops {
		if p, ok := l.Adapter().(engine.Pinger); ok {
			out[kind] = p.Ping(ctx)
		}
	}
	return out
}

// Kinds returns the enabled backend kinds.
func (o *Orchestrator) Kinds() []engine.Kind {
	out := make([]engine.Kind, 0, len(o.loops))
	for k := range o.loops {
		out = append(out, k)
	}
	return out
}
