package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinoosan/mirrord/internal/dupe"
	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/poller"
	"github.com/tinoosan/mirrord/internal/status"
	"github.com/tinoosan/mirrord/internal/task"
)

// fakeBackend hands out sequential ids and reports whatever state the test sets.
type fakeBackend struct {
	mu       sync.Mutex
	next     int
	startErr error
	specs    map[string]engine.StartSpec
	states   map[string]engine.JobState
	cancels  []string
	unpauses []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{specs: make(map[string]engine.StartSpec), states: make(map[string]engine.JobState)}
}

func (f *fakeBackend) Kind() engine.Kind { return engine.KindTorrent }

func (f *fakeBackend) Start(_ context.Context, spec engine.StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.specs[id] = spec
	return id, nil
}

func (f *fakeBackend) Snapshot(context.Context) ([]engine.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.JobState, 0, len(f.states))
	for _, js := range f.states {
		out = append(out, js)
	}
	return out, nil
}

func (f *fakeBackend) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	delete(f.states, id)
	return nil
}

func (f *fakeBackend) Reannounce(context.Context, string) error { return nil }
func (f *fakeBackend) Recheck(context.Context, string) error    { return nil }
func (f *fakeBackend) Pause(context.Context, string) error      { return nil }

// Unpause recreates the job under a new id, like aria2 does for paused magnets.
func (f *fakeBackend) Unpause(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpauses = append(f.unpauses, id)
	return id + "-r", nil
}

func (f *fakeBackend) complete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = engine.JobState{NativeID: id, Class: engine.ClassCompleted, Progress: 1, Name: "name-" + id}
}

func (f *fakeBackend) spec(id string) engine.StartSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[id]
}

func (f *fakeBackend) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type countingListener struct {
	started, completed, errored atomic.Int32
	seed                        bool
}

func (l *countingListener) OnStart(context.Context) error {
	l.started.Add(1)
	return nil
}

func (l *countingListener) OnComplete(context.Context) error {
	l.completed.Add(1)
	return nil
}

func (l *countingListener) OnError(context.Context, string, string) error {
	l.errored.Add(1)
	return nil
}

func (l *countingListener) OnSeedFinished(context.Context, string) error { return nil }
func (l *countingListener) Seed() bool                                   { return l.seed }
func (l *countingListener) StopDuplicate() bool                          { return false }
func (l *countingListener) Tag() string                                  { return "@test" }

type fixture struct {
	be        *fakeBackend
	reg       *task.Registry
	orch      *Orchestrator
	mu        sync.Mutex
	listeners map[string]*countingListener
	updates   []status.Update
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	f := &fixture{be: newFakeBackend(), reg: task.NewRegistry(limit), listeners: make(map[string]*countingListener)}
	pub := status.PublisherFunc(func(_ context.Context, u status.Update) {
		f.mu.Lock()
		f.updates = append(f.updates, u)
		f.mu.Unlock()
	})
	loop := poller.New(f.be, f.reg, poller.Config{Interval: 5 * time.Millisecond}, poller.WithPublisher(pub))
	f.orch = New(f.reg, []*poller.Loop{loop},
		WithPublisher(pub),
		WithListenerFactory(func(mid string, r Request) task.Listener {
			l := &countingListener{seed: r.Seed}
			f.mu.Lock()
			f.listeners[mid] = l
			f.mu.Unlock()
			return l
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.orch.Close()
	})
	return f
}

func (f *fixture) listener(mid string) *countingListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[mid]
}

func (f *fixture) submit(t *testing.T) task.View {
	t.Helper()
	v, err := f.orch.Submit(context.Background(), Request{Kind: engine.KindTorrent, Source: "magnet:?xt=x", TargetPath: "/data"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return v
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func gone(reg *task.Registry, mid string) func() bool {
	return func() bool {
		_, err := reg.Get(mid)
		return errors.Is(err, task.ErrNotFound)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, 0)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no source", Request{Kind: engine.KindTorrent, TargetPath: "/d"}, ErrInvalidSource},
		{"blank source", Request{Kind: engine.KindTorrent, Source: " \t\n", TargetPath: "/d"}, ErrInvalidSource},
		{"blank target", Request{Kind: engine.KindTorrent, Source: "magnet:?", TargetPath: "   "}, ErrTargetPath},
		{"no target", Request{Kind: engine.KindTorrent, Source: "magnet:?"}, ErrTargetPath},
		{"disabled kind", Request{Kind: engine.KindNZB, Source: "x", TargetPath: "/d"}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.orch.Submit(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v want %v", err, tt.want)
			}
		})
	}
	if f.reg.Active() != 0 || f.reg.Len() != 0 {
		t.Fatalf("validation leaked state: active=%d len=%d", f.reg.Active(), f.reg.Len())
	}
}

func TestSubmitNormalizesSourceAndTarget(t *testing.T) {
	f := newFixture(t, 0)
	v, err := f.orch.Submit(context.Background(), Request{
		Kind:       engine.KindTorrent,
		Source:     "  magnet:?xt=x \n",
		TargetPath: " /data/in/../out/ ",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	spec := f.be.spec(v.NativeID)
	if spec.Source != "magnet:?xt=x" || spec.Dir != "/data/out" {
		t.Fatalf("spec source=%q dir=%q", spec.Source, spec.Dir)
	}
}

func TestCancelRacingSubmitLeavesNoJobRecord(t *testing.T) {
	f := newFixture(t, 0)
	loop := f.orch.loops[engine.KindTorrent]
	var wg sync.WaitGroup
	f.orch.newListener = func(mid string, r Request) task.Listener {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := f.orch.Cancel(context.Background(), mid); err == nil {
					return
				}
				runtime.Gosched()
			}
		}()
		return &countingListener{}
	}

	for i := 0; i < 200; i++ {
		v, err := f.orch.Submit(context.Background(), Request{Kind: engine.KindTorrent, Source: "magnet:?xt=x", TargetPath: "/d"})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if v.MID == "" || v.NativeID == "" {
			t.Fatalf("submit %d returned view %#v", i, v)
		}
	}
	wg.Wait()

	if n := f.reg.Len(); n != 0 {
		t.Fatalf("tasks left = %d", n)
	}
	if n := loop.Jobs(); n != 0 {
		t.Fatalf("job records outlived their task: %d", n)
	}
	eventually(t, "loop to idle", func() bool { return !loop.Running() })
}

func TestSubmitRejectedReleasesSlot(t *testing.T) {
	f := newFixture(t, 1)
	f.be.startErr = fmt.Errorf("%w: bad magnet", engine.ErrRejected)
	_, err := f.orch.Submit(context.Background(), Request{Kind: engine.KindTorrent, Source: "x", TargetPath: "/d"})
	if !errors.Is(err, engine.ErrRejected) {
		t.Fatalf("err = %v", err)
	}
	if f.reg.Active() != 0 || f.reg.Len() != 0 {
		t.Fatalf("active=%d len=%d", f.reg.Active(), f.reg.Len())
	}
}

func TestQueuedTaskStartsWhenSlotFrees(t *testing.T) {
	f := newFixture(t, 1)
	a := f.submit(t)
	b := f.submit(t)

	if a.State != task.StateActive || b.State != task.StateQueued {
		t.Fatalf("states = %s, %s", a.State, b.State)
	}
	if f.be.spec(a.NativeID).Paused || !f.be.spec(b.NativeID).Paused {
		t.Fatal("queued task must be submitted paused, active one not")
	}
	if f.listener(a.MID).started.Load() != 1 || f.listener(b.MID).started.Load() != 0 {
		t.Fatal("OnStart must fire only for the running task")
	}

	f.be.complete(a.NativeID)
	eventually(t, "first task removed", gone(f.reg, a.MID))
	if n := f.listener(a.MID).completed.Load(); n != 1 {
		t.Fatalf("OnComplete calls = %d", n)
	}

	eventually(t, "queued task started", func() bool {
		v, err := f.reg.Get(b.MID)
		return err == nil && v.State == task.StateActive && v.NativeID == b.NativeID+"-r"
	})
	eventually(t, "OnStart for queued task", func() bool { return f.listener(b.MID).started.Load() == 1 })
	if f.reg.Active() != 1 || f.reg.Pending() != 0 {
		t.Fatalf("active=%d pending=%d", f.reg.Active(), f.reg.Pending())
	}

	// the rebound id is what the loop now tracks
	f.be.complete(b.NativeID + "-r")
	eventually(t, "second task removed", gone(f.reg, b.MID))
	if n := f.listener(b.MID).completed.Load(); n != 1 {
		t.Fatalf("OnComplete calls = %d", n)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, 1)
	a := f.submit(t)
	b := f.submit(t)

	v, err := f.orch.Cancel(context.Background(), b.MID)
	if err != nil {
		t.Fatal(err)
	}
	if v.State != task.StateCancelled {
		t.Fatalf("state = %s", v.State)
	}
	if _, err := f.reg.Get(b.MID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("get after cancel: %v", err)
	}
	if got := f.be.cancelled(); len(got) != 1 || got[0] != b.NativeID {
		t.Fatalf("backend cancels = %v", got)
	}
	if f.reg.Pending() != 0 || f.reg.Active() != 1 {
		t.Fatalf("active=%d pending=%d", f.reg.Active(), f.reg.Pending())
	}

	// freeing the slot must not resurrect the cancelled task
	if _, err := f.orch.Cancel(context.Background(), a.MID); err != nil {
		t.Fatal(err)
	}
	if f.reg.Active() != 0 || f.listener(b.MID).started.Load() != 0 {
		t.Fatalf("active=%d started=%d", f.reg.Active(), f.listener(b.MID).started.Load())
	}
	if _, err := f.orch.Cancel(context.Background(), a.MID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, 2)
	var mids []string
	for i := 0; i < 4; i++ {
		mids = append(mids, f.submit(t).MID)
	}
	if n := f.orch.StopAll(context.Background()); n != 4 {
		t.Fatalf("stopped = %d", n)
	}
	if f.reg.Len() != 0 || f.reg.Active() != 0 || f.reg.Pending() != 0 {
		t.Fatalf("len=%d active=%d pending=%d", f.reg.Len(), f.reg.Active(), f.reg.Pending())
	}
	if f.reg.Stopping() {
		t.Fatal("stopping flag left set")
	}
	for _, mid := range mids {
		l := f.listener(mid)
		if l.completed.Load() != 0 || l.errored.Load() != 0 {
			t.Fatalf("%s got callbacks after stop all", mid)
		}
	}
	if got := f.be.cancelled(); len(got) != 4 {
		t.Fatalf("backend cancels = %v", got)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, 0)
	// fakeBackend is not a Pinger
	if got := f.orch.Ping(context.Background()); len(got) != 0 {
		t.Fatalf("ping = %v", got)
	}
	if k := f.orch.Kinds(); len(k) != 1 || k[0] != engine.KindTorrent {
		t.Fatalf("kinds = %v", k)
	}
}

func TestRecorder(t *testing.T) {
	ix := dupe.NewMemoryIndex()
	rec := Recorder{Index: ix}
	ctx := context.Background()

	rec.Publish(ctx, status.Update{MID: "1", Name: "Failed.Show", State: task.StateFailed})
	rec.Publish(ctx, status.Update{MID: "2", Name: "Good.Show", State: task.StateComplete})
	rec.Publish(ctx, status.Update{MID: "3", Name: "Stopped.Show", State: task.StateComplete, StopAll: true})

	tests := map[string]bool{"Failed.Show": false, "Good.Show": true, "Stopped.Show": false}
	for name, want := range tests {
		got, err := ix.Has(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Has(%q) = %v want %v", name, got, want)
		}
	}
}
