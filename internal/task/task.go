package task

import (
	"context"
	"errors"
	"time"

	"github.com/tinoosan/mirrord/internal/engine"
)

// State is the unified lifecycle state of a task.
type State string

const (
	StateQueued    State = "Queued"
	StateActive    State = "Active"
	StateSeeding   State = "Seeding"
	StateComplete  State = "Complete"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether the task is removed from the registry in this state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

var (
	ErrNotFound  = errors.New("task not found")
	ErrExists    = errors.New("task already registered")
	ErrCancelled = errors.New("task cancelled")
)

// Listener receives lifecycle callbacks for one task. It is owned by the
// front-end; the orchestrator never decides its lifetime. Any callback may fail.
type Listener interface {
	OnStart(ctx context.Context) error
	OnComplete(ctx context.Context) error
	OnError(ctx context.Context, msg string, action string) error
	OnSeedFinished(ctx context.Context, msg string) error
	// Seed asks for the job to keep uploading after completion.
	Seed() bool
	// StopDuplicate enables the duplicate check once the name is resolved.
	StopDuplicate() bool
	// Tag is a short human label used in fallback notifications.
	Tag() string
}

// Task is one user-initiated transfer. Fields are only mutated by the Registry
// under its lock; callers work with View copies.
type Task struct {
	MID       string
	Kind      engine.Kind
	CreatedAt time.Time

	nativeID  string
	state     State
	queued    bool
	name      string
	size      int64
	cancelled bool
	listener  Listener
}

// New builds a task ready to be registered.
func New(mid string, kind engine.Kind, nativeID string, queued bool, l Listener) *Task {
	st := StateActive
	if queued {
		st = StateQueued
	}
	return &Task{MID: mid, Kind: kind, CreatedAt: time.Now(), nativeID: nativeID, state: st, queued: queued, listener: l}
}

func (t *Task) NativeID() string   { return t.nativeID }
func (t *Task) State() State       { return t.state }
func (t *Task) Queued() bool       { return t.queued }
func (t *Task) Cancelled() bool    { return t.cancelled }
func (t *Task) Name() string       { return t.name }
func (t *Task) Listener() Listener { return t.listener }

func (t *Task) SetState(s State) { t.state = s }
func (t *Task) SetQueued(q bool) { t.queued = q }
func (t *Task) SetName(n string) { t.name = n }
func (t *Task) SetSize(n int64)  { t.size = n }

// MarkCancelled flags the task; every path that may invoke a callback checks it first.
func (t *Task) MarkCancelled() { t.cancelled = true }

// View is a point-in-time copy of a task, safe to use without locking.
type View struct {
	MID       string      `json:"mid"`
	NativeID  string      `json:"nativeId"`
	Kind      engine.Kind `json:"kind"`
	State     State       `json:"state"`
	Queued    bool        `json:"queued"`
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	Cancelled bool        `json:"cancelled"`
	CreatedAt time.Time   `json:"createdAt"`
	Listener  Listener    `json:"-"`
}

func (t *Task) view() View {
	return View{
		MID:       t.MID,
		NativeID:  t.nativeID,
		Kind:      t.Kind,
		State:     t.state,
		Queued:    t.queued,
		Name:      t.name,
		Size:      t.size,
		Cancelled: t.cancelled,
		CreatedAt: t.CreatedAt,
		Listener:  t.listener,
	}
}
