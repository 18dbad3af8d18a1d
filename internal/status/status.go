package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/task"
)

// Update is a user-visible status change for one task.
type Update struct {
	MID     string      `json:"mid"`
	Name    string      `json:"name,omitempty"`
	Kind    engine.Kind `json:"kind"`
	State   task.State  `json:"state"`
	Message string      `json:"message,omitempty"`
	// Fallback marks updates sent because the task's own listener failed.
	Fallback bool `json:"fallback,omitempty"`
	// StopAll marks completions observed while a stop-all was running.
	StopAll bool      `json:"stopAll,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher pushes updates to whoever is watching. Publish must not block on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, u Update)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, u Update)

func (f PublisherFunc) Publish(ctx context.Context, u Update) { f(ctx, u) }

// Multi fans an update out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, u Update) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, u)
		}
	}
}

// Nop discards updates.
type Nop struct{}

func (Nop) Publish(context.Context, Update) {}

// LogPublisher writes every update as a structured log line.
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, u Update) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	if u.State == task.StateFailed || u.Fallback {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "task status",
		"mid", u.MID,
		"kind", u.Kind,
		"state", u.State,
		"name", u.Name,
		"message", u.Message,
		"fallback", u.Fallback,
	)
}

// FromView builds an update for the task's current state.
func FromView(v task.View, msg string) Update {
	return Update{MID: v.MID, Name: v.Name, Kind: v.Kind, State: v.State, Message: msg, At: time.Now()}
}
