package engine

import (
	"context"
	"errors"
	"time"
)

// Kind names a family of backend engines. Each kind owns one poll loop.
type Kind string

const (
	KindTorrent Kind = "torrent"
	KindNZB     Kind = "nzb"
	KindDirect  Kind = "direct"
)

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindTorrent, KindNZB, KindDirect:
		return k, true
	default:
		return "", false
	}
}

var (
	// ErrRejected is returned by Start when the backend refused the job.
	ErrRejected = errors.New("backend rejected job")
	// ErrNotFound is returned when the backend cannot locate a job by native id.
	ErrNotFound = errors.New("backend job not found")
)

// StartSpec carries everything an adapter needs to submit a job.
type StartSpec struct {
	// Tag labels the job on the backend so the owning task can be found again.
	Tag    string
	Source string
	Dir    string
	Name   string
	// Paused submits the job without letting it transfer; used for queued tasks.
	Paused    bool
	SeedRatio float64
	SeedTime  time.Duration
	Headers   []string
}

// JobState is a normalized snapshot of one backend job.
type JobState struct {
	NativeID string
	// Successor is set when the backend replaced this job with another one
	// (e.g. magnet metadata followed by the real transfer).
	Successor       string
	Phase           string
	Class           Class
	Name            string
	Progress        float64
	TotalSize       int64
	DownloadedBytes int64
	Labels          []string
	ErrorMessage    string
	CompletedAt     time.Time
	Ratio           float64
	SeedingTime     time.Duration
}

// Adapter is the uniform snapshot-and-command contract every backend kind implements.
// Commands other than Start are best effort.
type Adapter interface {
	Kind() Kind
	Start(ctx context.Context, spec StartSpec) (string, error)
	Snapshot(ctx context.Context) ([]JobState, error)
	Cancel(ctx context.Context, nativeID string) error
	Reannounce(ctx context.Context, nativeID string) error
	Recheck(ctx context.Context, nativeID string) error
	Pause(ctx context.Context, nativeID string) error
	// Unpause resumes a job and returns its native id, which may differ from
	// the one passed in when the backend recreated the job.
	Unpause(ctx context.Context, nativeID string) (string, error)
}

// Pinger is implemented by adapters that can cheaply check backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventSource is implemented by adapters that receive asynchronous backend
// notifications. Watch calls nudge whenever something changed so the poll loop
// can take its next snapshot early. It blocks until ctx is done.
type EventSource interface {
	Watch(ctx context.Context, nudge func())
}
