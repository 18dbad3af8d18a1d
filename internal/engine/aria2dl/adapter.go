package aria2dl

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinoosan/mirrord/internal/aria2"
	"github.com/tinoosan/mirrord/internal/engine"
)

const (
	defaultNudgeEvery = 500 * time.Millisecond
	reconnectDelay    = 5 * time.Second
	listLimit         = 1000
)

// Adapter implements engine.Adapter for direct transfers using an aria2
// JSON-RPC client.
type Adapter struct {
	cl  *aria2.Client
	log *slog.Logger
	now func() time.Time

	// nudges limits how often notifications may trigger an early poll.
	nudges *rate.Limiter

	mu      sync.RWMutex
	sources map[string]string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger allows wiring a shared application logger into the adapter.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithNudgeRate caps notification-driven nudges to one per every.
func WithNudgeRate(every time.Duration) Option {
	return func(a *Adapter) { a.nudges = rate.NewLimiter(rate.Every(every), 1) }
}

func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

// NewAdapter creates a new Adapter using the provided aria2 client.
func NewAdapter(cl *aria2.Client, opts ...Option) *Adapter {
	a := &Adapter{
		cl:      cl,
		log:     slog.Default(),
		now:     time.Now,
		nudges:  rate.NewLimiter(rate.Every(defaultNudgeEvery), 1),
		sources: make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("backend", "aria2")
	return a
}

var _ engine.Adapter = (*Adapter)(nil)
var _ engine.Pinger = (*Adapter)(nil)
var _ engine.EventSource = (*Adapter)(nil)

func (a *Adapter) Kind() engine.Kind { return engine.KindDirect }

func (a *Adapter) remember(gid, source string) {
	a.mu.Lock()
	a.sources[gid] = source
	a.mu.Unlock()
}

func (a *Adapter) source(gid string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sources[gid]
}

// carry moves the remembered source of gid to its successor.
func (a *Adapter) carry(gid, next string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sources[gid]; ok {
		a.sources[next] = s
		delete(a.sources, gid)
	}
}

func (a *Adapter) forget(gid string) {
	a.mu.Lock()
	delete(a.sources, gid)
	a.mu.Unlock()
}
