package status

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tinoosan/mirrord/internal/metrics"
)

const defaultBuffer = 32

// Hub broadcasts updates to websocket subscribers. Slow subscribers lose
// updates instead of stalling the publisher.
type Hub struct {
	log    *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[chan Update]struct{}
}

// NewHub creates a hub whose subscribers buffer up to buffer updates.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{log: log, buffer: buffer, subs: make(map[chan Update]struct{})}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- u:
		default:
			metrics.StatusDropped.Inc()
		}
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams updates as JSON
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("status websocket accept", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	// Reads are only used to notice the peer closing.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, u)
			cancel()
			if err != nil {
				h.log.Debug("status websocket write", "err", err)
				return
			}
		}
	}
}
