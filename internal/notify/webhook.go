package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
)

// Event names sent in webhook payloads.
const (
	EventStart        = "start"
	EventComplete     = "complete"
	EventError        = "error"
	EventSeedFinished = "seed_finished"
)

const (
	defaultAttempts = 3
	defaultDelay    = 200 * time.Millisecond
)

// Payload is the JSON body posted for every lifecycle event.
type Payload struct {
	Event   string    `json:"event"`
	MID     string    `json:"mid"`
	Tag     string    `json:"tag,omitempty"`
	Message string    `json:"message,omitempty"`
	Action  string    `json:"action,omitempty"`
	At      time.Time `json:"at"`
}

// Options configures a Webhook.
type Options struct {
	URL           string
	Tag           string
	Seed          bool
	StopDuplicate bool
	Attempts      uint
	Client        *http.Client
	Log           *slog.Logger
}

// Webhook is a task listener that reports lifecycle events to a callback URL.
// Without a URL every callback succeeds without doing anything.
type Webhook struct {
	mid      string
	url      string
	tag      string
	seed     bool
	stopDup  bool
	attempts uint
	client   *http.Client
	log      *slog.Logger
}

// NewWebhook creates the listener for task mid.
func NewWebhook(mid string, o Options) *Webhook {
	if o.Attempts == 0 {
		o.Attempts = defaultAttempts
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return &Webhook{
		mid:      mid,
		url:      o.URL,
		tag:      o.Tag,
		seed:     o.Seed,
		stopDup:  o.StopDuplicate,
		attempts: o.Attempts,
		client:   o.Client,
		log:      o.Log.With("mid", mid),
	}
}

func (w *Webhook) OnStart(ctx context.Context) error {
	return w.send(ctx, Payload{Event: EventStart})
}

func (w *Webhook) OnComplete(ctx context.Context) error {
	return w.send(ctx, Payload{Event: EventComplete})
}

func (w *Webhook) OnError(ctx context.Context, msg, action string) error {
	return w.send(ctx, Payload{Event: EventError, Message: msg, Action: action})
}

func (w *Webhook) OnSeedFinished(ctx context.Context, msg string) error {
	return w.send(ctx, Payload{Event: EventSeedFinished, Message: msg})
}

func (w *Webhook) Seed() bool          { return w.seed }
func (w *Webhook) StopDuplicate() bool { return w.stopDup }
func (w *Webhook) Tag() string         { return w.tag }

func (w *Webhook) send(ctx context.Context, p Payload) error {
	if w.url == "" {
		return nil
	}
	p.MID = w.mid
	p.Tag = w.tag
	p.At = time.Now().UTC()
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = retry.Do(
		func() error { return w.post(ctx, body) },
		retry.Context(ctx),
		retry.Attempts(w.attempts),
		retry.Delay(defaultDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.log.Debug("webhook retry", "event", p.Event, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", p.Event, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Unrecoverable(fmt.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
