package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}
}

func TestWebhookNoURL(t *testing.T) {
	called := false
	w := NewWebhook("m1", Options{Client: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return respond(200), nil
	})}})
	if err := w.OnComplete(context.Background()); err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	if called {
		t.Fatalf("request sent without URL")
	}
}

func TestWebhookPayload(t *testing.T) {
	var got Payload
	w := NewWebhook("m1", Options{
		URL: "http://hook.local/cb",
		Tag: "@alice",
		Client: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode: %v", err)
			}
			return respond(204), nil
		})},
	})
	if err := w.OnError(context.Background(), "Dead job", "retry"); err != nil {
		t.Fatalf("OnError: %v", err)
	}
	if got.Event != EventError || got.MID != "m1" || got.Tag != "@alice" || got.Message != "Dead job" || got.Action != "retry" {
		t.Fatalf("payload: %#v", got)
	}
}

func TestWebhookRetries(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		attempts  uint
		wantCalls int
		wantErr   bool
	}{
		{name: "recovers after 5xx", codes: []int{502, 503, 200}, attempts: 3, wantCalls: 3},
		{name: "gives up", codes: []int{500, 500, 500}, attempts: 3, wantCalls: 3, wantErr: true},
		{name: "4xx is final", codes: []int{404, 200}, attempts: 3, wantCalls: 1, wantErr: true},
		{name: "429 is retried", codes: []int{429, 200}, attempts: 3, wantCalls: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var mu sync.Mutex
			calls := 0
			w := NewWebhook("m1", Options{
				URL:      "http://hook.local/cb",
				Attempts: tc.attempts,
				Client: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
					mu.Lock()
					defer mu.Unlock()
					code := tc.codes[calls]
					calls++
					return respond(code), nil
				})},
			})
			err := w.OnComplete(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestWebhookTransportError(t *testing.T) {
	w := NewWebhook("m1", Options{
		URL:      "http://hook.local/cb",
		Attempts: 2,
		Client: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: refused")
		})},
	})
	err := w.OnSeedFinished(context.Background(), "done")
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("err = %v", err)
	}
}

func TestWebhookFlags(t *testing.T) {
	w := NewWebhook("m1", Options{Seed: true, StopDuplicate: true, Tag: "@bob"})
	if !w.Seed() || !w.StopDuplicate() || w.Tag() != "@bob" {
		t.Fatalf("flags not carried: %v %v %q", w.Seed(), w.StopDuplicate(), w.Tag())
	}
}
