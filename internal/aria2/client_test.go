package aria2

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinoosan/mirrord/internal/metrics"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		wantURL     string
		wantSecret  string
		wantTimeout time.Duration
	}{
		{
			name:        "defaults",
			wantURL:     "http://127.0.0.1:6800/jsonrpc",
			wantTimeout: 3 * time.Second,
		},
		{
			name:        "explicit values",
			opts:        Options{RPCURL: "http://localhost:6801/jsonrpc", Secret: "abc123", Timeout: 1500 * time.Millisecond},
			wantURL:     "http://localhost:6801/jsonrpc",
			wantSecret:  "abc123",
			wantTimeout: 1500 * time.Millisecond,
		},
		{
			name:        "invalid url fallback",
			opts:        Options{RPCURL: "::bad::url"},
			wantURL:     "http://127.0.0.1:6800/jsonrpc",
			wantTimeout: 3 * time.Second,
		},
		{
			name:        "negative timeout",
			opts:        Options{Timeout: -25 * time.Millisecond},
			wantURL:     "http://127.0.0.1:6800/jsonrpc",
			wantTimeout: 3 * time.Second,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(tc.opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := c.baseURL.String(); got != tc.wantURL {
				t.Fatalf("url: got %q want %q", got, tc.wantURL)
			}
			if c.secret != tc.wantSecret {
				t.Fatalf("secret: got %q want %q", c.secret, tc.wantSecret)
			}
			if c.http == nil {
				t.Fatalf("http client is nil")
			}
			if c.http.Timeout != tc.wantTimeout {
				t.Fatalf("timeout: got %v want %v", c.http.Timeout, tc.wantTimeout)
			}
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body)), Header: make(http.Header)}
}

func TestCallSendsToken(t *testing.T) {
	c, _ := NewClient(Options{RPCURL: "http://example.com/jsonrpc", Secret: "s3cret"})
	c.HTTP().Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		var req rpcReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Method != "aria2.tellStatus" || len(req.Params) != 2 || req.Params[0] != "token:s3cret" || req.Params[1] != "gid1" {
			t.Fatalf("unexpected request: %#v", req)
		}
		return jsonResponse(200, `{"jsonrpc":"2.0","id":"mirrord","result":{"gid":"gid1","status":"active"}}`), nil
	})
	var out struct {
		GID    string `json:"gid"`
		Status string `json:"status"`
	}
	if err := c.Call(context.Background(), "aria2.tellStatus", &out, "gid1"); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.GID != "gid1" || out.Status != "active" {
		t.Fatalf("decoded %#v", out)
	}
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		body         string
		wantNotFound bool
	}{
		{name: "rpc error", code: 400, body: `{"jsonrpc":"2.0","id":"mirrord","error":{"code":1,"message":"GID 2089b05ecca3d829 is not found"}}`, wantNotFound: true},
		{name: "rpc error with 200", code: 200, body: `{"jsonrpc":"2.0","id":"mirrord","error":{"code":1,"message":"Unauthorized"}}`},
		{name: "http error", code: 502, body: "bad gateway"},
		{name: "garbage", code: 200, body: "{"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := NewClient(Options{RPCURL: "http://example.com/jsonrpc"})
			c.HTTP().Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
				return jsonResponse(tc.code, tc.body), nil
			})
			before := testutil.ToFloat64(metrics.BackendRPCErrors.WithLabelValues("aria2", "aria2.remove"))
			err := c.Call(context.Background(), "aria2.remove", nil, "gid")
			if err == nil {
				t.Fatalf("expected error")
			}
			if IsNotFound(err) != tc.wantNotFound {
				t.Fatalf("IsNotFound(%v) = %v", err, !tc.wantNotFound)
			}
			if got := testutil.ToFloat64(metrics.BackendRPCErrors.WithLabelValues("aria2", "aria2.remove")) - before; got != 1 {
				t.Fatalf("rpc errors metric delta = %v", got)
			}
		})
	}
}
