package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinoosan/mirrord/internal/metrics"
)

const (
	defaultRPCURL  = "http://127.0.0.1:6800/jsonrpc"
	defaultTimeout = 3 * time.Second
	backendLabel   = "aria2"
)

// Options configures a Client. Zero values fall back to aria2's defaults.
type Options struct {
	RPCURL  string
	Secret  string
	Timeout time.Duration
}

// Client speaks aria2's JSON-RPC over HTTP and its notification stream over
// websocket.
type Client struct {
	baseURL *url.URL
	secret  string
	http    *http.Client
}

func NewClient(o Options) (*Client, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rawURL := o.RPCURL
	if rawURL == "" {
		rawURL = defaultRPCURL
	}

	baseURL, err := url.Parse(rawURL)
	if err != nil {
		baseURL, err = url.Parse(defaultRPCURL)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		baseURL: baseURL,
		secret:  o.Secret,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) BaseURL() *url.URL  { return c.baseURL }
func (c *Client) Secret() string     { return c.secret }
func (c *Client) HTTP() *http.Client { return c.http }

// --- JSON-RPC wire types ---

type rpcReq struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by aria2.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message) }

// Call invokes method with args, prepending the secret token when one is set,
// and decodes the result into out when out is non-nil.
func (c *Client) Call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	timer := prometheus.NewTimer(metrics.BackendRPCLatency.WithLabelValues(backendLabel, method))
	defer timer.ObserveDuration()

	res, err := c.call(ctx, method, c.params(args...))
	if err != nil {
		metrics.BackendRPCErrors.WithLabelValues(backendLabel, method).Inc()
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		metrics.BackendRPCErrors.WithLabelValues(backendLabel, method).Inc()
		return fmt.Errorf("aria2 %s decode: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, _ := json.Marshal(rpcReq{Jsonrpc: "2.0", Method: method, ID: "mirrord", Params: params})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(resp.Body)
	var rr rpcResp
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// aria2 reports RPC errors with a 400 status and an error body.
		if json.Unmarshal(b, &rr) == nil && rr.Error != nil {
			return nil, rr.Error
		}
		return nil, fmt.Errorf("aria2 http %d: %s", resp.StatusCode, string(b))
	}
	if err := json.Unmarshal(b, &rr); err != nil {
		return nil, fmt.Errorf("aria2 rpc decode: %w (%s)", err, string(b))
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

// params prepends the token parameter if a secret is set (aria2 expects
// "token:<secret>" as first param).
func (c *Client) params(args ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	if c.secret != "" {
		out = append(out, "token:"+c.secret)
	}
	return append(out, args...)
}

// IsNotFound detects when aria2 reports a missing GID.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "is not found")
}

// IsNotRemovable detects aria2 refusing to remove a download that already
// stopped; its result must be removed instead.
func IsNotRemovable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot be removed") || strings.Contains(msg, "cannot remove")
}
