// Package sabnzbd is a small client for SABnzbd's JSON API.
package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinoosan/mirrord/internal/metrics"
)

const (
	defaultHost    = "http://127.0.0.1:8070"
	defaultTimeout = 10 * time.Second
	backendLabel   = "sabnzbd"
)

// Priority values understood by addurl/addfile.
const (
	PriorityPaused  = -2
	PriorityDefault = -100
)

// Options configures a Client.
type Options struct {
	Host    string
	APIKey  string
	Timeout time.Duration
}

// Client calls the SABnzbd API at <host>/api.
type Client struct {
	endpoint *url.URL
	apiKey   string
	http     *http.Client
}

func NewClient(o Options) (*Client, error) {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	host := o.Host
	if host == "" {
		host = defaultHost
	}
	u, err := url.Parse(strings.TrimRight(host, "/") + "/api")
	if err != nil {
		return nil, fmt.Errorf("sabnzbd host: %w", err)
	}
	return &Client{endpoint: u, apiKey: o.APIKey, http: &http.Client{Timeout: o.Timeout}}, nil
}

func (c *Client) HTTP() *http.Client { return c.http }

// APIError is a {"status": false, "error": ...} reply.
type APIError struct {
	Mode    string
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("sabnzbd %s: %s", e.Mode, e.Message) }

type statusReply struct {
	Status *bool  `json:"status"`
	Error  string `json:"error"`
}

// Call issues GET /api?mode=<mode>&... and decodes the reply into out.
func (c *Client) Call(ctx context.Context, mode string, params url.Values, out any) error {
	q := c.query(mode, params)
	u := *c.endpoint
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	return c.do(req, mode, out)
}

// Upload posts a local file with mode=addfile.
func (c *Client) Upload(ctx context.Context, path string, params url.Values, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("name", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	u := *c.endpoint
	u.RawQuery = c.query("addfile", params).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "addfile", out)
}

func (c *Client) query(mode string, params url.Values) url.Values {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("mode", mode)
	q.Set("output", "json")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	return q
}

func (c *Client) do(req *http.Request, mode string, out any) error {
	timer := prometheus.NewTimer(metrics.BackendRPCLatency.WithLabelValues(backendLabel, mode))
	defer timer.ObserveDuration()

	err := c.roundTrip(req, mode, out)
	if err != nil {
		metrics.BackendRPCErrors.WithLabelValues(backendLabel, mode).Inc()
	}
	return err
}

func (c *Client) roundTrip(req *http.Request, mode string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sabnzbd %s http %d: %s", mode, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var st statusReply
	if json.Unmarshal(b, &st) == nil && st.Status != nil && !*st.Status {
		msg := st.Error
		if msg == "" {
			msg = "request refused"
		}
		return &APIError{Mode: mode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("sabnzbd %s decode: %w", mode, err)
	}
	return nil
}

// IsNotFound reports whether SABnzbd refused a call because the job is gone.
func IsNotFound(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	msg := strings.ToLower(ae.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such")
}

// Number accepts SABnzbd's habit of sending numbers as strings.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("sabnzbd number %q: %w", s, err)
	}
	*n = Number(v)
	return nil
}
