package qbit

import (
	"context"
	"fmt"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinoosan/mirrord/internal/metrics"
)

const backendLabel = "qbittorrent"

// Client is the subset of the qBittorrent Web API the adapter drives.
type Client interface {
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	AddTorrentFromMemoryCtx(ctx context.Context, buf []byte, options map[string]string) error
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
	DeleteTagsCtx(ctx context.Context, tags []string) error
	ReAnnounceTorrentsCtx(ctx context.Context, hashes []string) error
	RecheckCtx(ctx context.Context, hashes []string) error
	PauseCtx(ctx context.Context, hashes []string) error
	ResumeCtx(ctx context.Context, hashes []string) error
	GetWebAPIVersionCtx(ctx context.Context) (string, error)
}

var _ Client = (*qbt.Client)(nil)

// Options describes how to reach a qBittorrent instance.
type Options struct {
	Host          string
	Username      string
	Password      string
	Timeout       time.Duration
	TLSSkipVerify bool
}

// Dial creates a Web API client and logs in.
func Dial(ctx context.Context, o Options) (*qbt.Client, error) {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	cl := qbt.NewClient(qbt.Config{
		Host:          o.Host,
		Username:      o.Username,
		Password:      o.Password,
		Timeout:       int(o.Timeout.Seconds()),
		TLSSkipVerify: o.TLSSkipVerify,
	})
	if err := cl.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("qbittorrent login %s: %w", o.Host, err)
	}
	return cl, nil
}

// observe records latency and failures of one Web API call.
func observe(method string, fn func() error) error {
	timer := prometheus.NewTimer(metrics.BackendRPCLatency.WithLabelValues(backendLabel, method))
	defer timer.ObserveDuration()
	if err := fn(); err != nil {
		metrics.BackendRPCErrors.WithLabelValues(backendLabel, method).Inc()
		return err
	}
	return nil
}
