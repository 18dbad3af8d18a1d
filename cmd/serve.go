package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinoosan/mirrord/internal/aria2"
	"github.com/tinoosan/mirrord/internal/config"
	"github.com/tinoosan/mirrord/internal/dupe"
	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/engine/aria2dl"
	"github.com/tinoosan/mirrord/internal/engine/nzb"
	"github.com/tinoosan/mirrord/internal/engine/qbit"
	"github.com/tinoosan/mirrord/internal/metrics"
	"github.com/tinoosan/mirrord/internal/notify"
	"github.com/tinoosan/mirrord/internal/poller"
	"github.com/tinoosan/mirrord/internal/router"
	"github.com/tinoosan/mirrord/internal/sabnzbd"
	"github.com/tinoosan/mirrord/internal/service"
	"github.com/tinoosan/mirrord/internal/status"
	"github.com/tinoosan/mirrord/internal/task"
)

func serveCommand() *cobra.Command {
	var configPath string
	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and poll loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	command.Flags().StringVar(&configPath, "config", "", "path to a config file (toml, yaml or json)")
	return command
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, logCloser, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	metrics.Register()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	index, closeIndex, err := openIndex(ctx, cfg.Dupe)
	if err != nil {
		return err
	}
	defer closeIndex.Close()

	adapters, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := task.NewRegistry(cfg.Queue.MaxActive)
	hub := status.NewHub(logger, 64)
	pub := status.Multi{
		status.LogPublisher{Log: logger},
		hub,
		service.Recorder{Index: index, Log: logger},
	}

	loops := make([]*poller.Loop, 0, len(adapters))
	for _, a := range adapters {
		loops = append(loops, poller.New(a, reg, cfg.PollConfig(a.Kind()),
			poller.WithLogger(logger),
			poller.WithGuard(dupe.IndexGuard{Index: index}),
			poller.WithPublisher(pub),
		))
	}

	orch := service.New(reg, loops,
		service.WithLogger(logger),
		service.WithPublisher(pub),
		service.WithListenerFactory(service.Webhooks(notify.Options{
			Attempts: cfg.Notify.Attempts,
			Client:   &http.Client{Timeout: cfg.Notify.Timeout},
			Log:      logger,
		})),
	)
	orch.Start(ctx)
	defer orch.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.New(logger, orch, hub, cfg.APIToken),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting mirrord", "addr", server.Addr, "backends", orch.Kinds(), "max_active", cfg.Queue.MaxActive)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("received terminate, graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	return nil
}

func buildAdapters(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]engine.Adapter, error) {
	var out []engine.Adapter
	if cfg.Torrent.Enabled {
		cl, err := qbit.Dial(ctx, qbit.Options{
			Host:          cfg.Torrent.Host,
			Username:      cfg.Torrent.Username,
			Password:      cfg.Torrent.Password,
			Timeout:       cfg.Torrent.Timeout,
			TLSSkipVerify: cfg.Torrent.TLSSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("qbittorrent: %w", err)
		}
		out = append(out, qbit.NewAdapter(cl, qbit.WithLogger(logger)))
	}
	if cfg.NZB.Enabled {
		cl, err := sabnzbd.NewClient(sabnzbd.Options{
			Host:    cfg.NZB.Host,
			APIKey:  cfg.NZB.APIKey,
			Timeout: cfg.NZB.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("sabnzbd: %w", err)
		}
		out = append(out, nzb.NewAdapter(cl, logger))
	}
	if cfg.Direct.Enabled {
		cl, err := aria2.NewClient(aria2.Options{
			RPCURL:  cfg.Direct.RPCURL,
			Secret:  cfg.Direct.Secret,
			Timeout: cfg.Direct.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("aria2: %w", err)
		}
		out = append(out, aria2dl.NewAdapter(cl,
			aria2dl.WithLogger(logger),
			aria2dl.WithNudgeRate(cfg.Direct.NudgeRate),
		))
	}
	return out, nil
}

// openIndex returns the duplicate index and a closer for it.
func openIndex(ctx context.Context, c config.Dupe) (dupe.Index, io.Closer, error) {
	switch c.Driver {
	case "", "memory":
		return dupe.NewMemoryIndex(), closerFunc(func() error { return nil }), nil
	default:
		idx, err := dupe.OpenSQLIndex(ctx, c.Driver, c.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open duplicate index: %w", err)
		}
		return idx, idx, nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
