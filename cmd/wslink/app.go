package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wslink/internal/config"
	"github.com/rickgao/wslink/internal/connection"
	"github.com/rickgao/wslink/internal/metrics"
	"github.com/rickgao/wslink/internal/version"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "wslink",
		Usage:   "Keep a WebSocket connection alive and stream JSON envelopes",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				EnvVars: []string{"WSLINK_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "WebSocket URL (overrides config)",
				EnvVars: []string{"WSLINK_URL"},
			},
			&cli.DurationFlag{
				Name:  "reconnect-interval",
				Usage: "delay between reconnect attempts (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "serve Prometheus metrics (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "no-stdin",
				Usage: "do not read envelopes to send from stdin",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "debug logging",
			},
		},
		Action: run,
	}
}

// loadConfig builds the effective config from the optional file and flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("url") {
		cfg.URL = c.String("url")
	}
	if c.IsSet("reconnect-interval") {
		cfg.ReconnectInterval = c.Duration("reconnect-interval")
	}
	if c.IsSet("metrics") {
		cfg.Metrics.Enabled = c.Bool("metrics")
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting wslink",
		"version", version.Version,
		"commit", version.Commit,
		"url", cfg.URL,
	)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var opts []connection.Option
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, connection.WithMetrics(metrics.New(registry)))
	}

	dialer := connection.NewWebSocketDialer(cfg.TransportConfig(), logger)
	mgr := connection.NewManager(cfg.ManagerConfig(), dialer, logger, opts...)

	out := json.NewEncoder(os.Stdout)
	unsubscribeMessage := mgr.Subscribe(func(msg connection.Message) {
		if err := out.Encode(msg); err != nil {
			logger.Warn("failed to print message", "error", err)
		}
	})
	unsubscribeStatus := mgr.OnStatusChange(func(status connection.Status) {
		logger.Info("status changed", "status", status)
	})

	mgr.Connect()

	g, gctx := errgroup.WithContext(ctx)

	if registry != nil {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics, registry, logger)
		})
	}

	if !c.Bool("no-stdin") {
		// Not part of the group: a blocked stdin read cannot be interrupted
		go pumpInput(gctx, os.Stdin, mgr, logger)
	}

	<-gctx.Done()

	logger.Info("shutting down...")
	unsubscribeMessage()
	unsubscribeStatus()
	mgr.Disconnect()

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// serveMetrics serves the Prometheus handler until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// sender is the part of the manager pumpInput needs.
type sender interface {
	Send(connection.Message)
}

// pumpInput sends one envelope per input line until EOF or ctx is done.
func pumpInput(ctx context.Context, r io.Reader, s sender, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		msg, ok, err := parseLine(line)
		if err != nil {
			logger.Warn("invalid input line", "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.Send(msg.WithTimestamp(time.Now()))
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", "error", err)
	}
}
