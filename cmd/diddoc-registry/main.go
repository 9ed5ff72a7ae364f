package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/did-method-plc/go-diddoc/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "diddoc-registry",
		Usage: "DID document registry server, optionally mirroring another registry",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Usage:   "database URL: postgres://... for PostgreSQL, sqlite://<path> for SQLite",
				Value:   "sqlite://registry.db",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("REGISTRY_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "upstream-url",
				Usage:   "Upstream registry base URL to mirror (empty disables mirroring)",
				Sources: cli.EnvVars("UPSTREAM_URL"),
			},
			&cli.BoolFlag{
				Name:    "no-mirror",
				Usage:   "Disable mirroring even if --upstream-url is set",
				Sources: cli.EnvVars("NO_MIRROR"),
			},
			&cli.Int64Flag{
				Name:    "cursor-override",
				Usage:   "Starting upstream cursor (sequence number) for mirroring",
				Value:   -1,
				Sources: cli.EnvVars("CURSOR_OVERRIDE"),
			},
			&cli.IntFlag{
				Name:    "num-workers",
				Usage:   "Number of validation worker threads (0 = auto)",
				Value:   0,
				Sources: cli.EnvVars("NUM_WORKERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Parse configuration
	dbURL := cmd.String("db-url")
	bindAddr := cmd.String("bind")
	metricsAddr := cmd.String("metrics-addr")
	upstreamURL := cmd.String("upstream-url")
	noMirror := cmd.Bool("no-mirror")
	cursorOverride := cmd.Int64("cursor-override")
	numWorkers := cmd.Int("num-workers")
	logLevel := cmd.String("log-level")
	logJSON := cmd.Bool("log-json")

	// Initialize logger
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	otelShutdown, err := setupOTel(ctx)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	store, err := registry.NewGormDocumentStore(dbURL, logger)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	state := registry.NewRegistryState()
	server := registry.NewServer(store, state, bindAddr, logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-gctx.Done()
			srv.Close()
		}()
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if upstreamURL != "" && !noMirror {
		mirror, err := registry.NewMirror(store, state, upstreamURL, cursorOverride, numWorkers, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	} else {
		slog.Info("mirroring disabled")
	}

	err = g.Wait()
	if ctx.Err() != nil {
		// shutdown requested
		return nil
	}
	return err
}
