// Command hydrated runs the local hydration cache: it keeps feed posts,
// conversations, and their images on disk so the client renders from
// cache first and refreshes in the background.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/feedwork/hydrate/engine"
	"github.com/feedwork/hydrate/hydration"
	"github.com/feedwork/hydrate/telemetry"
)

var version = "dev"

type Globals struct {
	CacheDir        string        `help:"Root directory for the cache database and image blobs." default:"./hydrate-cache" env:"HYDRATE_CACHE_DIR"`
	LogLevel        string        `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"HYDRATE_LOG_LEVEL"`
	LogFormat       string        `help:"Log format." enum:"text,json" default:"text" env:"HYDRATE_LOG_FORMAT"`
	ImageTTL        time.Duration `help:"Maximum age of cached images." default:"168h" env:"HYDRATE_IMAGE_TTL"`
	ConversationTTL time.Duration `help:"Maximum age of cached conversations." default:"24h" env:"HYDRATE_CONVERSATION_TTL"`
	SizeBudget      int64         `help:"Soft cap on image blob bytes." default:"524288000" env:"HYDRATE_SIZE_BUDGET"`
	PageSize        int           `help:"Default page size for post queries." default:"50" env:"HYDRATE_PAGE_SIZE"`
}

func (g Globals) engineConfig() engine.Config {
	return engine.Config{
		ImageTTL:        g.ImageTTL,
		ConversationTTL: g.ConversationTTL,
		SizeBudget:      g.SizeBudget,
		PageSize:        g.PageSize,
	}
}

type cli struct {
	Globals

	Run     RunCmd     `cmd:"" default:"1" help:"Run the hydration service."`
	Cleanup CleanupCmd `cmd:"" help:"Sweep expired images and enforce the size budget, then exit."`
	Clear   ClearCmd   `cmd:"" help:"Delete cached data."`
	Stats   StatsCmd   `cmd:"" help:"Print cache statistics as JSON."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type appContext struct {
	Globals
	Logger *slog.Logger
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("hydrated"),
		kong.Description("Cache-first hydration layer for feed posts, conversations, and images."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger := newLogger(c.Globals)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&appContext{Globals: c.Globals, Logger: logger}))
}

func newLogger(g Globals) *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

// newManager builds a manager over the configured cache directory. The
// caller owns the Close.
func newManager(app *appContext) *hydration.Manager {
	return hydration.New(hydration.Config{
		CacheDir: app.CacheDir,
		Engine:   app.engineConfig(),
	}, hydration.WithLogger(app.Logger))
}

type RunCmd struct {
	MetricsAddr     string        `help:"Address for the Prometheus /metrics endpoint." default:":9464" env:"HYDRATE_METRICS_ADDR"`
	OTLPEndpoint    string        `help:"OTLP gRPC endpoint for metric export (disabled when empty)." env:"HYDRATE_OTLP_ENDPOINT"`
	CleanupInterval time.Duration `help:"How often to sweep expired images." default:"1h" env:"HYDRATE_CLEANUP_INTERVAL"`
}

func (r *RunCmd) Run(app *appContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "hydrated",
		ServiceVersion:   version,
		OTLPEndpoint:     r.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	mgr := newManager(app)
	defer func() { _ = mgr.Close() }()

	// Force initialization so sweeps start now rather than on the first
	// hydration call.
	if eng := mgr.Engine(); eng != nil {
		janitor := engine.NewJanitor(eng, r.CleanupInterval)
		janitor.Start(ctx)
		defer janitor.Stop()
	} else {
		app.Logger.Warn("running without a persistent cache")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{Addr: r.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	app.Logger.Info("hydration service started",
		slog.String("cache_dir", app.CacheDir),
		slog.String("metrics_addr", r.MetricsAddr),
		slog.String("version", version))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}

	app.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("metrics server shutdown", slog.Any("error", err))
	}
	return shutdownMetrics(shutdownCtx)
}

type CleanupCmd struct{}

func (c *CleanupCmd) Run(app *appContext) error {
	ctx := context.Background()

	mgr := newManager(app)
	defer func() { _ = mgr.Close() }()

	eng := mgr.Engine()
	if eng == nil {
		return fmt.Errorf("cache at %s is not usable", app.CacheDir)
	}

	removed := eng.Cleanup(ctx)
	fmt.Printf("removed %d images\n", removed)
	return nil
}

type ClearCmd struct {
	Owner string `help:"Clear only this owner's conversations instead of everything."`
}

func (c *ClearCmd) Run(app *appContext) error {
	ctx := context.Background()

	mgr := newManager(app)
	defer func() { _ = mgr.Close() }()

	eng := mgr.Engine()
	if eng == nil {
		return fmt.Errorf("cache at %s is not usable", app.CacheDir)
	}

	if c.Owner != "" {
		n, err := eng.ClearConversations(ctx, c.Owner)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d conversations for %s\n", n, c.Owner)
		return nil
	}

	if err := eng.ClearAll(ctx); err != nil {
		return err
	}
	fmt.Println("cache cleared")
	return nil
}

type StatsCmd struct{}

func (s *StatsCmd) Run(app *appContext) error {
	ctx := context.Background()

	mgr := newManager(app)
	defer func() { _ = mgr.Close() }()

	eng := mgr.Engine()
	if eng == nil {
		return fmt.Errorf("cache at %s is not usable", app.CacheDir)
	}

	out, err := json.MarshalIndent(eng.Stats(ctx), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
