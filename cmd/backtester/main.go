package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/backtester/internal/config"
	"github.com/efreitasn/backtester/internal/domain"
	"github.com/efreitasn/backtester/internal/handler"
	"github.com/efreitasn/backtester/internal/marketdata"
	"github.com/efreitasn/backtester/internal/metrics"
	"github.com/efreitasn/backtester/internal/service"
	"github.com/efreitasn/backtester/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	runFile := flag.String("run", "", "Run the backtest defined in this YAML file and exit")
	envFile := flag.String("env", "", "Load environment variables from this file (default ./.env if present)")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.LoadWithDotEnv(*envFile)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	// In -run mode stdout carries the result, so logs go to stderr.
	logOut := os.Stdout
	if *runFile != "" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Instantiate stores.
	runStore := store.NewRunStore()
	var sampleStore interface {
		service.SampleStore
		Close() error
	}
	if cfg.SamplesDB != "" {
		sampleStore, err = store.NewSQLiteSampleStore(cfg.SamplesDB)
		if err != nil {
			logger.Error("failed to open samples db", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("recording samples to sqlite", slog.String("path", cfg.SamplesDB))
	} else {
		sampleStore = store.NewMemorySampleStore()
	}

	// Market data.
	var polygon *marketdata.PolygonClient
	if cfg.PolygonAPIKey != "" {
		polygon = marketdata.NewPolygonClient(marketdata.PolygonConfig{
			BaseURL:           cfg.PolygonBaseURL,
			APIKey:            cfg.PolygonAPIKey,
			RequestsPerSecond: cfg.PolygonRateLimit,
			PageLimit:         cfg.PolygonPageLimit,
			MaxPages:          cfg.PolygonMaxPages,
			Logger:            logger,
		})
	}

	// Services.
	notifier := service.NewCallbackNotifier(cfg.CallbackTimeout, logger)
	backtestSvc := service.NewBacktestService(runStore, sampleStore, polygon, notifier, m, logger)

	if *runFile != "" {
		code := runOnce(backtestSvc, *runFile, os.Stdout, logger)
		sampleStore.Close()
		os.Exit(code)
	}

	// Router.
	router := handler.NewRouter(backtestSvc, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	// Start retention goroutine with cancellable context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	retention := service.NewRetentionManager(cfg.RetentionInterval, cfg.RunRetention, runStore, sampleStore, logger)
	retention.Start(ctx)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", slog.String("addr", addr), slog.Bool("polygon", polygon != nil))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, let async runs finish, stop retention.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	backtestSvc.Wait()
	cancel()

	if err := sampleStore.Close(); err != nil {
		logger.Error("samples store close error", slog.String("error", err.Error()))
	}
	logger.Info("server stopped")
}

// runResult is the JSON printed to stdout by -run.
type runResult struct {
	RunID         string  `json:"run_id"`
	Status        string  `json:"status"`
	Error         string  `json:"error,omitempty"`
	Samples       int     `json:"samples"`
	Fills         int     `json:"fills"`
	IgnoredOrders int     `json:"ignored_orders"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
	NetPosition   int64   `json:"net_position"`
}

// runOnce replays a single YAML-defined backtest, writes its result to out
// and returns the process exit code.
func runOnce(svc *service.BacktestService, path string, out io.Writer, logger *slog.Logger) int {
	def, err := config.LoadBacktest(path)
	if err != nil {
		logger.Error("failed to load backtest", slog.String("error", err.Error()))
		return 1
	}
	req, err := def.Request()
	if err != nil {
		logger.Error("invalid backtest", slog.String("error", err.Error()))
		return 1
	}

	svc.EnableFileSources()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := svc.Submit(ctx, req)
	if err != nil {
		logger.Error("backtest rejected", slog.String("error", err.Error()))
		return 1
	}

	res := runResult{
		RunID:  run.RunID,
		Status: string(run.Status),
		Error:  run.Error,
	}
	if s := run.Summary; s != nil {
		res.Samples = s.Samples
		res.Fills = s.Fills
		res.IgnoredOrders = s.IgnoredOrders
		res.RealizedPnL = s.RealizedPnL.InexactFloat64()
		res.UnrealizedPnL = s.UnrealizedPnL.InexactFloat64()
		res.Equity = s.Equity.InexactFloat64()
		res.NetPosition = s.Position.NetQuantity
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("failed to write result", slog.String("run_id", run.RunID), slog.String("error", err.Error()))
		return 1
	}

	if run.Status != domain.RunStatusCompleted {
		return 1
	}
	return 0
}
