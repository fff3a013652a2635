// godoip daemon -- DoIP entity (ISO 13400-2) hosting simulated ECUs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/dcm"
	doipmetrics "github.com/dantte-lp/godoip/internal/metrics"
	"github.com/dantte-lp/godoip/internal/netio"
	appversion "github.com/dantte-lp/godoip/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// entityServiceName is the grpc.health.v1 service reporting DoIP readiness.
const entityServiceName = "doip.v1.Entity"

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("doipd"))
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// Dynamic level for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, closeLog := newLoggerWithLevel(cfg.Log, logLevel)
	defer closeLog()

	logger.Info("doipd starting",
		slog.String("version", appversion.Version),
		slog.String("health_addr", cfg.Health.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := doipmetrics.NewCollector(reg)

	transport := netio.NewTransport(logger, netio.WithWriteTimeout(cfg.DoIP.WriteTimeout))
	srv := dcm.NewServer(cfg, transport, logger, dcm.WithMetrics(collector))
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("failed to close doip entity", slog.String("error", err.Error()))
		}
	}()

	if err := runServers(cfg, srv, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("doipd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("doipd stopped")
	return 0
}

// runServers starts the DoIP entity and the health and metrics HTTP
// servers under an errgroup with a signal-aware context.
func runServers(
	cfg *config.Config,
	srv *dcm.Server,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start doip entity: %w", err)
	}

	// Reports SERVING for the overall server and the DoIP entity.
	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		entityServiceName,
	)
	healthSrv := newHealthServer(cfg.Health, checker)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, healthSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, srv, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		checker.SetStatus(entityServiceName, grpchealth.StatusNotServing)
		checker.SetStatus(grpchealth.HealthV1ServiceName, grpchealth.StatusNotServing)
		return gracefulShutdown(gCtx, srv, logger, fr, healthSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the health and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	healthSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("health server listening", slog.String("addr", cfg.Health.Addr))
		return listenAndServe(ctx, &lc, healthSrv, cfg.Health.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	srv *dcm.Server,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, srv, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, srv, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd once the entity is listening.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends watchdog keepalives at WatchdogSec/2 while the entity
// is ready. If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, srv *dcm.Server, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !srv.Ready() {
				continue
			}
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload: log level + ECU scripts
// -------------------------------------------------------------------------

// handleSIGHUP reloads configuration on every SIGHUP until ctx is done.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	srv *dcm.Server,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, srv, logger)
		}
	}
}

// reloadConfig updates the log level and the ECU scripted answers from a
// fresh configuration. On error the previous configuration stays in
// effect. Network addresses and the vehicle identity are not reloaded.
func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	srv *dcm.Server,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	if err := srv.ApplyECUs(ctx, newCfg.ECUs); err != nil {
		logger.Error("failed to apply ecu configuration",
			slog.String("error", err.Error()),
		)
	}

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("ecus", len(newCfg.ECUs)),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, closes the DoIP entity, stops the
// flight recorder, then shuts down the HTTP servers.
//
// The parent context is already cancelled when this function is called.
func gracefulShutdown(
	ctx context.Context,
	srv *dcm.Server,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	var shutdownErr error
	if err := srv.Close(); err != nil {
		shutdownErr = fmt.Errorf("close doip entity: %w", err)
	}

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Detach from the cancelled parent to enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder: Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder keeps a rolling execution trace window for
// post-mortem debugging of stalled conversations.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newHealthServer creates an h2c server exposing grpc.health.v1 so plain
// gRPC probes can check the entity without TLS.
func newHealthServer(cfg config.HealthConfig, checker grpchealth.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload. With log.file set the
// output goes to a rotating file. The returned func closes that file.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: level}

	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = lj
		closeFn = func() { _ = lj.Close() }
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closeFn
}
