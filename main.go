// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// EnergyMe Core is a multi-channel residential energy-monitor firmware
// core built around the Analog Devices ADE7953 energy-metering IC and a
// 16:1 analog multiplexer.
//
// # Application Architecture
//
// The process uses a concurrent, goroutine-based architecture:
//   - Main goroutine: coordinates startup, shutdown, and flag handling
//   - HTTP server goroutine: serves Prometheus metrics and health checks
//   - Metering engine: three long-lived tasks (MeterReader, EnergyCheckpoint,
//     HourlyCsv), started by engine.Begin
//
// # Startup Flow
//
//  1. Parse command-line flags (config path, metrics port, health-check mode)
//  2. Load and validate configuration from YAML + environment variables
//  3. Initialize logger with configured log level
//  4. Construct the KV store, filesystem adapter, and persistence manager
//  5. Open the real SPI/GPIO hardware adapters (hardware.Open)
//  6. Construct and begin the metering engine
//  7. Start the HTTP server for Prometheus metrics and rate-limited health checks
//  8. Block on shutdown signals
//
// # Graceful Shutdown
//
// SIGTERM/SIGINT trigger, in order: HTTP server shutdown (bounded timeout),
// engine.Stop() (which itself force-checkpoints every channel's energy and,
// when the shutdown falls within the hour tolerance, flushes the current
// hour's CSV rows before returning), then process exit.
//
// # HTTP Endpoints
//
// Bound to localhost only:
//
//	GET /metrics - Prometheus metrics
//	GET /health  - always 200 OK if the process is running, rate limited
//	GET /ready   - 200 READY once the engine has completed Begin, rate limited
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/topogigio/energyme-home-core/config"
	"github.com/topogigio/energyme-home-core/engine"
	"github.com/topogigio/energyme-home-core/hardware"
	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/logger"
	"github.com/topogigio/energyme-home-core/pkg/metrics"
	"github.com/topogigio/energyme-home-core/persistence"
	"github.com/topogigio/energyme-home-core/storage"
)

const (
	signalChannelSize = 1
	shutdownTimeout   = 5 * time.Second
)

// processRestarter implements ifaces.Restarter by logging the reason and
// exiting the process with a non-zero status; the core never restarts
// itself, it only requests one, and relies on a process supervisor
// (systemd, a container runtime) to actually bring it back up.
type processRestarter struct{}

func (processRestarter) Request(reason ifaces.RestartReason) {
	logger.Warn().Str("reason", string(reason)).Msg("restart requested, exiting for supervisor restart")
	os.Exit(1)
}

// systemClock implements ifaces.WallClock over the real system clock.
type systemClock struct{}

func (systemClock) UnixMilli() int64       { return time.Now().UnixMilli() }
func (systemClock) MonotonicMicros() int64 { return time.Now().UnixMicro() }
func (systemClock) Synchronized() bool     { return true }

// rateLimitMiddleware wraps an HTTP handler with rate limiting, returning
// HTTP 429 when the limit is exceeded.
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).
				Msg("rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func buildServer(metricsPort string, ready *atomic.Bool) *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, ready)
	}))

	return &http.Server{
		Addr:    "localhost:" + metricsPort,
		Handler: mux,
	}
}

func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		logger.Error().Err(err).Msg("failed to write health check response")
	}
}

func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, ready *atomic.Bool) {
	if !ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("NOT READY")); err != nil {
			logger.Error().Err(err).Msg("failed to write readiness check response")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("READY")); err != nil {
		logger.Error().Err(err).Msg("failed to write readiness check response")
	}
}

func pinConfig(cfg *config.EngineConfig) hardware.PinConfig {
	return hardware.PinConfig{
		SPIPort:  cfg.SPI.BusPath,
		ResetPin: cfg.Pins.Reset,
		IrqPin:   cfg.Pins.Interrupt,
		MuxS0Pin: cfg.Pins.MuxS0,
		MuxS1Pin: cfg.Pins.MuxS1,
		MuxS2Pin: cfg.Pins.MuxS2,
		MuxS3Pin: cfg.Pins.MuxS3,
		FaultPin: cfg.Pins.FaultLed,
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.String("metrics-port", "9090", "Port for Prometheus metrics endpoint")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck())
	}
	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)
	logger.Info().Msg("starting energyme-home-core")

	kv, err := storage.NewJvKvStore(cfg.Persistence.CsvDirectory)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize kv store")
	}
	fs := storage.NewOsFilesystem()

	persist := persistence.New(persistence.Config{
		CsvDirectory:       cfg.Persistence.CsvDirectory,
		CheckpointInterval: cfg.Persistence.CheckpointInterval,
		CheckpointDeltaWh:  cfg.Persistence.CheckpointDeltaWh,
		CsvSaveThresholdWh: cfg.Persistence.CsvSaveThresholdWh,
		HourTolerance:      cfg.Persistence.HourTolerance,
	}, kv, fs, systemClock{}, logger.Adapter{})

	bundle, err := hardware.Open(pinConfig(cfg), hardware.SPIBusConfig{MaxHz: int64(cfg.SPI.SpeedHz)})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open hardware adapters")
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close hardware bundle")
		}
	}()

	eng := engine.New(engine.Deps{
		Bus:       bundle.SPI,
		Mux:       bundle.Mux,
		Kv:        kv,
		Fs:        fs,
		Clock:     systemClock{},
		Log:       logger.Adapter{},
		Restarter: processRestarter{},
		Led:       bundle.Led,
		Stats:     metrics.NewSink(),
		Persist:   persist,
	}, cfg.Metering.DefaultSampleTimeMs, cfg.Metering.NominalGridFreqHz,
		cfg.Metering.SoftFailureBudget, cfg.Metering.CriticalFailureBudget,
		cfg.Metering.SoftFailureWindow, cfg.Metering.CriticalFailureWindow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Begin(ctx); err != nil {
		logger.Fatal().Err(err).Msg("engine initialization failed")
	}

	var ready atomic.Bool
	ready.Store(true)

	server := buildServer(*metricsPort, &ready)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", server.Addr).Msg("starting metrics and health check server (localhost only)")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ready.Store(false)
	performGracefulShutdown(server, eng, cancel)
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

// performGracefulShutdown stops the HTTP server, then stops the engine
// (which force-checkpoints every channel and, within the hour tolerance,
// flushes the current hour's CSV rows before returning), then cancels the
// root context.
func performGracefulShutdown(server *http.Server, eng *engine.Engine, cancel context.CancelFunc) {
	logger.Info().Msg("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	} else {
		logger.Info().Msg("http server stopped")
	}

	eng.Stop()
	cancel()
}

// performHealthCheck performs a liveness health check and returns an exit code.
func performHealthCheck() int {
	return 0
}

// performConfigValidation validates the configuration file and returns an
// exit code: 0 if valid, 1 if invalid.
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("validating configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("configuration validation failed")
		fmt.Fprintf(os.Stderr, "\nConfiguration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	logger.Info().Msg("configuration validation successful")
	fmt.Println("\nConfiguration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  SPI bus: %s @ %d Hz\n", cfg.SPI.BusPath, cfg.SPI.SpeedHz)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Default Sample Time: %d ms\n", cfg.Metering.DefaultSampleTimeMs)
	fmt.Printf("  Nominal Grid Frequency: %s Hz\n", strconv.FormatFloat(cfg.Metering.NominalGridFreqHz, 'f', -1, 64))
	fmt.Printf("  CSV Directory: %s\n", cfg.Persistence.CsvDirectory)
	fmt.Printf("  Checkpoint Interval: %s\n", cfg.Persistence.CheckpointInterval)

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
