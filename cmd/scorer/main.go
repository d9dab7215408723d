package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"setup-scorer/internal/audit"
	"setup-scorer/internal/cfg"
	"setup-scorer/internal/metrics"
	"setup-scorer/internal/ml"
	"setup-scorer/internal/server"
	"setup-scorer/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	registry, err := ml.LoadRegistry(c.ModelsDir, c.Strategies, ml.DefaultFormats(c.PythonPath)...)
	if err != nil {
		log.Fatal().Err(err).Str("models_dir", c.ModelsDir).Msg("model registry load failed")
	}
	now := time.Now()
	for _, a := range registry.Artifacts() {
		mw.SetModelLoaded(a.Strategy, a.Status == ml.StatusLoaded, a.ModifiedAt, now)
	}

	dispatcher := ml.NewDispatcher(registry, mw)
	recorder := audit.NewRecorder(mw, initializeSinks(c)...)

	srv := server.New(server.Config{
		Host:            c.Host,
		Port:            c.Port,
		SecretKey:       c.SecretKey,
		RequestTimeout:  c.RequestTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, dispatcher,
		server.WithMetrics(mw),
		server.WithRecorder(recorder),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().
		Str("addr", srv.Addr()).
		Strs("strategies", c.Strategies).
		Int("models_loaded", registry.LoadedCount()).
		Bool("auth", c.AuthEnabled()).
		Msg("AI server started")

	waitForShutdown(errCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown http server")
	}
	if err := recorder.Close(ctx); err != nil {
		log.Error().Err(err).Msg("failed to close audit sinks")
	}
	if err := registry.Close(); err != nil {
		log.Error().Err(err).Msg("failed to release models")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging(c cfg.Settings) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// initializeSinks opens the audit store when DATA_PATH is set and the Kafka
// writer when brokers are configured. A sink that cannot be opened is skipped.
func initializeSinks(c cfg.Settings) []audit.Sink {
	var sinks []audit.Sink

	if c.DataPath != "" {
		if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
			log.Warn().Err(err).Str("data_path", c.DataPath).Msg("cannot create data path, continuing without audit store")
		} else if store, err := storage.New(c.DataPath); err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without audit store")
		} else {
			log.Info().Str("path", store.Path()).Msg("audit store opened")
			sinks = append(sinks, store)
		}
	}

	if len(c.KafkaBrokers) > 0 {
		sink, err := audit.NewKafkaSink(c.KafkaBrokers, c.KafkaTopic)
		if err != nil {
			log.Warn().Err(err).Msg("kafka sink initialization failed, continuing without it")
		} else {
			log.Info().Strs("brokers", c.KafkaBrokers).Str("topic", c.KafkaTopic).Msg("kafka audit sink enabled")
			sinks = append(sinks, sink)
		}
	}

	return sinks
}

func waitForShutdown(errCh <-chan error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}
	log.Info().Msg("shutting down gracefully...")
}
