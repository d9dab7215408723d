// Package server exposes the prediction dispatcher over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"setup-scorer/internal/audit"
	"setup-scorer/internal/ml"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics is the subset of the metrics wrapper the boundary reports to.
type Metrics interface {
	MalformedInc(strategy string)
	UnauthorizedInc()
}

// Recorder receives an audit event for every served prediction.
type Recorder interface {
	Record(ev audit.Event)
}

// Config holds server configuration.
type Config struct {
	Host            string
	Port            int
	SecretKey       string
	RequestTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server wraps the Echo instance serving the scorer API.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	config     Config
	dispatcher *ml.Dispatcher
	metrics    Metrics
	recorder   Recorder
	gatherer   prometheus.Gatherer
}

// Option configures optional collaborators.
type Option func(*Server)

// WithMetrics reports boundary rejections to m.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRecorder sends an audit event per served prediction to r.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithGatherer sets the registry exposed at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New builds the server and registers every route.
func New(cfg Config, dispatcher *ml.Dispatcher, opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.RequestTimeout + 5*time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(Recover())
	e.Use(RequestLogging())

	s.echo = e
	s.RegisterRoutes(e)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.SecretKey == "" {
		log.Warn().Msg("AI_SECRET_KEY not set, prediction routes accept unauthenticated requests")
	}
	return s
}

// RegisterRoutes registers health, model info, metrics and one prediction
// route per deployed strategy.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/", s.handleHealth)
	e.GET("/health", s.handleHealth)
	e.GET("/models", s.handleModels)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	auth := APIKey(s.config.SecretKey, s.onUnauthorized)

	for _, strategy := range s.dispatcher.Registry().Strategies() {
		e.POST("/predict_"+strategy, s.handlePredictFixed(strategy), auth)
	}
	e.POST("/predict/:strategy", s.handlePredict, auth)
	e.GET("/ws/:strategy", s.handleStream, auth)
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe blocks until the server stops. A graceful Shutdown makes it
// return nil.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Info().Msg("HTTP server stopped gracefully")
	return nil
}

func (s *Server) onUnauthorized() {
	if s.metrics != nil {
		s.metrics.UnauthorizedInc()
	}
}

// errorHandler renders echo errors (unknown routes, wrong methods) in the
// same {"detail": ...} shape as the handlers.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	detail := any(http.StatusText(code))

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		detail = he.Message
		if m, ok := he.Message.(string); ok {
			detail = m
		}
	} else {
		log.Error().Err(err).Str("path", c.Path()).Msg("Unhandled handler error")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]any{"detail": detail})
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}
