// Package httpserver serves the local HTTP API of the sync daemon: queue
// status, record inspection, a sync trigger and the Prometheus endpoint.
package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/observability"
	"github.com/tphakala/wow-sync/internal/observation"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultBodyLimit    = "1M"
)

// Observations is the record side of the API
type Observations interface {
	Stats(ctx context.Context) (observation.Stats, error)
	List(ctx context.Context, states ...model.RecordState) ([]*model.Record, error)
	Get(ctx context.Context, id string) (*model.Record, error)
	Retry(ctx context.Context, id string) (*model.Record, error)
}

// Queue is the upload queue runner
type Queue interface {
	Trigger()
	Running() bool
}

// Config configures the listener
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    string
}

// Server is the local HTTP API
type Server struct {
	cfg     Config
	echo    *echo.Echo
	obs     Observations
	queue   Queue
	metrics *observability.Metrics
	engine  string
	log     logger.Logger

	startTime time.Time

	mu      sync.Mutex
	serveCh chan error
}

// Option configures a Server
type Option func(*Server)

// WithMetrics exposes the registry on /metrics and records request metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStoreEngine names the active store engine in the status response
func WithStoreEngine(engine string) Option {
	return func(s *Server) { s.engine = engine }
}

// WithLogger sets the server logger
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates the server and registers its routes
func New(cfg Config, obs Observations, queue Queue, opts ...Option) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = defaultBodyLimit
	}

	s := &Server{
		cfg:       cfg,
		obs:       obs,
		queue:     queue,
		log:       logger.NewDiscardLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Module("httpserver")

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout
	s.echo.Server.IdleTimeout = cfg.IdleTimeout
	s.echo.HTTPErrorHandler = s.errorHandler

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	if s.metrics != nil {
		s.echo.Use(metricsMiddleware(s.metrics.HTTP))
	}
	s.echo.Use(requestLogger(s.log))
	s.echo.Use(echomw.BodyLimit(s.cfg.BodyLimit))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)
	api.GET("/observations", s.listObservations)
	api.GET("/observations/:uuid", s.getObservation)
	api.POST("/observations/:uuid/retry", s.retryObservation)
	api.POST("/sync", s.triggerSync)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins serving in a background goroutine and returns immediately.
// Listener failures are logged and returned by Shutdown.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serveCh != nil {
		return
	}
	s.serveCh = make(chan error, 1)

	s.log.Info("Starting HTTP server", logger.String("address", s.cfg.Listen))
	go func(ch chan<- error) {
		err := s.echo.Start(s.cfg.Listen)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", logger.String("address", s.cfg.Listen), logger.Error(err))
			ch <- err
		}
		close(ch)
	}(s.serveCh)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ch := s.serveCh
	s.serveCh = nil
	s.mu.Unlock()
	if ch == nil {
		return nil
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryServer).
			Context("operation", "shutdown").
			Build()
	}
	if err := <-ch; err != nil {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryServer).
			Context("address", s.cfg.Listen).
			Build()
	}
	s.log.Info("HTTP server stopped")
	return nil
}
