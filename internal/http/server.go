// Package http serves trainloop's operational endpoints: liveness,
// readiness, Prometheus metrics and a task status summary.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/trainloop/internal/lifecycle"
	"github.com/fyrsmithlabs/trainloop/internal/logging"
)

const readyTimeout = 2 * time.Second

// Checker is a dependency probed by /ready.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// StatsProvider supplies task counts for /api/v1/status.
type StatsProvider interface {
	Stats(ctx context.Context) (*lifecycle.Stats, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Dependencies wires the server. Only Logger is required.
type Dependencies struct {
	Logger  *logging.Logger
	Checks  map[string]Checker
	Stats   StatsProvider
	Meter   metric.Meter
	Version string
}

// Server is the ops HTTP server.
type Server struct {
	echo    *echo.Echo
	logger  *logging.Logger
	config  *Config
	checks  map[string]Checker
	stats   StatsProvider
	version string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds the server and registers its routes.
func NewServer(deps Dependencies, cfg *Config) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		logger:  deps.Logger.Named("http"),
		config:  cfg,
		checks:  deps.Checks,
		stats:   deps.Stats,
		version: deps.Version,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext())
	e.Use(NewHTTPMetrics(deps.Meter, s.logger).MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
}

// requestContext tags the request context with its id and logs the
// request when it completes.
func (s *Server) requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(req.Context(), id)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				// Let echo write the response so the status is known.
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			}
			if c.Path() == "/health" || c.Path() == "/metrics" {
				s.logger.Debug(ctx, "http request", fields...)
			} else {
				s.logger.Info(ctx, "http request", fields...)
			}
			return nil
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady pings every dependency and reports 503 if any fails.
func (s *Server) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readyTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	code := http.StatusOK
	for _, name := range s.checkNames() {
		if err := s.checks[name].Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			s.logger.Warn(ctx, "readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.version,
		Services: make(map[string]string, len(s.checks)),
	}
	for _, name := range s.checkNames() {
		if err := s.checks[name].Ping(ctx); err != nil {
			resp.Services[name] = "error"
			resp.Status = "degraded"
		} else {
			resp.Services[name] = "ok"
		}
	}
	if s.stats != nil {
		st, err := s.stats.Stats(ctx)
		if err != nil {
			s.logger.Warn(ctx, "failed to count tasks", zap.Error(err))
			resp.Status = "degraded"
		} else {
			resp.Tasks = st
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) checkNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and serves until Shutdown. It
// returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.echo.Listener = ln
	s.mu.Unlock()

	s.logger.Info(context.Background(), "starting http server", zap.String("addr", ln.Addr().String()))
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
