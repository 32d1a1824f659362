// Package http provides the HTTP API for regressd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/coverage"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
)

// Server provides HTTP endpoints for regressd.
type Server struct {
	echo     *echo.Echo
	registry pipeline.Registry
	machine  *pipeline.Machine
	runner   *pipeline.Runner
	recorder *audit.Recorder
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(registry pipeline.Registry, machine *pipeline.Machine, runner *pipeline.Runner, recorder *audit.Recorder, logger *zap.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if machine == nil {
		return nil, fmt.Errorf("machine cannot be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8380}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: registry,
		machine:  machine,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/execute", s.handleExecute)
	v1.POST("/runs/:id/abandon", s.handleAbandon)
	v1.GET("/runs/:id/audit", s.handleAudit)
	v1.GET("/approvals/:id", s.handleGetApproval)
	v1.POST("/approvals/:id", s.handleDecideApproval)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps domain errors onto status codes. Sequencing conflicts and
// already-resolved gates are 409; unknown runs and gates are 404; rejected
// engine input is 422.
func httpError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound), errors.Is(err, pipeline.ErrGateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrSequenceViolation),
		errors.Is(err, pipeline.ErrGateResolved),
		errors.Is(err, pipeline.ErrRunNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, coverage.ErrInvalidCoverageInput):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
