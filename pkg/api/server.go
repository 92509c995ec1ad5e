package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/metrics"
	"github.com/nodeforge/cnagent/pkg/supervisor"
	"github.com/nodeforge/cnagent/pkg/task"
	"github.com/rs/zerolog"
)

// Config configures a Server.
type Config struct {
	Addr       string
	Supervisor *supervisor.Supervisor
	History    *task.History
	// JWTSecret enables bearer-token auth when non-empty; left empty the
	// adapter serves unauthenticated.
	JWTSecret string
}

// Server is the HTTP Adapter.
type Server struct {
	echo   *echo.Echo
	sup    *supervisor.Supervisor
	hist   *task.History
	logger zerolog.Logger
	addr   string
}

// New builds a Server with its route table and middleware installed.
func New(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		sup:    cfg.Supervisor,
		hist:   cfg.History,
		logger: log.WithComponent("api"),
		addr:   cfg.Addr,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	auth := jwtAuth(cfg.JWTSecret)
	tasks := e.Group("", auth)
	tasks.POST("/tasks", s.handleAdmit)
	tasks.POST("/pause", s.handlePause)
	tasks.POST("/resume", s.handleResume)
	tasks.GET("/history", s.handleSnapshot)
	tasks.GET("/tasks", s.handleSnapshot)
	tasks.GET("/tasks/:id", s.handleGetTask)

	return s
}

// requestLogger logs one line per request with method, path, status,
// duration and remote address.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			dur := time.Since(start)
			metrics.ObserveRequest(c.Path(), statusLabel(status), dur)
			s.logger.Info().
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", dur).
				Str("remote_addr", c.RealIP()).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Msg("request")
			return err
		}
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Start blocks serving HTTP on cfg.Addr.
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Shutdown gracefully stops HTTP admission.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
