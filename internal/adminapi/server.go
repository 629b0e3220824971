// Package adminapi is the Admin HTTP API: a side HTTP listener exposing
// liveness, the Performance Counter, and a Room Registry snapshot. It never
// reaches into the connection map directly (spec.md §4.8 AMBIENT).
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/room"
)

// Server is the Echo application backing the admin surface.
type Server struct {
	echo    *echo.Echo
	rooms   *room.Registry
	metrics *metrics.Counter
	conns   func() int
}

// New constructs the Admin HTTP API. connCount reports the live connection
// count for /healthz without adminapi needing to know about conn.Server.
func New(rooms *room.Registry, m *metrics.Counter, connCount func() int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, rooms: rooms, metrics: m, conns: connCount}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/healthz" {
				slog.Debug("admin http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("admin http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// jsonErrorHandler ensures every error response has a {"error": "..."} body.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/rooms", s.handleRooms)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down admin http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("admin http server stopped")
		return nil
	}
}

type healthzResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	conns := 0
	if s.conns != nil {
		conns = s.conns()
	}
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok", Connections: conns})
}

func (s *Server) handleMetrics(c echo.Context) error {
	if s.metrics == nil {
		return c.JSON(http.StatusOK, metrics.Snapshot{})
	}
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.rooms.List()
	if rooms == nil {
		rooms = []protocol.RoomSummary{}
	}
	return c.JSON(http.StatusOK, rooms)
}
