package http

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/repository"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

type Options struct {
	Checks       map[string]Check
	Runs         repository.SweepRunsRepository // optional
	CheckTimeout time.Duration
	Logger       *zap.Logger
}

// Server exposes health, readiness, metrics and the sweep run history.
type Server struct {
	e    *echo.Echo
	opts Options
}

func NewServer(opts Options) *Server {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	s := &Server{e: e, opts: opts}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", s.readyHandler)
	e.GET("/ops/sweeps", s.sweepRunsHandler)

	return s
}

func (s *Server) readyHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.CheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	res := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.opts.Checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			res[name] = err.Error()
			s.opts.Logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		res[name] = "ok"
	}
	return c.JSON(status, res)
}

func (s *Server) sweepRunsHandler(c echo.Context) error {
	if s.opts.Runs == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "sweep history disabled"})
	}

	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	runs, err := s.opts.Runs.ListRecent(c.Request().Context(), c.QueryParam("sweeper"), limit)
	if err != nil {
		s.opts.Logger.Error("list sweep runs", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.opts.Logger.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
