// Package server exposes the worker's HTTP surface: job submission, cookie
// cache updates, health endpoints, and local media serving.
package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"clipforge.systems/ingest/internal/config"
	"clipforge.systems/ingest/internal/cookies"
	"clipforge.systems/ingest/internal/ingest"
)

// workerSecretHeader authenticates job submitters to the worker.
const workerSecretHeader = "x-worker-secret"

type Server struct {
	*echo.Echo

	cfg   *config.Config
	orch  *ingest.Orchestrator
	cache *cookies.Cache

	// jobCtx is the lifetime of dispatched jobs; canceling it on shutdown
	// aborts everything in flight.
	jobCtx context.Context

	// mediaDir is served under /media when the local upload backend is
	// active; empty otherwise.
	mediaDir string

	startedAt time.Time
}

func NewServer(jobCtx context.Context, cfg *config.Config, orch *ingest.Orchestrator, cache *cookies.Cache, mediaDir string) *Server {
	s := &Server{
		Echo:      echo.New(),
		cfg:       cfg,
		orch:      orch,
		cache:     cache,
		jobCtx:    jobCtx,
		mediaDir:  mediaDir,
		startedAt: time.Now(),
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	// Inline cookie payloads can run large.
	s.Use(middleware.BodyLimit("5M"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			switch c.Path() {
			case "/healthz", "/livez", "/readyz":
				return true
			default:
				return false
			}
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.Info("request", fields...)
			return nil
		},
	}))
}

func (s *Server) registerRoutes() {
	jobs := s.Group("")
	jobs.Use(s.requireWorkerSecret)
	jobs.Use(s.rateLimiter())

	jobs.POST("/ingest", s.handleIngest)
	jobs.POST("/ingest/:id/cancel", s.handleCancel)
	jobs.POST("/trim", s.handleTrim)
	jobs.POST("/cookies/update", s.handleCookiesUpdate)

	s.GET("/healthz", s.handleHealthz)
	s.GET("/livez", func(c echo.Context) error {
		return c.String(200, "ok")
	})
	s.GET("/readyz", func(c echo.Context) error {
		return c.String(200, "ok")
	})

	if s.mediaDir != "" {
		s.Static("/media", s.mediaDir)
	}
}

// requireWorkerSecret rejects job submissions without the shared secret.
func (s *Server) requireWorkerSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.WorkerSecret == "" {
			return c.JSON(503, map[string]string{"error": "INGEST_WORKER_SECRET not configured"})
		}
		provided := strings.TrimSpace(c.Request().Header.Get(workerSecretHeader))
		if provided != s.cfg.WorkerSecret {
			return c.JSON(401, map[string]string{"error": "Unauthorized"})
		}
		return next(c)
	}
}

// rateLimiter caps job submissions per client IP per minute.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	limit := s.cfg.RateCap
	if limit <= 0 {
		limit = 30
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(limit) / 60.0),
			Burst:     limit,
			ExpiresIn: 3 * time.Minute,
		}),
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(429, map[string]string{"error": "Rate limit exceeded"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(429, map[string]string{"error": "Rate limit exceeded"})
		},
	})
}
