// Package api exposes the job control surface over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailmove/internal/auth"
	"github.com/Martian-dev/mailmove/internal/jobs"
)

// Authenticator resolves the operator behind a request.
type Authenticator interface {
	OperatorFromRequest(r *http.Request) (*auth.Operator, error)
}

// Server is the HTTP control adapter.
type Server struct {
	jobs   *jobs.Service
	auth   Authenticator
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the router. A nil authenticator leaves /api/v1 open.
func New(svc *jobs.Service, authn Authenticator, logger *slog.Logger) *Server {
	s := &Server{jobs: svc, auth: authn, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	if authn != nil {
		v1.Use(s.authMiddleware())
	}

	v1.POST("/accounts", s.createAccount)
	v1.GET("/accounts", s.listAccounts)
	v1.GET("/accounts/:id", s.getAccount)
	v1.GET("/accounts/:id/stats", s.accountStats)
	v1.GET("/accounts/:id/calendars", s.accountCalendars)
	v1.DELETE("/accounts/:id", s.deleteAccount)

	v1.POST("/jobs", s.createJob)
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.DELETE("/jobs/:id", s.deleteJob)
	v1.GET("/jobs/:id/progress", s.progress)
	v1.GET("/jobs/:id/logs", s.logs)
	v1.GET("/jobs/:id/checkpoints", s.checkpoints)
	v1.POST("/jobs/:id/start", s.control(s.jobs.Start))
	v1.POST("/jobs/:id/pause", s.control(s.jobs.Pause))
	v1.POST("/jobs/:id/resume", s.control(s.jobs.Resume))
	v1.POST("/jobs/:id/cancel", s.control(s.jobs.Cancel))
	v1.POST("/jobs/:id/retry", s.control(s.jobs.Retry))
	v1.POST("/jobs/:id/incremental", s.triggerIncremental)
	v1.POST("/jobs/:id/go-live", s.control(s.jobs.TriggerGoLive))
	v1.POST("/jobs/:id/restart/:dataType", s.restartDataType)

	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

const operatorKey = "operator"

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		op, err := s.auth.OperatorFromRequest(c.Request)
		if err != nil {
			s.logger.Debug("rejected token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(operatorKey, op)
		c.Next()
	}
}

// operator returns the authenticated operator id, if any.
func operator(c *gin.Context) string {
	if v, ok := c.Get(operatorKey); ok {
		if op, ok := v.(*auth.Operator); ok {
			return op.ID
		}
	}
	return ""
}
