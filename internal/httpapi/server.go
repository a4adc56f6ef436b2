// Package httpapi exposes the scheduling engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postpilot/internal/scheduling"
	logx "postpilot/pkg/logx"
)

// UserHeader carries the caller's user id. An auth proxy in front of the
// API is expected to set it.
const UserHeader = "X-User-ID"

type Options struct {
	ReadTimeout     time.Duration // default 15s
	WriteTimeout    time.Duration // default 60s
	ShutdownTimeout time.Duration // default 10s
}

type Server struct {
	svc    *scheduling.Service
	log    logx.Logger
	opt    Options
	engine *gin.Engine
}

func New(svc *scheduling.Service, log logx.Logger, opt Options) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = 15 * time.Second
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 60 * time.Second
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{svc: svc, log: log.With(logx.Comp("http")), opt: opt}
	s.engine = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", requireUser)
	v1.POST("/content", s.addContent)
	v1.GET("/content/:id", s.getContent)
	v1.POST("/content/:id/schedule", s.schedule)
	v1.POST("/content/:id/publish", s.publish)
	v1.POST("/content/:id/cancel", s.cancel)

	v1.POST("/rules/check", s.checkRules)
	v1.GET("/rules", s.listRules)
	v1.PUT("/rules", s.putRule)
	v1.DELETE("/rules/:id", s.deleteRule)

	v1.POST("/batch/schedule", s.batchSchedule)
	v1.POST("/batch/publish", s.batchPublish)

	v1.GET("/queue", s.queue)
	v1.GET("/history", s.history)
	v1.GET("/analytics", s.analytics)

	// Operator endpoint; the user header is still required for audit.
	v1.POST("/dispatch/tick", s.tick)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.User(c.GetHeader(UserHeader)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	}
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.opt.ReadTimeout,
		ReadHeaderTimeout: s.opt.ReadTimeout,
		WriteTimeout:      s.opt.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), s.opt.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
