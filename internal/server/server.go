// Package server exposes the filtering engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/filtering"
	"github.com/spigell/hh-sieve/internal/posting"
)

// Runner executes filtering requests.
type Runner interface {
	Run(ctx context.Context, req filtering.Request) (*filtering.Result, error)
}

// Records is the read side of the record store.
type Records interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, postingID string) (posting.Record, error)
}

// PolicyLister lists policies.
type PolicyLister interface {
	List(ctx context.Context) ([]posting.Policy, error)
}

// SourceLister lists source ids.
type SourceLister interface {
	IDs() []string
}

// Config holds the HTTP settings.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

type Deps struct {
	Runner      Runner
	Records     Records
	Policies    PolicyLister
	Sources     SourceLister
	Metrics     http.Handler
	Middleware  []gin.HandlerFunc
	PingTimeout time.Duration
	Logger      *zap.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	router *gin.Engine
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.PingTimeout <= 0 {
		deps.PingTimeout = filtering.DefaultPingTimeout
	}

	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger.With(zap.String("system", "http"))}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.deps.Middleware...)

	r.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1")
	v1.POST("/filter", s.filter)
	v1.GET("/policies", s.policies)
	v1.GET("/sources", s.sources)
	v1.GET("/records/:id", s.record)

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

func (s *Server) filter(c *gin.Context) {
	var req filtering.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error(), Reason: filtering.Reason(filtering.ErrInvalidRequest)})
		return
	}

	if s.deps.Runner == nil {
		s.fail(c, filtering.ErrConfig)
		return
	}

	res, err := s.deps.Runner.Run(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Records == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.PingTimeout)
	defer cancel()

	if err := s.deps.Records.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Reason: filtering.Reason(filtering.ErrUnavailable)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) policies(c *gin.Context) {
	if s.deps.Policies == nil {
		s.fail(c, filtering.ErrConfig)
		return
	}

	policies, err := s.deps.Policies.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (s *Server) sources(c *gin.Context) {
	ids := []string{}
	if s.deps.Sources != nil {
		ids = append(ids, s.deps.Sources.IDs()...)
	}
	c.JSON(http.StatusOK, gin.H{"sources": ids})
}

func (s *Server) record(c *gin.Context) {
	if s.deps.Records == nil {
		s.fail(c, filtering.ErrConfig)
		return
	}

	rec, err := s.deps.Records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := filtering.StatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, errorResponse{Error: err.Error(), Reason: filtering.Reason(err)})
}
