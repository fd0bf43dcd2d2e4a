// Package api serves restriction state to the presentation layer and
// accepts reconciliation requests from other kbudget processes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Engine *enforcement.Engine
	// Foreground runs the mandatory foreground check.
	Foreground func(ctx context.Context) ([]enforcement.Result, error)
	// ReloadPolicy reloads the decision policy. Nil disables the route.
	ReloadPolicy func() error
	Clock        quartz.Clock
}

// Server is the API HTTP server.
type Server struct {
	deps      Deps
	router    *gin.Engine
	server    *http.Server
	listener  net.Listener
	startTime time.Time
	logger    zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Foreground == nil {
		deps.Foreground = func(ctx context.Context) ([]enforcement.Result, error) {
			return deps.Engine.ReconcileAll(ctx, enforcement.TriggerForeground)
		}
	}

	s := &Server{
		deps:      deps,
		router:    gin.New(),
		startTime: deps.Clock.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger))
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	v1.GET("/resources", s.listResources)
	v1.GET("/resources/:id", s.getResource)
	v1.POST("/resources/:id/reconcile", s.reconcile)
	v1.POST("/foreground", s.foreground)
	if s.deps.ReloadPolicy != nil {
		v1.POST("/policy/reload", s.reloadPolicy)
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.server.Addr); err != nil {
			return err
		}
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": s.deps.Clock.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) listResources(ctx *gin.Context) {
	engine := s.deps.Engine
	statuses, err := enforcement.DescribeAll(ctx.Request.Context(), engine.Store(), engine.Registry(), s.deps.Clock.Now())
	if err != nil {
		s.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"resources": statuses})
}

func (s *Server) getResource(ctx *gin.Context) {
	res, ok := s.lookup(ctx)
	if !ok {
		return
	}
	status, err := enforcement.Describe(ctx.Request.Context(), s.deps.Engine.Store(), res, s.deps.Clock.Now())
	if err != nil {
		s.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, status)
}

func (s *Server) reconcile(ctx *gin.Context) {
	res, ok := s.lookup(ctx)
	if !ok {
		return
	}
	trigger := enforcement.ParseTrigger(ctx.Query("trigger"))
	result, err := s.deps.Engine.Reconcile(ctx.Request.Context(), res.Hash, trigger)
	if err != nil {
		s.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (s *Server) foreground(ctx *gin.Context) {
	results, err := s.deps.Foreground(ctx.Request.Context())
	if err != nil && len(results) == 0 {
		s.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) reloadPolicy(ctx *gin.Context) {
	s.logger.Info().Msg("Policy reload requested")
	if err := s.deps.ReloadPolicy(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to reload policy")
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": "Failed to reload policy: " + err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "Policy reloaded"})
}

func (s *Server) lookup(ctx *gin.Context) (resource.Resource, bool) {
	res, err := s.deps.Engine.Registry().Lookup(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown resource " + ctx.Param("id"),
		})
		return resource.Resource{}, false
	}
	return res, true
}

func (s *Server) storeError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "server_error"
	if storage.IsUnavailable(err) {
		status = http.StatusServiceUnavailable
		code = "store_unavailable"
	}
	s.logger.Warn().Err(err).Str("path", ctx.Request.URL.Path).Msg("Request failed")
	ctx.JSON(status, gin.H{"error": code, "message": err.Error()})
}
