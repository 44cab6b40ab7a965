// Package httpapi is the thin routing layer over the Storage Layout,
// History Store, Vector Index, Progress Bus, Job Registry, and
// Scheduler: it decodes requests, calls the component contracts, and
// encodes responses. No business logic lives here.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"recordroute/internal/engine"
	"recordroute/internal/history"
	"recordroute/internal/progressbus"
	"recordroute/internal/registry"
	"recordroute/internal/scheduler"
	"recordroute/internal/storagelayout"
	"recordroute/internal/vectorindex"

	"github.com/gin-gonic/gin"
)

// Deps bundles every component the HTTP surface dispatches to.
type Deps struct {
	Layout         *storagelayout.Layout
	History        *history.Store
	VectorIndex    *vectorindex.Index
	ProgressBus    *progressbus.Bus
	Registry       *registry.Registry
	Scheduler      *scheduler.Scheduler
	Embedding      engine.Embedding
	MaxUploadBytes int64
	FFProbePath    string
	ShutdownNotify chan struct{} // receives a signal from HandleShutdown to trigger graceful stop

	Models                []string
	DefaultSummarizeModel string
	DefaultEmbeddingModel string
}

// Server wraps the HTTP server, mirroring the teacher's
// internal/server.Server shape (router + http.Server + graceful
// shutdown) generalized from a single-queue dependency to the full
// component set above.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	deps       *Deps
}

// NewServer builds the gin.Engine with every route registered and wraps
// it in an http.Server bound to addr (":8080"-style).
func NewServer(addr string, deps *Deps) *Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(slogLogger())

	SetupRoutes(router, deps)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  0, // /process can legitimately run for minutes; no fixed request deadline
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{httpServer: httpServer, router: router, deps: deps}
}

// Router exposes the underlying gin.Engine, primarily for tests that
// want to drive it with httptest without binding a real port.
func (s *Server) Router() *gin.Engine { return s.router }

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("starting http server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// slogLogger replaces gin.Logger() with an access log piped through
// log/slog, matching the ambient stack's structured-logging requirement
// while keeping the same Use(...) placement the teacher's
// internal/server.Server uses for gin.Logger()/gin.Recovery().
func slogLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", c.ClientIP(),
		)
	}
}
