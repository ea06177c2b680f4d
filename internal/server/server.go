// =============================================================================
// SERVER - HTTP API FOR DRAWINGS-TO-MESH GENERATION
// =============================================================================
// Thin gin front on the builder pipeline. One Builder per server, built at
// startup; handlers never construct backends or compilers themselves.
//
// Surface:
//   - POST /generate-3d-model  run the pipeline on side-view images
//   - GET  /healthz            liveness plus the active provider/model
//   - GET  /v1/usage           aggregated token accounting
//   - GET  /v1/history         recorded generations, newest first
//   - GET  /v1/history/:id     one recorded generation
//
// Generation replies wait on the model call and the compiler, minutes not
// seconds, so the underlying http.Server carries no write deadline.
// =============================================================================

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meshnerd/internal/builder"
	"meshnerd/internal/logging"
)

// Config controls the HTTP listener.
type Config struct {
	// Listen is the address passed to net.Listen, e.g. ":8080".
	Listen string

	// MaxUploadBytes caps the request body, JSON and multipart alike.
	MaxUploadBytes int64
}

// DefaultConfig returns the stock server settings.
func DefaultConfig() Config {
	return Config{
		Listen:         ":8080",
		MaxUploadBytes: 32 * 1024 * 1024,
	}
}

// Server wires the gin engine to a builder.
type Server struct {
	engine     *gin.Engine
	builder    *builder.Builder
	config     Config
	httpServer *http.Server
}

// NewServer creates the API server around an already-constructed builder.
func NewServer(b *builder.Builder, cfg Config) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("server requires a builder")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 * 1024 * 1024
	}

	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(bodyLimitMiddleware(cfg.MaxUploadBytes))

	s := &Server{
		engine:  engine,
		builder: b,
		config:  cfg,
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.POST("/generate-3d-model", s.handleGenerate)

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/usage", s.handleUsage)
		v1.GET("/history", s.handleHistory)
		v1.GET("/history/:id", s.handleHistoryShow)
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Server("HTTP API listening on %s", s.config.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the listener, waits for in-flight requests, then closes
// the builder. The HTTP server drains first so no handler touches a
// closed history store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errList []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errList = append(errList, fmt.Errorf("http server: %w", err))
		}
	}
	if err := s.builder.Close(); err != nil {
		errList = append(errList, fmt.Errorf("builder: %w", err))
	}
	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}
	logging.Server("Graceful shutdown completed")
	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

const requestIDKey = "request_id"

// requestIDMiddleware assigns each request a correlation ID (honoring an
// inbound X-Request-ID), logs completion, and emits audit events.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		logging.Audit().RequestEvent(logging.AuditRequestStart, c.Request.Method, c.Request.URL.Path, 0, 0)

		c.Next()

		durationMs := time.Since(start).Milliseconds()
		status := c.Writer.Status()
		reqLog := logging.WithRequestID(logging.CategoryServer, requestID)
		if status >= 500 {
			reqLog.Error("%s %s -> %d (%dms)", c.Request.Method, c.Request.URL.Path, status, durationMs)
		} else {
			reqLog.Info("%s %s -> %d (%dms)", c.Request.Method, c.Request.URL.Path, status, durationMs)
		}
		logging.Audit().RequestEvent(logging.AuditRequestEnd, c.Request.Method, c.Request.URL.Path, status, durationMs)
	}
}

// bodyLimitMiddleware caps request body size. Oversized reads surface as
// *http.MaxBytesError from the handler's bind call.
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength == 0 && c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// requestID retrieves the correlation ID the middleware stored.
func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
