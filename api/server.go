// Package api exposes the signing service over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/docsuite/esign/audit"
	"github.com/docsuite/esign/session"
	"github.com/docsuite/esign/signing"
)

// Config holds the server configuration.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
	ClientRedirect string
	SessionTTL     time.Duration
}

// DefaultConfig returns sensible defaults for the server.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   2 * time.Minute,
		MaxUploadBytes: 32 << 20,
		ClientRedirect: "/",
		SessionTTL:     session.DefaultTTL,
	}
}

// Server is the esign HTTP API server.
type Server struct {
	config    Config
	orch      *signing.Orchestrator
	jobs      *signing.Jobs
	sessions  session.Store
	publisher audit.Publisher
	logger    *slog.Logger
	http      *http.Server
}

// NewServer creates a new API server.
func NewServer(
	cfg Config,
	orch *signing.Orchestrator,
	jobs *signing.Jobs,
	sessions session.Store,
	publisher audit.Publisher,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = audit.NewNoopPublisher()
	}

	s := &Server{
		config:    cfg,
		orch:      orch,
		jobs:      jobs,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sign", s.handleSign)
	mux.HandleFunc("GET /api/v1/sign/requests/{id}", s.handleRequestStatus)
	mux.HandleFunc("GET /api/v1/sign/requests/{id}/document", s.handleRequestDocument)
	mux.HandleFunc("DELETE /api/v1/sign/requests/{id}", s.handleRequestCancel)
	mux.HandleFunc("GET /api/v1/methods", s.handleMethods)
	mux.HandleFunc("GET /api/v1/oauth/{method}/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /api/v1/oauth/{method}/callback", s.handleCallback)
	mux.HandleFunc("GET /api/v1/card", s.handleCard)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting esign server", "addr", s.config.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Handler returns the http.Handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Shutdown gracefully stops the server and the background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down esign server")
	err := s.http.Shutdown(ctx)
	s.jobs.Close()
	if cerr := s.publisher.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing audit publisher: %w", cerr)
	}
	return err
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(w, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"requestId", reqID,
			"duration", time.Since(start),
		)
	})
}
