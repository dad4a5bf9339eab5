// Package server assembles the HTTP surface: health and version probes,
// the crop job API and the upload endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/server/handlers"
	"github.com/3leaps/clipforge/internal/server/middleware"
	"github.com/3leaps/clipforge/pkg/provider"
)

// Timeouts for the underlying http.Server. Zero fields keep the defaults.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

var defaultTimeouts = Timeouts{
	Read:     30 * time.Second,
	Write:    30 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 10 * time.Second,
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuth enables JWT verification on the authenticated routes.
func WithAuth(cfg middleware.AuthConfig) Option {
	return func(s *Server) { s.auth = cfg }
}

// WithJobs mounts the crop job API.
func WithJobs(jobs handlers.JobService) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithUploads mounts the upload endpoints.
func WithUploads(svc handlers.UploadService) Option {
	return func(s *Server) { s.uploads = svc }
}

// WithMedia mounts DELETE /api/delete-video for keys under prefixes. It
// requires WithJobs.
func WithMedia(store provider.Provider, prefixes ...string) Option {
	return func(s *Server) {
		s.media = store
		s.mediaPrefixes = prefixes
	}
}

// WithMaxBodyBytes caps JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithTimeouts overrides the http.Server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
		if t.Shutdown > 0 {
			s.timeouts.Shutdown = t.Shutdown
		}
	}
}

// Server is the clipforge HTTP server.
type Server struct {
	host string
	port int

	logger        *zap.Logger
	auth          middleware.AuthConfig
	jobs          handlers.JobService
	uploads       handlers.UploadService
	media         provider.Provider
	mediaPrefixes []string
	maxBodyBytes  int64
	timeouts      Timeouts

	router chi.Router
	http   *http.Server
}

// New builds a server bound to host:port. Routes are registered
// immediately; the listener opens in Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		maxBodyBytes: handlers.DefaultMaxBodyBytes,
		timeouts:     defaultTimeouts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.AccessLog(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	authn := middleware.Auth(s.auth, s.logger)

	if s.jobs != nil {
		jh := handlers.NewJobHandler(s.jobs, s.logger, s.maxBodyBytes)
		// Status polling is deliberately unauthenticated.
		r.Get("/api/video/crop/{jobId}", jh.Get)
		r.Group(func(r chi.Router) {
			r.Use(authn)
			r.Post("/api/video/crop", jh.Create)
			r.Delete("/api/video/crop/{jobId}", jh.Cancel)
			r.Get("/api/video/jobs", jh.List)
		})

		if s.media != nil {
			mh := handlers.NewMediaHandler(s.media, s.jobs, s.mediaPrefixes, s.logger, s.maxBodyBytes)
			r.With(authn).Delete("/api/delete-video", mh.DeleteVideo)
		}
	}

	if s.uploads != nil {
		uh := handlers.NewUploadHandler(s.uploads, s.logger, s.maxBodyBytes)
		r.Group(func(r chi.Router) {
			r.Use(authn)
			r.Post("/api/s3-multipart/initiate", uh.Initiate)
			r.Post("/api/s3-multipart/presigned-urls", uh.PartURLs)
			r.Post("/api/s3-multipart/complete", uh.Complete)
			r.Post("/api/s3-multipart/abort", uh.Abort)
			r.Post("/api/upload-url", uh.UploadURL)
		})
	}

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Shutdown)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// ShutdownTimeout returns the configured drain bound.
func (s *Server) ShutdownTimeout() time.Duration {
	return s.timeouts.Shutdown
}
