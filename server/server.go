// Package server exposes the upload pipeline over HTTP with chi.
//
// Every JSON error body has the shape {"success": false, "error", "code"}.
// Clients are told apart by an opaque session cookie minted on first use.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/edfpipe/idgen"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/orchestrator"
	"github.com/hazyhaar/edfpipe/shield"
)

// Options wires a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	// Queue feeds /healthz.
	Queue *jobqueue.Queue
	// DB holds the shield tables and worker heartbeats.
	DB *sql.DB
	// ProcessedDir is served under /download/.
	ProcessedDir string
	MaxBody      int64
	CookieName   string
	CookieSecure bool
	// WorkerName and HeartbeatStale drive the /healthz worker verdict.
	WorkerName     string
	HeartbeatStale time.Duration
	// NewSessionID mints session cookies. Default: idgen.Token(24).
	NewSessionID idgen.Generator
	Logger       *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	opts        Options
	orch        *orchestrator.Orchestrator
	log         *slog.Logger
	maintenance *shield.MaintenanceMode
	limiter     *shield.RateLimiter
	router      chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = idgen.Token(24)
	}
	if opts.CookieName == "" {
		opts.CookieName = "edfpipe_session"
	}
	if opts.HeartbeatStale <= 0 {
		opts.HeartbeatStale = 45 * time.Second
	}
	s := &Server{opts: opts, orch: opts.Orchestrator, log: opts.Logger}

	stack, mm, rl := shield.DefaultStack(opts.DB, opts.Logger, opts.MaxBody)
	s.maintenance, s.limiter = mm, rl

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range stack {
		r.Use(mw)
	}

	r.Post("/upload_and_parse", s.handleChunk(orchestrator.ActionParse))
	r.Post("/upload_chunks", s.handleChunk(orchestrator.ActionStore))
	r.Post("/upload_and_process", s.handleChunk(orchestrator.ActionProcess))
	r.Post("/parse_file", s.handleParse)
	r.Get("/upload_and_parse_complete", s.handleParseComplete)
	r.Post("/process_file", s.handleProcess)
	r.Get("/processing", s.handleProcessing)
	r.Get("/results", s.handleResults)
	r.Get("/upload_progress/{file_id}", s.handleUploadProgress)
	r.Get("/progress_status", s.handleProgressStatus)
	r.Get("/download/*", s.handleDownload)
	r.Get("/healthz", s.handleHealth)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		shield.WriteError(w, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		shield.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// StartReloaders refreshes the maintenance flag and rate limit rules in the
// background until ctx is cancelled.
func (s *Server) StartReloaders(ctx context.Context) {
	s.maintenance.StartReloader(ctx)
	s.limiter.StartReloader(ctx)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within 10 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.log.Info("server: shutting down")
	return srv.Shutdown(shutdownCtx)
}
