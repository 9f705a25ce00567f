// Package api serves the AffirmFlow HTTP surface: onboarding sessions, the
// chat-survey workflow, and client session references.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/onboarding"
	"github.com/BTreeMap/AffirmFlow/internal/sessionref"
	"github.com/BTreeMap/AffirmFlow/internal/workflow"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Opts holds API server configuration.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithClock overrides the clock used for session reference timestamps.
func WithClock(fn func() time.Time) Option {
	return func(o *Opts) { o.Now = fn }
}

// Server wires the HTTP handlers to the onboarding manager, the workflow
// adapter and the session reference store.
type Server struct {
	manager *onboarding.Manager
	survey  *workflow.Adapter
	refs    sessionref.Store
	opts    Opts
}

// NewServer creates a server. survey and refs may be nil, which disables
// their routes.
func NewServer(manager *onboarding.Manager, survey *workflow.Adapter, refs sessionref.Store, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, ShutdownTimeout: 10 * time.Second, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{manager: manager, survey: survey, refs: refs, opts: o}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.HandleFunc("GET /variants", s.variantsHandler)

	mux.HandleFunc("POST /onboarding/sessions", s.createSessionHandler)
	mux.HandleFunc("GET /onboarding/sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("POST /onboarding/sessions/{id}/events", s.sessionEventHandler)
	mux.HandleFunc("DELETE /onboarding/sessions/{id}", s.deleteSessionHandler)

	if s.survey != nil {
		mux.HandleFunc("POST /chat-survey/runs", s.startSurveyHandler)
		mux.HandleFunc("POST /chat-survey/runs/{runId}/resume", s.resumeSurveyHandler)
		mux.HandleFunc("GET /chat-survey/runs/{runId}", s.surveyStateHandler)
	}

	if s.refs != nil {
		mux.HandleFunc("GET /session-ref/{clientId}", s.getRefHandler)
		mux.HandleFunc("PUT /session-ref/{clientId}", s.putRefHandler)
		mux.HandleFunc("DELETE /session-ref/{clientId}", s.deleteRefHandler)
		mux.HandleFunc("GET /session-ref/{clientId}/events", s.refEventsHandler)
	}
	return logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
