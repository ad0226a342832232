// Package api serves build submission, job history, artifact download and
// sandbox runs over HTTP, with live events over SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hochfrequenz/binforge/internal/buildprotocol"
	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/jobstore"
	"github.com/hochfrequenz/binforge/internal/metrics"
	"github.com/hochfrequenz/binforge/internal/pipeline"
	"github.com/hochfrequenz/binforge/internal/pool"
	"github.com/hochfrequenz/binforge/internal/preflight"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

const shutdownTimeout = 10 * time.Second

// Builder runs builds
type Builder interface {
	Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Preflight(platform domain.Platform) ([]domain.Strategy, []preflight.Skipped, error)
}

// Runner executes an artifact in the sandbox
type Runner interface {
	Run(ctx context.Context, path string) domain.ExecutionResult
}

// Store interface for database operations
type Store interface {
	GetJob(ctx context.Context, id string) (*jobstore.JobRecord, error)
	ListJobs(ctx context.Context, opts jobstore.ListOptions) ([]*jobstore.JobRecord, error)
	ListAttempts(ctx context.Context, jobID string) ([]jobstore.AttemptRecord, error)
	ListExecutions(ctx context.Context, jobID string) ([]jobstore.ExecutionRecord, error)
	AddExecution(ctx context.Context, jobID string, r domain.ExecutionResult) (int64, error)
}

// Options holds the optional collaborators of a Server
type Options struct {
	Addr     string
	Checker  *preflight.Checker
	// Pool bounds concurrent builds and sandbox runs; nil means a single slot
	Pool     *pool.Pool
	// Recorder counts sandbox runs and busy slots
	Recorder metrics.Recorder
	// Metrics is served on /metrics when set
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	builder  Builder
	runner   Runner
	store    Store
	checker  *preflight.Checker
	pool     *pool.Pool
	recorder metrics.Recorder
	hub      *Hub
	addr     string
	mux      *http.ServeMux
	logger   *slog.Logger

	// base is the parent context of asynchronous builds
	base   context.Context
	builds sync.WaitGroup

	mu     sync.Mutex
	active map[string]bool
}

// NewServer creates a new API server
func NewServer(builder Builder, runner Runner, store Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool == nil {
		opts.Pool = pool.New(1)
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	opts.Pool.SetOnSlotsChanged(opts.Recorder.SetActiveBuilds)
	s := &Server{
		builder:  builder,
		runner:   runner,
		store:    store,
		checker:  opts.Checker,
		pool:     opts.Pool,
		recorder: opts.Recorder,
		hub:      NewHub(),
		addr:     opts.Addr,
		mux:      http.NewServeMux(),
		logger:   opts.Logger.With("component", "api"),
		base:     context.Background(),
		active:   make(map[string]bool),
	}
	s.setupRoutes(opts.Metrics)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/preflight", s.preflightHandler())
	s.mux.HandleFunc("POST /api/builds", s.createBuildHandler())
	s.mux.HandleFunc("GET /api/builds", s.listBuildsHandler())
	s.mux.HandleFunc("GET /api/builds/{id}", s.getBuildHandler())
	s.mux.HandleFunc("GET /api/builds/{id}/artifact", s.artifactHandler())
	s.mux.HandleFunc("POST /api/builds/{id}/run", s.runHandler())
	s.mux.HandleFunc("GET /api/builds/{id}/ws", s.wsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())

	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then shuts down and waits for
// running builds to record their outcome.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.builds.Wait()
	s.logger.Info("server stopped")
	return err
}

// Hub exposes the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// publish encodes a protocol message and hands it to the hub
func (s *Server) publish(jobID, msgType string, payload interface{}) {
	data, err := buildprotocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		s.logger.Warn("encoding event failed", "type", msgType, "error", err)
		return
	}
	s.hub.Publish(Event{Type: msgType, JobID: jobID, Data: data})
}

// hooks forwards pipeline events to subscribers
func (s *Server) hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnJob: func(job domain.Job) {
			s.publish(job.ID, buildprotocol.TypeJob, buildprotocol.NewJobMessage(job))
		},
		OnAttemptStart: func(jobID string, index int, st domain.Strategy) {
			s.publish(jobID, buildprotocol.TypeAttemptStart, buildprotocol.AttemptStartMessage{
				JobID:    jobID,
				Index:    index,
				Strategy: st.Name,
			})
		},
		OnProgress: func(jobID string, st domain.Strategy, u streamer.Update) {
			s.publish(jobID, buildprotocol.TypeProgress, buildprotocol.NewProgressMessage(jobID, st.Name, u))
		},
		OnAttempt: func(jobID string, index int, a domain.AttemptResult) {
			s.publish(jobID, buildprotocol.TypeAttempt, buildprotocol.NewAttemptMessage(jobID, index, a))
		},
	}
}

func (s *Server) markActive(jobID string) {
	s.mu.Lock()
	s.active[jobID] = true
	s.mu.Unlock()
}

func (s *Server) markDone(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

func (s *Server) isActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[jobID]
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
