// Package workerserver exposes a local backend over the remote worker HTTP
// protocol. It is the peer a remote protocol client talks to, run by the
// lab-worker daemon.
package workerserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/worker"
	"github.com/nishiokj/agentlab/internal/worker/local"
	"github.com/nishiokj/agentlab/internal/worker/remote"
)

// maxPollTimeout bounds how long a poll request may hold a connection.
const maxPollTimeout = 60 * time.Second

type Config struct {
	// AuthToken enables bearer authentication when non-empty.
	AuthToken string
	Logger    *zap.Logger
}

// Server handles the four worker protocol endpoints.
type Server struct {
	backend *local.Backend
	token   string
	logger  *zap.Logger
}

func New(cfg Config, backend *local.Backend) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		backend: backend,
		token:   strings.TrimSpace(cfg.AuthToken),
		logger:  logger.Named("worker-server"),
	}
}

// Handler builds the protocol mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(remote.PathSubmit, s.handleSubmit)
	mux.HandleFunc(remote.PathPoll, s.handlePoll)
	mux.HandleFunc(remote.PathPause, s.handlePause)
	mux.HandleFunc(remote.PathStop, s.handleStop)
	return mux
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if s.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, wantSchema string, schema *string, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if *schema != wantSchema {
		http.Error(w, "unsupported schema_version "+*schema, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req remote.SubmitRequest
	if !decode(w, r, remote.SchemaSubmit, &req.SchemaVersion, &req) {
		return
	}
	if req.Dispatch == nil {
		http.Error(w, "dispatch is required", http.StatusBadRequest)
		return
	}
	ticket, err := s.backend.Submit(r.Context(), req.Dispatch)
	if err != nil {
		if worker.IsCapacity(err) {
			http.Error(w, "capacity_full", http.StatusTooManyRequests)
			return
		}
		s.logger.Warn("submit failed", zap.String("trial_id", req.Dispatch.TrialID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, remote.SubmitResponse{SchemaVersion: remote.SchemaSubmit, Ticket: ticket})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req remote.PollRequest
	if !decode(w, r, remote.SchemaPoll, &req.SchemaVersion, &req) {
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout < 0 {
		timeout = 0
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxPollTimeout+time.Second)
	defer cancel()
	completions, err := s.backend.PollCompletions(ctx, timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, remote.PollResponse{SchemaVersion: remote.SchemaPoll, Completions: completions})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req remote.PauseRequest
	if !decode(w, r, remote.SchemaPause, &req.SchemaVersion, &req) {
		return
	}
	ack, err := s.backend.RequestPause(r.Context(), req.WorkerID, req.Label)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, remote.PauseResponse{SchemaVersion: remote.SchemaPause, Ack: ack})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req remote.StopRequest
	if !decode(w, r, remote.SchemaStop, &req.SchemaVersion, &req) {
		return
	}
	if err := s.backend.RequestStop(r.Context(), req.WorkerID, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, remote.StopResponse{SchemaVersion: remote.SchemaStop, Accepted: true})
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("worker server listening", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
