// ABOUTME: Gateway server: the unauthenticated in-experiment API executors talk to.
// ABOUTME: Stateless over the store; every handler is a thin read-modify-write on one row.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/metrics"
	"github.com/2389-research/unicorn/store"
)

// maxResultBytes caps a posted execution report.
const maxResultBytes = 8 << 20

// Server serves the executor-facing API.
type Server struct {
	store  *store.Store
	router chi.Router
}

// NewServer builds the gateway with all routes configured.
func NewServer(st *store.Store) *Server {
	s := &Server{store: st}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/executor/pipeline/{executorID}", s.handlePipeline)
		r.Post("/executor/heartbeat/{executorID}", s.handleHeartbeat)
		r.Post("/executor/result/{executorID}", s.handleResult)

		r.Route("/experiment/{experimentID}/flag/{key}", func(r chi.Router) {
			r.Get("/", s.handleFlagGet)
			r.Post("/", s.handleFlagSet)
			r.Post("/increment", s.handleFlagIncrement)
			r.Post("/decrement", s.handleFlagDecrement)
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handlePipeline hands the executor its pipeline blob. Unknown and
// already-finished executors get 404, which the executor treats as
// terminal after its retry budget.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	executorID := chi.URLParam(r, "executorID")
	row, err := s.store.GetExecutor(r.Context(), executorID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown executor", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("component=gateway action=pipeline_failed executor_id=%s err=%v", executorID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if row.Finished {
		http.Error(w, "executor already finished", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(row.Pipeline)
}

// handleHeartbeat stamps liveness. The executor piggybacks its state
// machine position as a query parameter.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	executorID := chi.URLParam(r, "executorID")
	state := core.ExecutorState(r.URL.Query().Get("state"))
	err := s.store.Heartbeat(r.Context(), executorID, state, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown executor", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("component=gateway action=heartbeat_failed executor_id=%s err=%v", executorID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.HeartbeatsTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleResult accepts the final execution report as an opaque blob.
// First submission wins; later ones are acknowledged but dropped.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	executorID := chi.URLParam(r, "executorID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResultBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxResultBytes {
		http.Error(w, "result too large", http.StatusRequestEntityTooLarge)
		return
	}

	state := core.ExecutorFinished
	var report core.ExecutionReport
	if jsonErr := json.Unmarshal(body, &report); jsonErr == nil && !report.Ok {
		state = core.ExecutorFailed
	}

	applied, err := s.store.SetExecutorResult(r.Context(), executorID, body, state)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown executor", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("component=gateway action=result_failed executor_id=%s err=%v", executorID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.ExecutorResultsTotal.WithLabelValues(appliedLabel(applied)).Inc()
	if !applied {
		log.Printf("component=gateway action=result_dropped executor_id=%s reason=already_finished", executorID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func appliedLabel(applied bool) string {
	if applied {
		return "true"
	}
	return "false"
}

func (s *Server) handleFlagGet(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "experimentID")
	key := chi.URLParam(r, "key")
	values, err := s.store.FlagGet(r.Context(), experimentID, key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown flag", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("component=gateway action=flag_get_failed experiment_id=%s key=%s err=%v", experimentID, key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.FlagOpsTotal.WithLabelValues("get").Inc()
	writeJSON(w, values)
}

func (s *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "experimentID")
	key := chi.URLParam(r, "key")

	var values core.FlagValues
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		http.Error(w, "invalid flag body", http.StatusBadRequest)
		return
	}
	if values.Empty() {
		http.Error(w, "flag body has no values", http.StatusBadRequest)
		return
	}
	if err := s.store.FlagSet(r.Context(), experimentID, key, values); err != nil {
		log.Printf("component=gateway action=flag_set_failed experiment_id=%s key=%s err=%v", experimentID, key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.FlagOpsTotal.WithLabelValues("set").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlagIncrement(w http.ResponseWriter, r *http.Request) {
	s.adjustFlag(w, r, "increment", s.store.FlagIncrement)
}

func (s *Server) handleFlagDecrement(w http.ResponseWriter, r *http.Request) {
	s.adjustFlag(w, r, "decrement", s.store.FlagDecrement)
}

func (s *Server) adjustFlag(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, experimentID, key string) error) {
	experimentID := chi.URLParam(r, "experimentID")
	key := chi.URLParam(r, "key")
	if err := fn(r.Context(), experimentID, key); err != nil {
		log.Printf("component=gateway action=flag_%s_failed experiment_id=%s key=%s err=%v", op, experimentID, key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.FlagOpsTotal.WithLabelValues(op).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=gateway action=encode_failed err=%v", err)
	}
}
