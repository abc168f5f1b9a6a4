// ABOUTME: Authenticated flag passthrough: the same primitives executors use, addressed by experiment name.
// ABOUTME: The name is resolved to the experiment id; flag rows are always keyed by id.
package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/store"
)

func (s *Server) handleFlagGet(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	values, err := s.store.FlagGet(r.Context(), row.ID, key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown flag", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("component=mediator action=flag_get_failed experiment_id=%s key=%s err=%v", row.ID, key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
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
	if err := s.store.FlagSet(r.Context(), row.ID, key, values); err != nil {
		log.Printf("component=mediator action=flag_set_failed experiment_id=%s key=%s err=%v", row.ID, key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlagIncrement(w http.ResponseWriter, r *http.Request) {
	s.adjustFlag(w, r, "increment", s.store.FlagIncrement)
}

func (s *Server) handleFlagDecrement(w http.ResponseWriter, r *http.Request) {
	s.adjustFlag(w, r, "decrement", s.store.FlagDecrement)
}

func (s *Server) adjustFlag(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, experimentID, key string) error) {
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := fn(r.Context(), row.ID, key); err != nil {
		log.Printf("component=mediator action=flag_%s_failed experiment_id=%s key=%s err=%v", op, row.ID, key, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
