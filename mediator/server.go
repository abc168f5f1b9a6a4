// ABOUTME: Mediator server: the authenticated user-facing API for experiments, nodes, and flags.
// ABOUTME: Prepare expands deployments, fingerprints compilations, and claims node locks all-or-nothing.
package mediator

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/infra"
	"github.com/2389-research/unicorn/metrics"
	"github.com/2389-research/unicorn/store"
)

// Server serves the user-facing API.
type Server struct {
	store  *store.Store
	infra  *infra.Service
	router chi.Router
}

// NewServer builds the mediator with all routes configured.
func NewServer(st *store.Store, inf *infra.Service) *Server {
	s := &Server{store: st, infra: inf}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.basicAuth)

		r.Get("/nodes", s.handleListNodes)

		r.Route("/experiment", func(r chi.Router) {
			r.Get("/", s.handleListExperiments)
			r.Post("/", s.handleSubmit)
			r.Route("/{name}", func(r chi.Router) {
				r.Post("/prepare", s.handlePrepare)
				r.Post("/start", s.handleStart)
				r.Post("/cancel", s.handleCancel)
				r.Get("/", s.handleStatus)
				r.Delete("/", s.handleDelete)

				r.Route("/flag/{key}", func(r chi.Router) {
					r.Get("/", s.handleFlagGet)
					r.Post("/", s.handleFlagSet)
					r.Post("/increment", s.handleFlagIncrement)
					r.Post("/decrement", s.handleFlagDecrement)
				})
			})
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

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	nodes, err := s.infra.ListNodes(r.Context(), user.Username, user.AccessTags)
	if err != nil {
		log.Printf("component=mediator action=list_nodes_failed username=%s err=%v", user.Username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// prepareConflict is the 409 body on lock contention.
type prepareConflict struct {
	Error     string          `json:"error"`
	Conflicts []store.LockKey `json:"conflicts"`
}

// handleSubmit persists a new experiment in CREATED status. Nothing is
// claimed or enqueued yet; that happens on prepare.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := effectiveOwner(r)

	var exp core.Experiment
	if err := json.NewDecoder(r.Body).Decode(&exp); err != nil {
		http.Error(w, "invalid experiment body", http.StatusBadRequest)
		return
	}
	exp.Username = owner
	exp.ID = ulid.Make().String()
	if err := exp.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := s.store.CreateExperiment(ctx, store.ExperimentRow{
		ID: exp.ID, Username: owner, Name: exp.Name,
		Status: core.StatusCreated, Experiment: &exp, CreatedAt: time.Now(),
	}); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			http.Error(w, "experiment name already in use", http.StatusConflict)
			return
		}
		log.Printf("component=mediator action=create_failed experiment=%s err=%v", exp.Name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.ExperimentsTotal.WithLabelValues(string(core.StatusCreated)).Inc()
	log.Printf("component=mediator action=submitted experiment_id=%s name=%s deployments=%d",
		exp.ID, exp.Name, len(exp.Deployments))
	writeJSON(w, http.StatusCreated, map[string]string{"experiment_id": exp.ID})
}

// handlePrepare expands a previously submitted experiment into
// deployments, enqueues compilations, claims node locks, and leaves it
// PREPARING for the processor and compiler to advance. On lock
// contention the experiment stays CREATED so the user may retry once
// the nodes free up.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	if row.Status != core.StatusCreated {
		http.Error(w, "experiment already prepared", http.StatusConflict)
		return
	}
	exp := row.Experiment

	// Expand: per deployment, assign the executor id, resolve the
	// architecture, fold task prerequisites into the environment,
	// fingerprint the build.
	for i := range exp.Deployments {
		d := &exp.Deployments[i]
		d.ExecutorID = uuid.NewString()

		arch, err := d.Node.Architecture()
		if err != nil {
			// Explicit prepare-time failure; the deployment is carried
			// along unprepared so the outcome is visible to the user.
			d.Error = err.Error()
			continue
		}
		pipeline, err := core.UnmarshalPipeline(d.Pipeline)
		if err != nil {
			d.Error = err.Error()
			continue
		}
		prereqs, err := pipeline.Prerequisites()
		if err != nil {
			d.Error = err.Error()
			continue
		}
		d.Environment = d.Environment.WithCommands(prereqs)
		if d.KeepAliveTimeoutMinutes == 0 {
			d.KeepAliveTimeoutMinutes = pipeline.KeepAliveTimeoutMinutes
		}
		d.CompilationID = core.CompilationID(d.Environment, d.Pipeline, arch)
	}

	if err := s.infra.ClaimNodes(ctx, row.Username, exp); err != nil {
		var conflict *infra.LockConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, prepareConflict{
				Error:     conflict.Error(),
				Conflicts: conflict.Conflicts,
			})
			return
		}
		log.Printf("component=mediator action=claim_failed experiment_id=%s err=%v", row.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	for _, d := range exp.Deployments {
		if d.Error != "" {
			continue
		}
		arch, _ := d.Node.Architecture()
		if err := s.store.EnsureCompilation(ctx, store.CompilationRow{
			ExperimentID:  row.ID,
			CompilationID: d.CompilationID,
			Architecture:  arch,
			Pipeline:      d.Pipeline,
			Environment:   d.Environment,
			CreatedAt:     now,
		}); err != nil {
			log.Printf("component=mediator action=enqueue_compilation_failed experiment_id=%s err=%v", row.ID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	if err := s.store.UpdateExperimentData(ctx, row.ID, exp); err != nil {
		log.Printf("component=mediator action=update_failed experiment_id=%s err=%v", row.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.TransitionExperiment(ctx, row.ID, core.StatusCreated, core.StatusPreparing); err != nil {
		log.Printf("component=mediator action=transition_failed experiment_id=%s err=%v", row.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.ExperimentsTotal.WithLabelValues(string(core.StatusPreparing)).Inc()
	log.Printf("component=mediator action=prepared experiment_id=%s name=%s deployments=%d",
		row.ID, row.Name, len(exp.Deployments))
	writeJSON(w, http.StatusAccepted, map[string]string{"experiment_id": row.ID})
}

// handleStart moves a READY experiment to RUNNING: executor rows are
// created, unprepared deployments finish immediately as "not prepared",
// and the connectors spin up the rest.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	if row.Status != core.StatusReady {
		http.Error(w, "experiment is not READY", http.StatusConflict)
		return
	}
	exp := row.Experiment

	for _, d := range exp.Deployments {
		if err := s.store.CreateExecutor(ctx, store.ExecutorRow{
			ExperimentID: row.ID,
			ExecutorID:   d.ExecutorID,
			NodeName:     d.Node.Name,
			Connector:    d.Node.Connector,
			Pipeline:     d.Pipeline,
		}); err != nil {
			log.Printf("component=mediator action=create_executor_failed experiment_id=%s err=%v", row.ID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !d.Prepared {
			reason := "deployment was not prepared"
			if d.Error != "" {
				reason = "deployment was not prepared: " + d.Error
			}
			if err := s.store.FinishExecutor(ctx, row.ID, d.ExecutorID, reason); err != nil {
				log.Printf("component=mediator action=finish_executor_failed experiment_id=%s err=%v", row.ID, err)
			}
		}
	}

	s.infra.Start(ctx, row.Username, exp)
	for _, d := range exp.Deployments {
		if d.Prepared && d.Error != "" {
			if err := s.store.FinishExecutor(ctx, row.ID, d.ExecutorID, d.Error); err != nil {
				log.Printf("component=mediator action=finish_executor_failed experiment_id=%s err=%v", row.ID, err)
			}
		}
	}
	if err := s.store.UpdateExperimentData(ctx, row.ID, exp); err != nil {
		log.Printf("component=mediator action=update_failed experiment_id=%s err=%v", row.ID, err)
	}

	if err := s.store.SetExperimentStarted(ctx, row.ID, time.Now()); err != nil {
		log.Printf("component=mediator action=set_started_failed experiment_id=%s err=%v", row.ID, err)
	}
	if err := s.store.TransitionExperiment(ctx, row.ID, core.StatusReady, core.StatusRunning); err != nil {
		log.Printf("component=mediator action=transition_failed experiment_id=%s err=%v", row.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.ExperimentsTotal.WithLabelValues(string(core.StatusRunning)).Inc()
	log.Printf("component=mediator action=started experiment_id=%s", row.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, experimentInfo(row))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	owner := effectiveOwner(r)
	rows, err := s.store.ListExperiments(r.Context(), owner)
	if err != nil {
		log.Printf("component=mediator action=list_failed username=%s err=%v", owner, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	infos := make([]core.ExperimentInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, experimentInfo(row))
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleCancel is cooperative: running executors are asked to stop and
// their rows finished with a cancellation marker; the processor then
// observes the terminal rows and finishes the experiment. Experiments
// that never started go straight to FINISHED.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	if row.Status.Terminal() {
		http.Error(w, "experiment already finished", http.StatusConflict)
		return
	}

	if err := s.store.SetExperimentError(ctx, row.ID, "cancelled by user"); err != nil {
		log.Printf("component=mediator action=cancel_mark_failed experiment_id=%s err=%v", row.ID, err)
	}

	if row.Status == core.StatusRunning {
		executors, err := s.store.ExecutorsForExperiment(ctx, row.ID)
		if err != nil {
			log.Printf("component=mediator action=cancel_list_failed experiment_id=%s err=%v", row.ID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		var live []store.ExecutorRow
		for _, e := range executors {
			if !e.Finished {
				live = append(live, e)
			}
		}
		s.infra.StopExecutors(ctx, row.Username, live)
		for _, e := range live {
			if err := s.store.FinishExecutor(ctx, row.ID, e.ExecutorID, "cancelled by user"); err != nil {
				log.Printf("component=mediator action=cancel_finish_failed executor_id=%s err=%v", e.ExecutorID, err)
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Never ran: finish directly and free the nodes.
	if err := s.store.TransitionExperiment(ctx, row.ID, row.Status, core.StatusFinished); err != nil {
		log.Printf("component=mediator action=cancel_transition_failed experiment_id=%s err=%v", row.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.ExperimentsTotal.WithLabelValues(string(core.StatusFinished)).Inc()
	if err := s.store.ReleaseLocks(ctx, row.ID); err != nil {
		log.Printf("component=mediator action=cancel_release_failed experiment_id=%s err=%v", row.ID, err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedExperiment(w, r)
	if !ok {
		return
	}
	if !row.Status.Terminal() {
		http.Error(w, "experiment is not finished", http.StatusConflict)
		return
	}
	if err := s.store.SoftDeleteExperiment(r.Context(), row.ID); err != nil {
		log.Printf("component=mediator action=delete_failed experiment_id=%s err=%v", row.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedExperiment resolves {name} for the effective owner. A missing
// experiment is a plain 404; ownership is enforced by the lookup key.
func (s *Server) ownedExperiment(w http.ResponseWriter, r *http.Request) (store.ExperimentRow, bool) {
	owner := effectiveOwner(r)
	name := chi.URLParam(r, "name")
	row, err := s.store.GetExperimentByName(r.Context(), owner, name)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown experiment", http.StatusNotFound)
		return store.ExperimentRow{}, false
	}
	if err != nil {
		log.Printf("component=mediator action=lookup_failed experiment=%s err=%v", name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return store.ExperimentRow{}, false
	}
	return row, true
}

func experimentInfo(row store.ExperimentRow) core.ExperimentInfo {
	info := core.ExperimentInfo{
		ID:               row.ID,
		Name:             row.Name,
		Username:         row.Username,
		Status:           row.Status,
		Error:            row.Error,
		CreatedAt:        row.CreatedAt,
		StartedAt:        row.StartedAt,
		ExecutionResults: row.ExecutionResults,
	}
	if row.Experiment != nil {
		info.Deployments = row.Experiment.Deployments
	}
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=mediator action=encode_failed err=%v", err)
	}
}
