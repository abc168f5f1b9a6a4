// ABOUTME: Processor tests driving experiments through PREPARING, READY, and RUNNING with a controllable clock.
// ABOUTME: Uses the dummy connector and an in-memory store; ticks are invoked directly.
package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/unicorn/connectors"
	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/infra"
	"github.com/2389-research/unicorn/store"
)

type harness struct {
	proc  *Processor
	store *store.Store
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry, err := connectors.NewRegistry(context.Background(), map[string]connectors.ConnectorConfig{
		"lab": {
			Driver: "dummy",
			Options: map[string]any{
				"nodes": []any{
					map[string]any{"name": "node-1", "properties": map[string]any{"architecture": core.ArchLinuxAMD64}},
					map[string]any{"name": "node-2", "properties": map[string]any{"architecture": core.ArchLinuxAMD64}},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	h := &harness{store: st, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.proc = New(st, infra.New(st, registry, infra.Options{}), Options{
		HeartbeatInterval: 30 * time.Second,
		StartWaitTimeout:  time.Hour,
	})
	h.proc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) createPreparing(t *testing.T, id string, deployments ...core.Deployment) *core.Experiment {
	t.Helper()
	exp := &core.Experiment{ID: id, Name: id, Username: "alice", Deployments: deployments}
	err := h.store.CreateExperiment(context.Background(), store.ExperimentRow{
		ID: id, Username: "alice", Name: id,
		Status: core.StatusCreated, Experiment: exp, CreatedAt: h.now,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	if err := h.store.TransitionExperiment(context.Background(), id, core.StatusCreated, core.StatusPreparing); err != nil {
		t.Fatalf("to PREPARING: %v", err)
	}
	return exp
}

func deployment(node, executorID, compilationID string) core.Deployment {
	return core.Deployment{
		Node:          core.Node{Name: node, Connector: "lab", Properties: map[string]string{"architecture": core.ArchLinuxAMD64}},
		Pipeline:      []byte(`{"id":"p1","stages":[]}`),
		Environment:   core.ShellExecution(),
		ExecutorID:    executorID,
		CompilationID: compilationID,
	}
}

func (h *harness) addCompilation(t *testing.T, expID, compID string, terminalStatus string, buildLog string) {
	t.Helper()
	ctx := context.Background()
	err := h.store.EnsureCompilation(ctx, store.CompilationRow{
		ExperimentID: expID, CompilationID: compID,
		Architecture: core.ArchLinuxAMD64,
		Pipeline:     []byte(`{"id":"p1","stages":[]}`),
		Environment:  core.ShellExecution(),
		CreatedAt:    h.now,
	})
	if err != nil {
		t.Fatalf("ensure compilation: %v", err)
	}
	if terminalStatus != "" {
		if _, err := h.store.ClaimCompilation(ctx); err != nil {
			t.Fatalf("claim: %v", err)
		}
		ok := terminalStatus == store.CompilationSucceeded
		if err := h.store.RecordCompilationResult(ctx, expID, compID, ok, buildLog); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
}

func TestPreparingWaitsForCompilations(t *testing.T) {
	h := newHarness(t)
	h.createPreparing(t, "exp-1", deployment("node-1", "e1", "fp-1"))
	h.addCompilation(t, "exp-1", "fp-1", "", "") // still pending

	if err := h.proc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, err := h.store.GetExperiment(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != core.StatusPreparing {
		t.Fatalf("status = %s, want PREPARING", row.Status)
	}
}

func TestPreparingAdvancesToReady(t *testing.T) {
	h := newHarness(t)
	h.createPreparing(t, "exp-1",
		deployment("node-1", "e1", "fp-1"),
		deployment("node-2", "e2", "fp-1"))
	h.addCompilation(t, "exp-1", "fp-1", store.CompilationSucceeded, "built")

	if err := h.proc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, err := h.store.GetExperiment(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != core.StatusReady {
		t.Fatalf("status = %s, want READY", row.Status)
	}
	for _, d := range row.Experiment.Deployments {
		if !d.Prepared || d.Error != "" {
			t.Errorf("deployment %s: prepared=%v error=%q", d.Node.Name, d.Prepared, d.Error)
		}
	}
}

func TestPreparingAllFailedFinishes(t *testing.T) {
	h := newHarness(t)
	h.createPreparing(t, "exp-1", deployment("node-1", "e1", "fp-1"))
	h.addCompilation(t, "exp-1", "fp-1", store.CompilationFailed, "no such base image")

	if err := h.proc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, err := h.store.GetExperiment(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != core.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", row.Status)
	}
	if !strings.Contains(row.Error, "no such base image") {
		t.Errorf("experiment error = %q", row.Error)
	}
	if !row.Cleaned {
		t.Errorf("terminal experiment not cleaned")
	}
}

func TestReadyTimesOutWhenNeverStarted(t *testing.T) {
	h := newHarness(t)
	h.createPreparing(t, "exp-1", deployment("node-1", "e1", "fp-1"))
	h.addCompilation(t, "exp-1", "fp-1", store.CompilationSucceeded, "")

	if err := h.proc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Within the window: stays READY.
	h.now = h.now.Add(30 * time.Minute)
	if err := h.proc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ := h.store.GetExperiment(context.Background(), "exp-1")
	if row.Status != core.StatusReady {
		t.Fatalf("status = %s, want READY", row.Status)
	}

	// Past the start-wait timeout.
	h.now = h.now.Add(time.Hour)
	if err := h.proc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ = h.store.GetExperiment(context.Background(), "exp-1")
	if row.Status != core.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", row.Status)
	}
	if !strings.Contains(row.Error, "not started") {
		t.Errorf("error = %q", row.Error)
	}
}

// startRunning prepares a RUNNING experiment with executor rows.
func (h *harness) startRunning(t *testing.T, id string, deployments ...core.Deployment) {
	t.Helper()
	ctx := context.Background()
	exp := &core.Experiment{ID: id, Name: id, Username: "alice", Deployments: deployments}
	for i := range exp.Deployments {
		exp.Deployments[i].Prepared = true
	}
	err := h.store.CreateExperiment(ctx, store.ExperimentRow{
		ID: id, Username: "alice", Name: id,
		Status: core.StatusCreated, Experiment: exp, CreatedAt: h.now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, d := range exp.Deployments {
		err := h.store.CreateExecutor(ctx, store.ExecutorRow{
			ExperimentID: id, ExecutorID: d.ExecutorID,
			NodeName: d.Node.Name, Connector: d.Node.Connector,
			Pipeline: d.Pipeline,
		})
		if err != nil {
			t.Fatalf("create executor: %v", err)
		}
	}
	if err := h.store.TransitionExperiment(ctx, id, core.StatusCreated, core.StatusRunning); err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	if err := h.store.SetExperimentStarted(ctx, id, h.now); err != nil {
		t.Fatalf("set started: %v", err)
	}
}

func TestRunningFinishesWhenAllExecutorsReport(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "exp-1", deployment("node-1", "e1", "fp-1"))

	ctx := context.Background()
	if _, err := h.store.SetExecutorResult(ctx, "e1", []byte(`{"ok":true}`), core.ExecutorFinished); err != nil {
		t.Fatalf("set result: %v", err)
	}

	if err := h.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, err := h.store.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != core.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", row.Status)
	}
	if len(row.ExecutionResults) != 1 || string(row.ExecutionResults[0].Result) != `{"ok":true}` {
		t.Fatalf("results = %+v", row.ExecutionResults)
	}

	// Locks are gone.
	locks, err := h.store.LocksForExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("locks not released: %v", locks)
	}
}

func TestRunningSurfacesOpaqueResults(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "exp-1",
		deployment("node-1", "e1", "fp-1"),
		deployment("node-2", "e2", "fp-1"))
	ctx := context.Background()

	// One executor posts bytes that are not JSON, the other JSON with
	// deliberate whitespace. Both must finish the experiment and come
	// back byte-identical in the snapshot.
	opaque := []byte("opaque-not-json")
	spaced := []byte(`{ "ok": true,  "results": {} }`)
	if _, err := h.store.SetExecutorResult(ctx, "e1", opaque, core.ExecutorFinished); err != nil {
		t.Fatalf("set opaque result: %v", err)
	}
	if _, err := h.store.SetExecutorResult(ctx, "e2", spaced, core.ExecutorFinished); err != nil {
		t.Fatalf("set spaced result: %v", err)
	}

	if err := h.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, err := h.store.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != core.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", row.Status)
	}
	if len(row.ExecutionResults) != 2 {
		t.Fatalf("results = %+v", row.ExecutionResults)
	}
	if string(row.ExecutionResults[0].Result) != string(opaque) {
		t.Errorf("opaque blob altered: %q", row.ExecutionResults[0].Result)
	}
	if string(row.ExecutionResults[1].Result) != string(spaced) {
		t.Errorf("json blob altered: %q", row.ExecutionResults[1].Result)
	}

	locks, err := h.store.LocksForExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("locks not released: %v", locks)
	}
}

func TestRunningLivenessDeadline(t *testing.T) {
	h := newHarness(t)
	h.startRunning(t, "exp-1", deployment("node-1", "e1", "fp-1"))
	ctx := context.Background()

	// Heartbeat arrives, executor is alive.
	if err := h.store.Heartbeat(ctx, "e1", core.ExecutorExecuting, h.now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := h.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ := h.store.GetExperiment(ctx, "exp-1")
	if row.Status != core.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", row.Status)
	}

	// Silence past max(2*30s, 60s): declared dead.
	h.now = h.now.Add(2 * time.Minute)
	if err := h.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ = h.store.GetExperiment(ctx, "exp-1")
	if row.Status != core.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", row.Status)
	}
	if len(row.ExecutionResults) != 1 || !strings.Contains(row.ExecutionResults[0].Error, "heartbeat") {
		t.Fatalf("results = %+v", row.ExecutionResults)
	}
}

func TestRunningKeepAliveEnvelope(t *testing.T) {
	h := newHarness(t)
	d := deployment("node-1", "e1", "fp-1")
	d.KeepAliveTimeoutMinutes = 10
	h.startRunning(t, "exp-1", d)
	ctx := context.Background()

	// No heartbeats at all, but inside the envelope: still alive.
	h.now = h.now.Add(5 * time.Minute)
	if err := h.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ := h.store.GetExperiment(ctx, "exp-1")
	if row.Status != core.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", row.Status)
	}

	// Envelope exceeded even though the executor keeps heartbeating.
	h.now = h.now.Add(6 * time.Minute)
	if err := h.store.Heartbeat(ctx, "e1", core.ExecutorExecuting, h.now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := h.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ = h.store.GetExperiment(ctx, "exp-1")
	if row.Status != core.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", row.Status)
	}
	if !strings.Contains(row.ExecutionResults[0].Error, "envelope") {
		t.Fatalf("results = %+v", row.ExecutionResults)
	}
}
