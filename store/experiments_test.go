// ABOUTME: Tests for experiment row persistence and lifecycle transitions.
// ABOUTME: Covers name uniqueness, guarded transitions, and soft delete freeing names.
package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389-research/unicorn/core"
)

func TestCreateAndGetExperiment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := testExperimentRow("exp-1", "alice", "measurement-a")
	if err := s.CreateExperiment(ctx, row); err != nil {
		t.Fatalf("create experiment: %v", err)
	}

	got, err := s.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if got.Status != core.StatusCreated {
		t.Errorf("status = %s, want CREATED", got.Status)
	}
	if got.Experiment == nil || len(got.Experiment.Deployments) != 1 {
		t.Fatalf("deployments not round-tripped: %+v", got.Experiment)
	}
	if got.Experiment.Deployments[0].Node.Name != "node-1" {
		t.Errorf("node name = %q", got.Experiment.Deployments[0].Node.Name)
	}

	byName, err := s.GetExperimentByName(ctx, "alice", "measurement-a")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.ID != "exp-1" {
		t.Errorf("by-name id = %q", byName.ID)
	}

	if _, err := s.GetExperiment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestCreateExperimentDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, testExperimentRow("exp-1", "alice", "same")); err != nil {
		t.Fatalf("create first: %v", err)
	}
	err := s.CreateExperiment(ctx, testExperimentRow("exp-2", "alice", "same"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	// A different user can reuse the name.
	if err := s.CreateExperiment(ctx, testExperimentRow("exp-3", "bob", "same")); err != nil {
		t.Fatalf("other user same name: %v", err)
	}
}

func TestSoftDeleteFreesName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, testExperimentRow("exp-1", "alice", "reuse-me")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SoftDeleteExperiment(ctx, "exp-1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	// Row survives under a placeholder owner.
	got, err := s.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got.Username == "alice" {
		t.Errorf("username not rewritten: %q", got.Username)
	}
	if _, err := s.GetExperimentByName(ctx, "alice", "reuse-me"); !errors.Is(err, ErrNotFound) {
		t.Errorf("name still resolves for alice: %v", err)
	}

	// Name is free again.
	if err := s.CreateExperiment(ctx, testExperimentRow("exp-2", "alice", "reuse-me")); err != nil {
		t.Fatalf("reuse name: %v", err)
	}

	if err := s.SoftDeleteExperiment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestTransitionExperimentGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, testExperimentRow("exp-1", "alice", "t")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.TransitionExperiment(ctx, "exp-1", core.StatusCreated, core.StatusPreparing); err != nil {
		t.Fatalf("CREATED -> PREPARING: %v", err)
	}

	// Guard: the from status no longer matches.
	err := s.TransitionExperiment(ctx, "exp-1", core.StatusCreated, core.StatusReady)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected guard rejection, got %v", err)
	}

	got, err := s.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.StatusPreparing {
		t.Errorf("status = %s, want PREPARING", got.Status)
	}
}

func TestListExperimentsInStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"exp-1", "exp-2", "exp-3"} {
		row := testExperimentRow(id, "alice", id)
		row.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.CreateExperiment(ctx, row); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.TransitionExperiment(ctx, "exp-2", core.StatusCreated, core.StatusPreparing); err != nil {
		t.Fatalf("transition: %v", err)
	}

	preparing, err := s.ListExperimentsInStatus(ctx, core.StatusPreparing)
	if err != nil {
		t.Fatalf("list preparing: %v", err)
	}
	if len(preparing) != 1 || preparing[0].ID != "exp-2" {
		t.Fatalf("preparing = %+v", preparing)
	}

	both, err := s.ListExperimentsInStatus(ctx, core.StatusCreated, core.StatusPreparing)
	if err != nil {
		t.Fatalf("list both: %v", err)
	}
	if len(both) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(both))
	}
	// Oldest first for the poll loop.
	if both[0].ID != "exp-1" {
		t.Errorf("expected oldest first, got %s", both[0].ID)
	}

	none, err := s.ListExperimentsInStatus(ctx)
	if err != nil || none != nil {
		t.Errorf("empty status list should be a no-op, got %v %v", none, err)
	}
}

func TestExecutionResultsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, testExperimentRow("exp-1", "alice", "r")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Blobs must come back byte-identical: JSON with its original
	// whitespace, and bytes that are not JSON at all.
	results := []core.DeploymentExecutionResult{
		{Node: core.Node{Name: "node-1", Connector: "dummy"}, ExecutorID: "e1", Result: []byte(`{ "ok": true,  "results": {} }`)},
		{Node: core.Node{Name: "node-2", Connector: "dummy"}, ExecutorID: "e2", Error: "keepalive timeout"},
		{Node: core.Node{Name: "node-3", Connector: "dummy"}, ExecutorID: "e3", Result: []byte("pcap\x00\x01binary")},
	}
	if err := s.SetExecutionResults(ctx, "exp-1", results); err != nil {
		t.Fatalf("set results: %v", err)
	}

	got, err := s.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.ExecutionResults) != 3 {
		t.Fatalf("results = %+v", got.ExecutionResults)
	}
	if string(got.ExecutionResults[0].Result) != `{ "ok": true,  "results": {} }` {
		t.Errorf("result blob altered: %s", got.ExecutionResults[0].Result)
	}
	if got.ExecutionResults[1].Error != "keepalive timeout" {
		t.Errorf("error = %q", got.ExecutionResults[1].Error)
	}
	if string(got.ExecutionResults[2].Result) != "pcap\x00\x01binary" {
		t.Errorf("non-JSON blob altered: %q", got.ExecutionResults[2].Result)
	}
}

func TestStartedAtAndCleaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, testExperimentRow("exp-1", "alice", "s")); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetExperimentStarted(ctx, "exp-1", at); err != nil {
		t.Fatalf("set started: %v", err)
	}
	if err := s.MarkExperimentCleaned(ctx, "exp-1"); err != nil {
		t.Fatalf("mark cleaned: %v", err)
	}

	got, err := s.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(at) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, at)
	}
	if !got.Cleaned {
		t.Errorf("expected cleaned flag set")
	}
}
