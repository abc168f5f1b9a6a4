// ABOUTME: Tests for compilation records: idempotent inserts, claim semantics, round-robin pick order.
// ABOUTME: Claiming flips the status exactly once even when the same row is claimed twice.
package store

import (
	"context"
	"testing"
	"time"

	"github.com/2389-research/unicorn/core"
)

func testCompilation(expID, compID string, createdAt time.Time) CompilationRow {
	return CompilationRow{
		ExperimentID:  expID,
		CompilationID: compID,
		Architecture:  core.ArchLinuxAMD64,
		Pipeline:      []byte(`{"id":"p1","stages":[]}`),
		Environment:   core.DockerImage("ubuntu:22.04"),
		CreatedAt:     createdAt,
	}
}

func TestEnsureCompilationIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := testCompilation("exp-a", "fp-1", time.Now())
	if err := s.EnsureCompilation(ctx, row); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// Same fingerprint again: shared, not duplicated.
	if err := s.EnsureCompilation(ctx, row); err != nil {
		t.Fatalf("ensure again: %v", err)
	}

	all, err := s.CompilationsForExperiment(ctx, "exp-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 compilation, got %d", len(all))
	}
}

func TestClaimCompilationMarksRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureCompilation(ctx, testCompilation("exp-a", "fp-1", time.Now())); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	c, err := s.ClaimCompilation(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c == nil {
		t.Fatal("expected a claimed compilation")
	}
	if c.Status != CompilationRunning {
		t.Errorf("status = %q, want running", c.Status)
	}
	if c.Environment.Image != "ubuntu:22.04" {
		t.Errorf("environment not round-tripped: %+v", c.Environment)
	}

	// Nothing else is pending.
	c2, err := s.ClaimCompilation(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if c2 != nil {
		t.Fatalf("claimed an already-running compilation: %+v", c2)
	}
}

func TestClaimCompilationRoundRobinsExperiments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three experiments with two pending builds each, created in
	// experiment order. A fair cycle must visit every experiment once
	// before coming back, not ping-pong between the two oldest.
	base := time.Now()
	for i, expID := range []string{"exp-a", "exp-b", "exp-c"} {
		for j, compID := range []string{"fp-1", "fp-2"} {
			at := base.Add(time.Duration(i*2+j) * time.Second)
			if err := s.EnsureCompilation(ctx, testCompilation(expID, compID, at)); err != nil {
				t.Fatalf("ensure %s/%s: %v", expID, compID, err)
			}
		}
	}

	want := []string{"exp-a", "exp-b", "exp-c", "exp-a", "exp-b", "exp-c"}
	for i, exp := range want {
		c, err := s.ClaimCompilation(ctx)
		if err != nil || c == nil {
			t.Fatalf("claim %d: %v %v", i, c, err)
		}
		if c.ExperimentID != exp {
			t.Fatalf("claim %d = %s, want %s", i, c.ExperimentID, exp)
		}
	}

	// Queue drained.
	c, err := s.ClaimCompilation(ctx)
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if c != nil {
		t.Fatalf("claimed from an empty queue: %+v", c)
	}
}

func TestRecordCompilationResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureCompilation(ctx, testCompilation("exp-a", "fp-1", time.Now())); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.ClaimCompilation(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RecordCompilationResult(ctx, "exp-a", "fp-1", false, "docker build failed: exit 1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := s.CompilationsForExperiment(ctx, "exp-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	c := all["fp-1"]
	if c.Status != CompilationFailed {
		t.Errorf("status = %q, want failed", c.Status)
	}
	if !c.Terminal() {
		t.Errorf("failed compilation should be terminal")
	}
	if c.Result != "docker build failed: exit 1" {
		t.Errorf("result = %q", c.Result)
	}
}
