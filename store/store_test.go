// ABOUTME: Shared test helpers for the store package.
// ABOUTME: Every test runs against a fresh in-memory SQLite database.
package store

import (
	"context"
	"testing"
	"time"

	"github.com/2389-research/unicorn/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testExperimentRow(id, username, name string) ExperimentRow {
	return ExperimentRow{
		ID:       id,
		Username: username,
		Name:     name,
		Status:   core.StatusCreated,
		Experiment: &core.Experiment{
			ID:   id,
			Name: name,
			Deployments: []core.Deployment{
				{
					Node:     core.Node{Name: "node-1", Connector: "dummy"},
					Pipeline: []byte(`{"id":"p1","stages":[]}`),
				},
			},
		},
		CreatedAt: time.Now(),
	}
}

func TestOpenAndPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestGetUserUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser(context.Background(), "nobody"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := HashPassword("hunter2")
	if err := s.UpsertUser(ctx, "alice", hash, false, []string{"lab", "wifi"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.PasswordHash != hash {
		t.Errorf("password hash mismatch")
	}
	if u.Sudo {
		t.Errorf("expected non-sudo user")
	}
	if len(u.AccessTags) != 2 || u.AccessTags[0] != "lab" || u.AccessTags[1] != "wifi" {
		t.Errorf("access tags = %v", u.AccessTags)
	}

	// Upsert replaces the row.
	if err := s.UpsertUser(ctx, "alice", hash, true, nil); err != nil {
		t.Fatalf("upsert user again: %v", err)
	}
	u, err = s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user after upsert: %v", err)
	}
	if !u.Sudo {
		t.Errorf("expected sudo after upsert")
	}
	if len(u.AccessTags) != 0 {
		t.Errorf("expected no tags after upsert, got %v", u.AccessTags)
	}
}
