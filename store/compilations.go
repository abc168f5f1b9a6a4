// ABOUTME: Compilation work records shared across deployments by environment fingerprint.
// ABOUTME: Claiming flips status NULL -> running inside one transaction; pick order round-robins experiments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/unicorn/core"
)

// Compilation statuses. A NULL status column means pending.
const (
	CompilationRunning   = "running"
	CompilationSucceeded = "ok"
	CompilationFailed    = "failed"
)

// CompilationRow is one build work record. Status is "" while pending.
type CompilationRow struct {
	ExperimentID  string
	CompilationID string
	Status        string
	Result        string
	Architecture  string
	Pipeline      []byte
	Environment   core.EnvironmentDefinition
	CreatedAt     time.Time
}

// Terminal reports whether the compilation has a final outcome.
func (c CompilationRow) Terminal() bool {
	return c.Status == CompilationSucceeded || c.Status == CompilationFailed
}

// EnsureCompilation inserts a pending compilation row if it does not
// already exist. Deployments sharing a fingerprint share the row.
func (s *Store) EnsureCompilation(ctx context.Context, row CompilationRow) error {
	env, err := json.Marshal(row.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO compilations (experiment_id, compilation_id, architecture, pipeline, environment_definition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id, compilation_id) DO NOTHING`,
		row.ExperimentID, row.CompilationID, row.Architecture, row.Pipeline, string(env), formatTime(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert compilation: %w", err)
	}
	return nil
}

// ClaimCompilation picks one pending compilation and marks it running,
// all inside one transaction. Selection round-robins across
// experiments: the experiment least recently claimed from goes first
// (never-served experiments before all served ones), creation order
// within one experiment. Every claim stamps a global sequence number
// that drives the next pick. Returns nil when nothing is pending.
func (s *Store) ClaimCompilation(ctx context.Context) (*CompilationRow, error) {
	var claimed *CompilationRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT c.experiment_id, c.compilation_id, c.architecture, c.pipeline, c.environment_definition, c.created_at
			 FROM compilations c
			 WHERE c.status IS NULL
			 ORDER BY (SELECT COALESCE(MAX(c2.claimed_seq), 0) FROM compilations c2
			           WHERE c2.experiment_id = c.experiment_id) ASC,
			          c.created_at ASC, c.rowid ASC
			 LIMIT 1`)
		c, err := scanCompilation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query pending compilation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE compilations
			 SET status = ?, claimed_seq = (SELECT COALESCE(MAX(claimed_seq), 0) + 1 FROM compilations)
			 WHERE experiment_id = ? AND compilation_id = ? AND status IS NULL`,
			CompilationRunning, c.ExperimentID, c.CompilationID); err != nil {
			return fmt.Errorf("claim compilation: %w", err)
		}
		c.Status = CompilationRunning
		claimed = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func scanCompilation(r rowScanner) (CompilationRow, error) {
	var (
		c         CompilationRow
		env       string
		createdAt string
	)
	if err := r.Scan(&c.ExperimentID, &c.CompilationID, &c.Architecture, &c.Pipeline, &env, &createdAt); err != nil {
		return CompilationRow{}, err
	}
	if err := json.Unmarshal([]byte(env), &c.Environment); err != nil {
		return CompilationRow{}, fmt.Errorf("decode environment definition: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return CompilationRow{}, fmt.Errorf("parse created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

// RecordCompilationResult writes the terminal outcome of a build.
func (s *Store) RecordCompilationResult(ctx context.Context, experimentID, compilationID string, ok bool, log string) error {
	status := CompilationFailed
	if ok {
		status = CompilationSucceeded
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE compilations SET status = ?, result = ?
		 WHERE experiment_id = ? AND compilation_id = ?`,
		status, log, experimentID, compilationID)
	if err != nil {
		return fmt.Errorf("record compilation result: %w", err)
	}
	return nil
}

// CompilationsForExperiment lists all compilation rows of an
// experiment with their statuses and result logs.
func (s *Store) CompilationsForExperiment(ctx context.Context, experimentID string) (map[string]CompilationRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT compilation_id, status, result, architecture, created_at
		 FROM compilations WHERE experiment_id = ?`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("query compilations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]CompilationRow)
	for rows.Next() {
		var (
			c         CompilationRow
			status    sql.NullString
			result    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.CompilationID, &status, &result, &c.Architecture, &createdAt); err != nil {
			return nil, fmt.Errorf("scan compilation row: %w", err)
		}
		c.ExperimentID = experimentID
		c.Status = status.String
		c.Result = result.String
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		c.CreatedAt = t
		out[c.CompilationID] = c
	}
	return out, rows.Err()
}
