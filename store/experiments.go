// ABOUTME: Experiment row persistence: lifecycle status, serialized deployment data, results snapshot.
// ABOUTME: Names are unique per user among non-deleted rows; deletion rewrites the username (soft delete).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/unicorn/core"
)

// ExperimentRow is the persisted form of an experiment: the submitted
// bundle plus lifecycle bookkeeping owned by the director.
type ExperimentRow struct {
	ID               string
	Username         string
	Name             string
	Status           core.ExperimentStatus
	Experiment       *core.Experiment
	Error            string
	ExecutionResults []core.DeploymentExecutionResult
	CreatedAt        time.Time
	StartedAt        *time.Time
	Cleaned          bool
}

// CreateExperiment persists a new experiment in CREATED status.
// Returns ErrDuplicateName when the user already has a non-deleted
// experiment with the same name.
func (s *Store) CreateExperiment(ctx context.Context, row ExperimentRow) error {
	data, err := json.Marshal(row.Experiment)
	if err != nil {
		return fmt.Errorf("marshal experiment data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (experiment_id, username, experiment_name, status, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.Username, row.Name, string(row.Status), string(data), formatTime(row.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateName
		}
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

// GetExperiment fetches one experiment by id.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (ExperimentRow, error) {
	return s.queryExperiment(ctx,
		"WHERE experiment_id = ?", experimentID)
}

// GetExperimentByName fetches one experiment by owner and name.
func (s *Store) GetExperimentByName(ctx context.Context, username, name string) (ExperimentRow, error) {
	return s.queryExperiment(ctx,
		"WHERE username = ? AND experiment_name = ?", username, name)
}

const experimentColumns = `experiment_id, username, experiment_name, status, data,
	error, execution_results, created_at, started_at, cleaned`

func (s *Store) queryExperiment(ctx context.Context, where string, args ...any) (ExperimentRow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+experimentColumns+" FROM experiments "+where, args...)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExperimentRow{}, ErrNotFound
	}
	if err != nil {
		return ExperimentRow{}, fmt.Errorf("query experiment: %w", err)
	}
	return exp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(r rowScanner) (ExperimentRow, error) {
	var (
		exp       ExperimentRow
		status    string
		data      string
		errText   sql.NullString
		results   sql.NullString
		createdAt string
		startedAt sql.NullString
		cleaned   int
	)
	if err := r.Scan(&exp.ID, &exp.Username, &exp.Name, &status, &data,
		&errText, &results, &createdAt, &startedAt, &cleaned); err != nil {
		return ExperimentRow{}, err
	}
	exp.Status = core.ExperimentStatus(status)
	exp.Error = errText.String
	exp.Cleaned = cleaned != 0

	if err := json.Unmarshal([]byte(data), &exp.Experiment); err != nil {
		return ExperimentRow{}, fmt.Errorf("decode experiment data: %w", err)
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &exp.ExecutionResults); err != nil {
			return ExperimentRow{}, fmt.Errorf("decode execution results: %w", err)
		}
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return ExperimentRow{}, fmt.Errorf("parse created_at: %w", err)
	}
	exp.CreatedAt = t
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return ExperimentRow{}, fmt.Errorf("parse started_at: %w", err)
		}
		exp.StartedAt = &t
	}
	return exp, nil
}

// ListExperiments returns all experiments owned by a user, newest first.
func (s *Store) ListExperiments(ctx context.Context, username string) ([]ExperimentRow, error) {
	return s.listExperiments(ctx,
		"WHERE username = ? ORDER BY created_at DESC", username)
}

// ListExperimentsInStatus returns all experiments in any of the given
// statuses, oldest first, for the processor's poll.
func (s *Store) ListExperimentsInStatus(ctx context.Context, statuses ...core.ExperimentStatus) ([]ExperimentRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.listExperiments(ctx,
		"WHERE status IN ("+placeholders+") ORDER BY created_at ASC", args...)
}

func (s *Store) listExperiments(ctx context.Context, where string, args ...any) ([]ExperimentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+experimentColumns+" FROM experiments "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExperimentRow
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment row: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// TransitionExperiment moves an experiment between statuses, guarded by
// the expected current status so concurrent transitions cannot race.
// Returns ErrNotFound when the experiment is not in the from status.
func (s *Store) TransitionExperiment(ctx context.Context, experimentID string, from, to core.ExperimentStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET status = ? WHERE experiment_id = ? AND status = ?",
		string(to), experimentID, string(from))
	if err != nil {
		return fmt.Errorf("transition experiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition experiment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExperimentData rewrites the serialized experiment bundle
// (prepared flags, executor ids, per-deployment errors).
func (s *Store) UpdateExperimentData(ctx context.Context, experimentID string, exp *core.Experiment) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal experiment data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE experiments SET data = ? WHERE experiment_id = ?",
		string(data), experimentID)
	if err != nil {
		return fmt.Errorf("update experiment data: %w", err)
	}
	return nil
}

// SetExperimentError records an experiment-level error message.
func (s *Store) SetExperimentError(ctx context.Context, experimentID, message string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET error = ? WHERE experiment_id = ?",
		message, experimentID)
	if err != nil {
		return fmt.Errorf("set experiment error: %w", err)
	}
	return nil
}

// SetExperimentStarted stamps the start time.
func (s *Store) SetExperimentStarted(ctx context.Context, experimentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET started_at = ? WHERE experiment_id = ?",
		formatTime(at), experimentID)
	if err != nil {
		return fmt.Errorf("set experiment started: %w", err)
	}
	return nil
}

// SetExecutionResults snapshots the per-deployment results.
func (s *Store) SetExecutionResults(ctx context.Context, experimentID string, results []core.DeploymentExecutionResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal execution results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE experiments SET execution_results = ? WHERE experiment_id = ?",
		string(data), experimentID)
	if err != nil {
		return fmt.Errorf("set execution results: %w", err)
	}
	return nil
}

// MarkExperimentCleaned records that connector cleanup ran.
func (s *Store) MarkExperimentCleaned(ctx context.Context, experimentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET cleaned = 1 WHERE experiment_id = ?", experimentID)
	if err != nil {
		return fmt.Errorf("mark experiment cleaned: %w", err)
	}
	return nil
}

// SoftDeleteExperiment rewrites the owning username to a deleted
// placeholder, freeing the (username, name) pair for reuse while
// keeping the row for audit.
func (s *Store) SoftDeleteExperiment(ctx context.Context, experimentID string) error {
	deleted := "deleted_" + uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET username = ? WHERE experiment_id = ?",
		deleted, experimentID)
	if err != nil {
		return fmt.Errorf("soft delete experiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete experiment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
