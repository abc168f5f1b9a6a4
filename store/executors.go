// ABOUTME: Executor rows created at start and driven by the gateway (heartbeats, results) and processor.
// ABOUTME: Result submission is idempotent: the first final result wins, later posts are ignored.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/unicorn/core"
)

// ExecutorRow is the persisted state of one executor agent.
type ExecutorRow struct {
	ExperimentID string
	ExecutorID   string
	NodeName     string
	Connector    string
	Pipeline     []byte
	Result       []byte
	Keepalive    *time.Time
	Error        string
	Finished     bool
	State        core.ExecutorState
}

// CreateExecutor inserts a new executor row.
func (s *Store) CreateExecutor(ctx context.Context, row ExecutorRow) error {
	state := row.State
	if state == "" {
		state = core.ExecutorLookingForPipeline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executors (experiment_id, executor_id, node_name, connector, pipeline, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.ExperimentID, row.ExecutorID, row.NodeName, row.Connector, row.Pipeline, string(state))
	if err != nil {
		return fmt.Errorf("insert executor: %w", err)
	}
	return nil
}

// GetExecutor fetches one executor row by its globally unique id.
func (s *Store) GetExecutor(ctx context.Context, executorID string) (ExecutorRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT experiment_id, executor_id, node_name, connector, pipeline, result, keepalive, error, finished, state
		 FROM executors WHERE executor_id = ?`,
		executorID)
	e, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutorRow{}, ErrNotFound
	}
	if err != nil {
		return ExecutorRow{}, fmt.Errorf("query executor: %w", err)
	}
	return e, nil
}

func scanExecutor(r rowScanner) (ExecutorRow, error) {
	var (
		e         ExecutorRow
		keepalive sql.NullString
		errText   sql.NullString
		finished  int
		state     string
	)
	if err := r.Scan(&e.ExperimentID, &e.ExecutorID, &e.NodeName, &e.Connector,
		&e.Pipeline, &e.Result, &keepalive, &errText, &finished, &state); err != nil {
		return ExecutorRow{}, err
	}
	e.Error = errText.String
	e.Finished = finished != 0
	e.State = core.ExecutorState(state)
	if keepalive.Valid {
		t, err := parseTime(keepalive.String)
		if err != nil {
			return ExecutorRow{}, fmt.Errorf("parse keepalive: %w", err)
		}
		e.Keepalive = &t
	}
	return e, nil
}

// Heartbeat stamps the executor's keepalive time and, when non-empty,
// its piggybacked state. Returns ErrNotFound for unknown executors.
func (s *Store) Heartbeat(ctx context.Context, executorID string, state core.ExecutorState, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if state != "" {
		res, err = s.db.ExecContext(ctx,
			"UPDATE executors SET keepalive = ?, state = ? WHERE executor_id = ? AND finished = 0",
			formatTime(at), string(state), executorID)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE executors SET keepalive = ? WHERE executor_id = ? AND finished = 0",
			formatTime(at), executorID)
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n == 0 {
		// Either unknown or already finished; check which.
		if _, getErr := s.GetExecutor(ctx, executorID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SetExecutorResult writes the final result blob and marks the
// executor finished. Idempotent: only the first submission applies.
// Reports whether this call was the one that applied.
func (s *Store) SetExecutorResult(ctx context.Context, executorID string, result []byte, state core.ExecutorState) (bool, error) {
	if state == "" {
		state = core.ExecutorFinished
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executors SET result = ?, finished = 1, state = ?
		 WHERE executor_id = ? AND finished = 0`,
		result, string(state), executorID)
	if err != nil {
		return false, fmt.Errorf("set executor result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set executor result: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetExecutor(ctx, executorID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// FinishExecutor marks an executor terminal with a platform-level
// error (liveness miss, not prepared, cancelled). First writer wins.
func (s *Store) FinishExecutor(ctx context.Context, experimentID, executorID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executors SET error = ?, finished = 1, state = ?
		 WHERE experiment_id = ? AND executor_id = ? AND finished = 0`,
		message, string(core.ExecutorFailed), experimentID, executorID)
	if err != nil {
		return fmt.Errorf("finish executor: %w", err)
	}
	return nil
}

// ExecutorsForExperiment lists all executor rows of an experiment.
func (s *Store) ExecutorsForExperiment(ctx context.Context, experimentID string) ([]ExecutorRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, executor_id, node_name, connector, pipeline, result, keepalive, error, finished, state
		 FROM executors WHERE experiment_id = ?`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("query executors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutorRow
	for rows.Next() {
		e, err := scanExecutor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan executor row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
