// ABOUTME: Node lock table: exclusive claims of (node, connector) pairs by one experiment.
// ABOUTME: ClaimLocks is all-or-nothing inside one transaction and reports the exact conflicts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LockKey identifies a lockable node.
type LockKey struct {
	NodeName  string `json:"node_name"`
	Connector string `json:"connector"`
}

// Lock is a held lock row.
type Lock struct {
	LockKey
	Username     string
	ExperimentID string
}

// ClaimLocks atomically claims every key for the experiment. If any
// key is held by a different experiment, nothing is claimed and the
// conflicting keys are returned. Re-claiming keys already held by the
// same experiment is a no-op.
func (s *Store) ClaimLocks(ctx context.Context, username, experimentID string, keys []LockKey) ([]LockKey, error) {
	var conflicts []LockKey
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			var holder string
			err := tx.QueryRowContext(ctx,
				"SELECT experiment_id FROM locks WHERE node_name = ? AND connector = ?",
				key.NodeName, key.Connector).Scan(&holder)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("query lock %s/%s: %w", key.Connector, key.NodeName, err)
			case holder != experimentID:
				conflicts = append(conflicts, key)
			}
		}
		if len(conflicts) > 0 {
			return errLockConflict
		}
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO locks (node_name, connector, username, experiment_id)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(node_name, connector) DO NOTHING`,
				key.NodeName, key.Connector, username, experimentID); err != nil {
				return fmt.Errorf("insert lock %s/%s: %w", key.Connector, key.NodeName, err)
			}
		}
		return nil
	})
	if errors.Is(err, errLockConflict) {
		return conflicts, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

var errLockConflict = errors.New("lock conflict")

// ReleaseLocks removes every lock held by the experiment.
func (s *Store) ReleaseLocks(ctx context.Context, experimentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE experiment_id = ?", experimentID)
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}

// LocksForExperiment lists the locks the experiment currently holds.
func (s *Store) LocksForExperiment(ctx context.Context, experimentID string) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT node_name, connector, username, experiment_id FROM locks WHERE experiment_id = ?",
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.NodeName, &l.Connector, &l.Username, &l.ExperimentID); err != nil {
			return nil, fmt.Errorf("scan lock row: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
