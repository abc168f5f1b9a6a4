// ABOUTME: Experiment flag table: small shared key-value cells for cross-executor synchronization.
// ABOUTME: Increment and decrement are atomic upserts; a fresh key starts at 1 or -1 respectively.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389-research/unicorn/core"
)

// FlagGet fetches the flag values for a key. Returns ErrNotFound when
// the key was never written.
func (s *Store) FlagGet(ctx context.Context, experimentID, key string) (core.FlagValues, error) {
	var (
		text sql.NullString
		num  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT text_value, int_value FROM flags WHERE experiment_id = ? AND key = ?",
		experimentID, key).Scan(&text, &num)
	if errors.Is(err, sql.ErrNoRows) {
		return core.FlagValues{}, ErrNotFound
	}
	if err != nil {
		return core.FlagValues{}, fmt.Errorf("query flag: %w", err)
	}
	values := core.FlagValues{IntValue: &num}
	if text.Valid {
		t := text.String
		values.TextValue = &t
	}
	return values, nil
}

// FlagSet writes the provided fields of a flag. A nil field leaves the
// stored value unchanged; at least one field must be set. Last writer
// wins per field.
func (s *Store) FlagSet(ctx context.Context, experimentID, key string, values core.FlagValues) error {
	if values.TextValue == nil && values.IntValue == nil {
		return errors.New("flag set: no values provided")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		switch {
		case values.TextValue != nil && values.IntValue != nil:
			_, err := tx.ExecContext(ctx,
				`INSERT INTO flags (experiment_id, key, text_value, int_value)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(experiment_id, key) DO UPDATE SET
					text_value = excluded.text_value,
					int_value = excluded.int_value`,
				experimentID, key, *values.TextValue, *values.IntValue)
			if err != nil {
				return fmt.Errorf("set flag: %w", err)
			}
		case values.TextValue != nil:
			_, err := tx.ExecContext(ctx,
				`INSERT INTO flags (experiment_id, key, text_value)
				 VALUES (?, ?, ?)
				 ON CONFLICT(experiment_id, key) DO UPDATE SET
					text_value = excluded.text_value`,
				experimentID, key, *values.TextValue)
			if err != nil {
				return fmt.Errorf("set flag: %w", err)
			}
		default:
			_, err := tx.ExecContext(ctx,
				`INSERT INTO flags (experiment_id, key, int_value)
				 VALUES (?, ?, ?)
				 ON CONFLICT(experiment_id, key) DO UPDATE SET
					int_value = excluded.int_value`,
				experimentID, key, *values.IntValue)
			if err != nil {
				return fmt.Errorf("set flag: %w", err)
			}
		}
		return nil
	})
}

// FlagIncrement atomically adds one to the flag's integer value,
// creating the row at 1 when the key is new.
func (s *Store) FlagIncrement(ctx context.Context, experimentID, key string) error {
	return s.flagAdd(ctx, experimentID, key, 1)
}

// FlagDecrement atomically subtracts one from the flag's integer
// value, creating the row at -1 when the key is new.
func (s *Store) FlagDecrement(ctx context.Context, experimentID, key string) error {
	return s.flagAdd(ctx, experimentID, key, -1)
}

func (s *Store) flagAdd(ctx context.Context, experimentID, key string, delta int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO flags (experiment_id, key, text_value, int_value)
			 VALUES (?, ?, NULL, ?)
			 ON CONFLICT(experiment_id, key) DO UPDATE SET
				int_value = flags.int_value + ?`,
			experimentID, key, delta, delta)
		if err != nil {
			return fmt.Errorf("adjust flag: %w", err)
		}
		return nil
	})
}
