/*
Copyright 2024 The EDA Server Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ansible/eda-server-sub000/pkg/model"
)

// GetActivation returns a fresh copy of the activation.
func (s *Store) GetActivation(ctx context.Context, id int64) (*model.Activation, error) {
	var a model.Activation
	err := s.db.GetContext(ctx, &a, `SELECT * FROM activations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activation %d: %w", id, err)
	}
	return &a, nil
}

// WithActivationLock runs fn holding a row lock on the activation. The lock
// is scoped to the transaction; callers must keep fn short and must not call
// the container engine while inside it.
func (s *Store) WithActivationLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, a *model.Activation) error) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		var a model.Activation
		err := tx.GetContext(ctx, &a, `SELECT * FROM activations WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("activation %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock activation %d: %w", id, err)
		}
		return fn(tx, &a)
	})
}

// UpdateActivationStatusTx writes status fields under an already-held row
// lock. Only the status manager calls this.
func UpdateActivationStatusTx(ctx context.Context, tx *sqlx.Tx, id int64, status model.Status, message string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE activations
		    SET status = $2, status_message = $3, status_updated_at = now(), modified_at = now()
		  WHERE id = $1`,
		id, status, message)
	if err != nil {
		return fmt.Errorf("failed to update activation %d status: %w", id, err)
	}
	return nil
}

// ClearCurrentJobTx clears current_job_id, used when an activation leaves a
// running state.
func ClearCurrentJobTx(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE activations SET current_job_id = NULL WHERE id = $1`, id)
	return err
}

// SetLatestProcess points the activation at its newest process.
func (s *Store) SetLatestProcess(ctx context.Context, activationID, processID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activations SET latest_process_id = $2, modified_at = now() WHERE id = $1`,
		activationID, processID)
	if err != nil {
		return fmt.Errorf("failed to set latest process on activation %d: %w", activationID, err)
	}
	return nil
}

// IncrementRestartCount bumps restart_count after a policy-driven restart.
func (s *Store) IncrementRestartCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activations SET restart_count = restart_count + 1, modified_at = now() WHERE id = $1`, id)
	return err
}

// IncrementFailureCount bumps failure_count and returns the new value.
func (s *Store) IncrementFailureCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`UPDATE activations SET failure_count = failure_count + 1, modified_at = now()
		  WHERE id = $1 RETURNING failure_count`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment failure count on activation %d: %w", id, err)
	}
	return count, nil
}

// ResetFailureCount zeroes failure_count; called exactly when a process
// transitions from starting to running.
func (s *Store) ResetFailureCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activations SET failure_count = 0, modified_at = now() WHERE id = $1`, id)
	return err
}

// DeleteActivation removes the row; processes, logs and audit records go
// with it via ON DELETE CASCADE.
func (s *Store) DeleteActivation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete activation %d: %w", id, err)
	}
	return nil
}

// ListActivationsByStatus returns activations currently in any of the given
// statuses. The monitor loop drives reconciliation off this.
func (s *Store) ListActivationsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Activation, error) {
	query, args, err := sqlx.In(`SELECT * FROM activations WHERE status IN (?) ORDER BY id`, statuses)
	if err != nil {
		return nil, err
	}
	var out []model.Activation
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list activations by status: %w", err)
	}
	return out, nil
}

// MergeRulesetStats merges per-ruleset statistics from a heartbeat into
// ruleset_stats and stamps the latest process updated_at with the reported
// time. The websocket endpoint is the only caller.
func (s *Store) MergeRulesetStats(ctx context.Context, activationID int64, stats model.JSONMap, reportedAt time.Time) error {
	raw, err := stats.Value()
	if err != nil {
		return err
	}
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE activations SET ruleset_stats = ruleset_stats || $2::jsonb, modified_at = now() WHERE id = $1`,
			activationID, raw); err != nil {
			return fmt.Errorf("failed to merge ruleset stats for activation %d: %w", activationID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rulebook_processes SET updated_at = $2
			  WHERE id = (SELECT latest_process_id FROM activations WHERE id = $1)`,
			activationID, reportedAt); err != nil {
			return fmt.Errorf("failed to stamp heartbeat for activation %d: %w", activationID, err)
		}
		return nil
	})
}
