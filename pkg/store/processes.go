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

// CreateProcess inserts a new process row in the given status and pins it to
// the worker queue, atomically.
func (s *Store) CreateProcess(ctx context.Context, p *model.RulebookProcess, queueName string) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id,
			`INSERT INTO rulebook_processes (activation_id, name, status, status_message, git_hash)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			p.ActivationID, p.Name, p.Status, p.StatusMessage, p.GitHash)
		if err != nil {
			return fmt.Errorf("failed to create process for activation %d: %w", p.ActivationID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rulebook_process_queues (process_id, queue_name) VALUES ($1, $2)`,
			id, queueName); err != nil {
			return fmt.Errorf("failed to pin process %d to queue %q: %w", id, queueName, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

// SetProcessName renames the process. Names embed the id the insert
// assigned, so they are written back after creation.
func (s *Store) SetProcessName(ctx context.Context, id int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rulebook_processes SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("failed to rename process %d: %w", id, err)
	}
	return nil
}

// GetProcess returns a fresh copy of the process.
func (s *Store) GetProcess(ctx context.Context, id int64) (*model.RulebookProcess, error) {
	var p model.RulebookProcess
	err := s.db.GetContext(ctx, &p, `SELECT * FROM rulebook_processes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process %d: %w", id, err)
	}
	return &p, nil
}

// ListProcesses returns every process of the activation, oldest first.
func (s *Store) ListProcesses(ctx context.Context, activationID int64) ([]model.RulebookProcess, error) {
	var out []model.RulebookProcess
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM rulebook_processes WHERE activation_id = $1 ORDER BY id`, activationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes for activation %d: %w", activationID, err)
	}
	return out, nil
}

// UpdateProcessStatusTx writes process status fields under the parent's row
// lock. Terminal transitions clear the engine handle and stamp ended_at,
// honoring the handle-ownership invariant. updated_at is left alone: only
// the heartbeat endpoint writes it, so status-only updates never reset the
// liveness clock.
func UpdateProcessStatusTx(ctx context.Context, tx *sqlx.Tx, id int64, status model.Status, message string) error {
	var err error
	if status.IsTerminal() {
		_, err = tx.ExecContext(ctx,
			`UPDATE rulebook_processes
			    SET status = $2, status_message = $3, ended_at = now(),
			        activation_pod_id = NULL
			  WHERE id = $1`,
			id, status, message)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE rulebook_processes
			    SET status = $2, status_message = $3
			  WHERE id = $1`,
			id, status, message)
	}
	if err != nil {
		return fmt.Errorf("failed to update process %d status: %w", id, err)
	}
	return nil
}

// SetProcessPodID stores the engine-assigned handle and stamps started_at.
func (s *Store) SetProcessPodID(ctx context.Context, id int64, podID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rulebook_processes SET activation_pod_id = $2, started_at = $3, updated_at = NULL WHERE id = $1`,
		id, podID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to set pod id on process %d: %w", id, err)
	}
	return nil
}

// SetProcessLogReadAt advances the monotonic log cursor (epoch milliseconds).
func (s *Store) SetProcessLogReadAt(ctx context.Context, id int64, readAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rulebook_processes SET log_read_at = $2 WHERE id = $1`, id, readAt)
	return err
}

// ProcessQueueName returns the worker queue the process is pinned to.
func (s *Store) ProcessQueueName(ctx context.Context, processID int64) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name,
		`SELECT queue_name FROM rulebook_process_queues WHERE process_id = $1`, processID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("process %d queue pin: %w", processID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get queue for process %d: %w", processID, err)
	}
	return name, nil
}

// RepinProcessQueue moves the pin to another queue. Used by force restarts
// while the original queue is offline.
func (s *Store) RepinProcessQueue(ctx context.Context, processID int64, queueName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rulebook_process_queues SET queue_name = $2 WHERE process_id = $1`, processID, queueName)
	return err
}

// CountRunningOnQueue counts processes in starting or running pinned to the
// queue. Admission control compares this against the per-worker cap; the
// count always comes from the database, never from worker memory.
func (s *Store) CountRunningOnQueue(ctx context.Context, queueName string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM rulebook_processes p
		   JOIN rulebook_process_queues q ON q.process_id = p.id
		  WHERE q.queue_name = $1 AND p.status IN ('starting', 'running')`,
		queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to count running processes on queue %q: %w", queueName, err)
	}
	return count, nil
}

// ProcessesOnStaleQueues returns non-terminal processes pinned to queues that
// have not reported liveness since the cutoff.
func (s *Store) ProcessesOnStaleQueues(ctx context.Context, cutoff time.Time) ([]model.RulebookProcess, error) {
	var out []model.RulebookProcess
	err := s.db.SelectContext(ctx, &out,
		`SELECT p.* FROM rulebook_processes p
		   JOIN rulebook_process_queues q ON q.process_id = p.id
		   JOIN worker_queues w ON w.name = q.queue_name
		  WHERE w.last_seen_at < $1
		    AND p.status NOT IN ('stopped', 'completed', 'failed', 'error')`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes on stale queues: %w", err)
	}
	return out, nil
}
