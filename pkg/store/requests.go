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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ansible/eda-server-sub000/pkg/model"
)

// EnqueueRequest appends a lifecycle request to the activation's FIFO queue.
// A positive delay defers visibility; restart scheduling uses this instead of
// in-process timers so queued restarts survive worker restarts.
func (s *Store) EnqueueRequest(ctx context.Context, parentType model.ProcessParentType, parentID int64, kind model.RequestKind, requestID string, delay time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activation_request_queue
		        (request, process_parent_id, process_parent_type, request_id, available_at)
		 VALUES ($1, $2, $3, $4, now() + $5::interval)`,
		kind, parentID, parentType, requestID, fmt.Sprintf("%f seconds", delay.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s %d: %w", kind, parentType, parentID, err)
	}
	return nil
}

// PendingParents returns the distinct parent ids that have requests ready to
// dispatch and are either pinned to the given worker queue, not pinned to any
// queue yet (first start), or pinned to a queue that has not reported
// liveness since staleBefore. The stale case is what lets a live worker pick
// up a force restart for an activation stranded on a dead worker; the restart
// then repins the process to the claiming worker's queue.
func (s *Store) PendingParents(ctx context.Context, queueName string, staleBefore time.Time) ([]int64, error) {
	var out []int64
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT r.process_parent_id
		   FROM activation_request_queue r
		   LEFT JOIN activations a
		          ON a.id = r.process_parent_id AND r.process_parent_type = 'activation'
		   LEFT JOIN rulebook_process_queues q ON q.process_id = a.latest_process_id
		   LEFT JOIN worker_queues w ON w.name = q.queue_name
		  WHERE r.available_at <= now()
		    AND (q.queue_name = $1 OR q.queue_name IS NULL
		         OR w.last_seen_at IS NULL OR w.last_seen_at < $2)
		  ORDER BY r.process_parent_id`,
		queueName, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending request parents: %w", err)
	}
	return out, nil
}

// FetchRequests returns the parent's ready requests in insertion order,
// locking the rows so concurrent workers skip the same parent.
func FetchRequestsTx(ctx context.Context, tx *sqlx.Tx, parentType model.ProcessParentType, parentID int64) ([]model.QueuedRequest, error) {
	var out []model.QueuedRequest
	err := tx.SelectContext(ctx, &out,
		`SELECT * FROM activation_request_queue
		  WHERE process_parent_type = $1 AND process_parent_id = $2 AND available_at <= now()
		  ORDER BY id
		    FOR UPDATE SKIP LOCKED`,
		parentType, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch requests for %s %d: %w", parentType, parentID, err)
	}
	return out, nil
}

// DeleteRequestsTx removes processed or coalesced-away rows.
func DeleteRequestsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM activation_request_queue WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete request rows: %w", err)
	}
	return nil
}

// CancelScheduledStarts drops queued auto_start requests for the parent.
// Called by stop and delete so a canceled activation does not come back.
func (s *Store) CancelScheduledStarts(ctx context.Context, parentType model.ProcessParentType, parentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM activation_request_queue
		  WHERE process_parent_type = $1 AND process_parent_id = $2 AND request = $3`,
		parentType, parentID, model.RequestAutoStart)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled starts for %s %d: %w", parentType, parentID, err)
	}
	return nil
}

// DeleteAllRequests drops every queued request for the parent.
func (s *Store) DeleteAllRequests(ctx context.Context, parentType model.ProcessParentType, parentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM activation_request_queue
		  WHERE process_parent_type = $1 AND process_parent_id = $2`,
		parentType, parentID)
	if err != nil {
		return fmt.Errorf("failed to drop requests for %s %d: %w", parentType, parentID, err)
	}
	return nil
}

// HasPendingRequestOfKind reports whether a request of the given kind (ready
// or delayed) exists for the parent. Enqueue paths use it to avoid stacking
// duplicate monitors and auto starts.
func (s *Store) HasPendingRequestOfKind(ctx context.Context, parentType model.ProcessParentType, parentID int64, kind model.RequestKind) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM activation_request_queue
		  WHERE process_parent_type = $1 AND process_parent_id = $2 AND request = $3`,
		parentType, parentID, kind)
	if err != nil {
		return false, fmt.Errorf("failed to check pending %s for %s %d: %w", kind, parentType, parentID, err)
	}
	return count > 0, nil
}

// HasPendingRequest reports whether any request (ready or delayed) exists for
// the parent. The monitor uses this to avoid double-enqueueing auto starts
// for pending activations.
func (s *Store) HasPendingRequest(ctx context.Context, parentType model.ProcessParentType, parentID int64) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM activation_request_queue
		  WHERE process_parent_type = $1 AND process_parent_id = $2`,
		parentType, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to check pending requests for %s %d: %w", parentType, parentID, err)
	}
	return count > 0, nil
}
