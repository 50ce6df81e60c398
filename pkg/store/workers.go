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
)

// TouchWorkerQueue records that a worker on the named queue is alive.
func (s *Store) TouchWorkerQueue(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_queues (name, last_seen_at) VALUES ($1, now())
		 ON CONFLICT (name) DO UPDATE SET last_seen_at = now()`,
		name)
	if err != nil {
		return fmt.Errorf("failed to touch worker queue %q: %w", name, err)
	}
	return nil
}

// StaleWorkerQueues returns queue names whose last liveness report is older
// than the cutoff.
func (s *Store) StaleWorkerQueues(ctx context.Context, cutoff time.Time) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT name FROM worker_queues WHERE last_seen_at < $1 ORDER BY name`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale worker queues: %w", err)
	}
	return out, nil
}
