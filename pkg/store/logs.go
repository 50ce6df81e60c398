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

	"github.com/jmoiron/sqlx"

	"github.com/ansible/eda-server-sub000/pkg/model"
)

// AppendProcessLogs inserts a batch of log lines and advances the process
// log cursor in one transaction. Rows stamped exactly at the new boundary are
// deleted first, so a crash between a previous cursor advance and insert
// cannot leave duplicates behind when the engine replays the overlap.
func (s *Store) AppendProcessLogs(ctx context.Context, processID int64, lines []model.ProcessLogLine, newReadAt int64) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		if len(lines) > 0 {
			boundary := lines[0].Timestamp
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM rulebook_process_logs WHERE process_id = $1 AND log_timestamp = $2`,
				processID, boundary); err != nil {
				return fmt.Errorf("failed to clear replayed log rows for process %d: %w", processID, err)
			}
			for _, l := range lines {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO rulebook_process_logs (process_id, log, log_timestamp) VALUES ($1, $2, $3)`,
					processID, l.Line, l.Timestamp); err != nil {
					return fmt.Errorf("failed to insert log line for process %d: %w", processID, err)
				}
			}
		}
		if newReadAt > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE rulebook_processes SET log_read_at = $2 WHERE id = $1`,
				processID, newReadAt); err != nil {
				return fmt.Errorf("failed to advance log cursor for process %d: %w", processID, err)
			}
		}
		return nil
	})
}

// ListProcessLogs returns the process log lines ordered by timestamp then
// insertion order.
func (s *Store) ListProcessLogs(ctx context.Context, processID int64) ([]model.ProcessLogLine, error) {
	var out []model.ProcessLogLine
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM rulebook_process_logs WHERE process_id = $1 ORDER BY log_timestamp, id`,
		processID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs for process %d: %w", processID, err)
	}
	return out, nil
}
