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

// CreateJobInstance records a job announced by the rulebook worker and links
// it to the current process. The activation's current_job_id tracks it.
func (s *Store) CreateJobInstance(ctx context.Context, activationID int64, job *model.JobInstance) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id,
			`INSERT INTO job_instances (uuid, process_id, name, action, ruleset, hosts)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (uuid) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id`,
			job.UUID, job.ProcessID, job.Name, job.Action, job.Ruleset, job.Hosts)
		if err != nil {
			return fmt.Errorf("failed to create job instance %s: %w", job.UUID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE activations SET current_job_id = $2 WHERE id = $1`,
			activationID, job.UUID); err != nil {
			return fmt.Errorf("failed to set current job on activation %d: %w", activationID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	job.ID = id
	return id, nil
}

// JobInstanceIDByUUID resolves a job instance id from the worker-assigned
// uuid.
func (s *Store) JobInstanceIDByUUID(ctx context.Context, uuid string) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT id FROM job_instances WHERE uuid = $1`, uuid); err != nil {
		return 0, fmt.Errorf("failed to resolve job instance %s: %w", uuid, err)
	}
	return id, nil
}

// AppendAnsibleEvent stores one event emitted by a running job.
func (s *Store) AppendAnsibleEvent(ctx context.Context, ev *model.AnsibleEvent) error {
	payload, err := ev.Payload.Value()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ansible_events (job_instance_id, counter, event, payload) VALUES ($1, $2, $3, $4)`,
		ev.JobInstanceID, ev.Counter, ev.Event, payload)
	if err != nil {
		return fmt.Errorf("failed to append ansible event: %w", err)
	}
	return nil
}

// RecordAuditAction persists a rule firing: the rule row (created once per
// process and rule uuid), the action keyed by its uuid, and the matching
// events. Replays of the same action uuid are absorbed by upserts.
func (s *Store) RecordAuditAction(ctx context.Context, rule *model.AuditRule, action *model.AuditAction, events []model.AuditEvent) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &rule.ID,
			`INSERT INTO audit_rules (name, status, activation_id, process_id, ruleset, rule_uuid, ruleset_uuid, fired_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (process_id, rule_uuid) DO UPDATE SET status = EXCLUDED.status, fired_at = EXCLUDED.fired_at
			 RETURNING id`,
			rule.Name, rule.Status, rule.ActivationID, rule.ProcessID, rule.Ruleset, rule.RuleUUID, rule.RulesetUUID, rule.FiredAt)
		if err != nil {
			return fmt.Errorf("failed to upsert audit rule %q: %w", rule.Name, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_actions (uuid, audit_rule_id, name, status, url, fired_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (uuid) DO UPDATE SET status = EXCLUDED.status, url = EXCLUDED.url`,
			action.UUID, rule.ID, action.Name, action.Status, action.URL, action.FiredAt); err != nil {
			return fmt.Errorf("failed to upsert audit action %s: %w", action.UUID, err)
		}

		for _, ev := range events {
			payload, err := ev.Payload.Value()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO audit_events (uuid, audit_action_uuid, source_name, source_type, payload, received_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (uuid) DO NOTHING`,
				ev.UUID, action.UUID, ev.SourceName, ev.SourceType, payload, ev.ReceivedAt); err != nil {
				return fmt.Errorf("failed to insert audit event %s: %w", ev.UUID, err)
			}
		}
		return nil
	})
}
