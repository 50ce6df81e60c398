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

// Package statusmanager is the single writer of status fields on an
// activation and its latest process. Writes take the activation row lock for
// exactly one transaction, and transitions outside the allowed table are
// refused. The lifecycle has suspension points between reading and writing
// state; the lock is what keeps a monitor from overwriting an in-flight
// stop.
package statusmanager

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

// InvalidTransitions counts refused status writes. Registered by the daemon.
var InvalidTransitions = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "eda_status_invalid_transitions_total",
	Help: "Number of status writes refused by the transition table.",
})

// ErrInvalidTransition reports a write outside the allowed table.
type ErrInvalidTransition struct {
	From, To model.Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// allowed is the transition table. Writing the current status again is
// always permitted (message refresh) and not listed.
var allowed = map[model.Status][]model.Status{
	model.StatusPending: {
		model.StatusStarting, model.StatusStopping, model.StatusStopped, model.StatusDeleting,
		model.StatusError, model.StatusFailed, model.StatusWorkersOffline, model.StatusUnresponsive,
	},
	model.StatusStarting: {
		model.StatusRunning, model.StatusPending, model.StatusStopping, model.StatusStopped,
		model.StatusCompleted, model.StatusFailed, model.StatusError, model.StatusDeleting,
		model.StatusUnresponsive, model.StatusWorkersOffline,
	},
	model.StatusRunning: {
		// starting is reachable again when the container died externally and a
		// start request arrives before the next monitor pass.
		model.StatusStarting, model.StatusStopping, model.StatusStopped, model.StatusCompleted,
		model.StatusFailed, model.StatusError, model.StatusDeleting, model.StatusUnresponsive,
		model.StatusWorkersOffline, model.StatusPending,
	},
	model.StatusStopping: {
		model.StatusStopped, model.StatusFailed, model.StatusError, model.StatusDeleting,
		model.StatusWorkersOffline,
	},
	model.StatusStopped: {
		model.StatusStarting, model.StatusPending, model.StatusDeleting, model.StatusError,
	},
	model.StatusCompleted: {
		model.StatusStarting, model.StatusPending, model.StatusStopped, model.StatusDeleting,
		model.StatusError,
	},
	model.StatusFailed: {
		model.StatusStarting, model.StatusPending, model.StatusStopped, model.StatusDeleting,
		model.StatusError,
	},
	model.StatusError: {
		model.StatusStarting, model.StatusPending, model.StatusStopped, model.StatusDeleting,
	},
	model.StatusDeleting: {},
	model.StatusUnresponsive: {
		model.StatusStarting, model.StatusPending, model.StatusStopped, model.StatusFailed,
		model.StatusError, model.StatusDeleting,
	},
	model.StatusWorkersOffline: {
		model.StatusRunning, model.StatusStarting, model.StatusPending, model.StatusStopping,
		model.StatusStopped, model.StatusFailed, model.StatusError, model.StatusDeleting,
		model.StatusUnresponsive,
	},
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to model.Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager mediates status writes for one activation.
type Manager struct {
	store *store.Store
	id    int64
	log   *zap.SugaredLogger
}

func New(s *store.Store, activationID int64, log *zap.SugaredLogger) *Manager {
	return &Manager{store: s, id: activationID, log: log}
}

// SetStatus updates the activation's status fields under its row lock.
// Leaving a running state clears the tracked current job.
func (m *Manager) SetStatus(ctx context.Context, status model.Status, message string) error {
	return m.store.WithActivationLock(ctx, m.id, func(tx *sqlx.Tx, a *model.Activation) error {
		if !CanTransition(a.Status, status) {
			InvalidTransitions.Inc()
			return &ErrInvalidTransition{From: a.Status, To: status}
		}
		if a.Status == model.StatusRunning && status != model.StatusRunning {
			if err := store.ClearCurrentJobTx(ctx, tx, m.id); err != nil {
				return fmt.Errorf("failed to clear current job: %w", err)
			}
		}
		m.log.Debugw("activation status", "activation", m.id, "from", a.Status, "to", status, "message", message)
		return store.UpdateActivationStatusTx(ctx, tx, m.id, status, message)
	})
}

// SetLatestInstanceStatus updates the latest process's status fields with
// the same lock discipline. Terminal writes clear the engine handle.
func (m *Manager) SetLatestInstanceStatus(ctx context.Context, status model.Status, message string) error {
	return m.store.WithActivationLock(ctx, m.id, func(tx *sqlx.Tx, a *model.Activation) error {
		if a.LatestProcessID == nil {
			return nil
		}
		var current model.Status
		if err := tx.GetContext(ctx, &current,
			`SELECT status FROM rulebook_processes WHERE id = $1 FOR UPDATE`, *a.LatestProcessID); err != nil {
			return fmt.Errorf("failed to lock process %d: %w", *a.LatestProcessID, err)
		}
		if !CanTransition(current, status) {
			InvalidTransitions.Inc()
			return &ErrInvalidTransition{From: current, To: status}
		}
		m.log.Debugw("process status", "process", *a.LatestProcessID, "from", current, "to", status, "message", message)
		return store.UpdateProcessStatusTx(ctx, tx, *a.LatestProcessID, status, message)
	})
}

// SetProcessStatus writes status on an arbitrary (historical) process, used
// when sweeping stale non-terminal processes and flagging offline workers.
func (m *Manager) SetProcessStatus(ctx context.Context, processID int64, status model.Status, message string) error {
	return m.store.WithActivationLock(ctx, m.id, func(tx *sqlx.Tx, a *model.Activation) error {
		var current model.Status
		if err := tx.GetContext(ctx, &current,
			`SELECT status FROM rulebook_processes WHERE id = $1 FOR UPDATE`, processID); err != nil {
			return fmt.Errorf("failed to lock process %d: %w", processID, err)
		}
		if !CanTransition(current, status) {
			InvalidTransitions.Inc()
			return &ErrInvalidTransition{From: current, To: status}
		}
		m.log.Debugw("process status", "process", processID, "from", current, "to", status, "message", message)
		return store.UpdateProcessStatusTx(ctx, tx, processID, status, message)
	})
}
