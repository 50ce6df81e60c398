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

// Package monitor runs the periodic reconciliation sweep: it queues monitor
// requests for live activations, revives pending enabled ones, and flags
// activations whose worker queue went silent.
package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/orchestrator"
	"github.com/ansible/eda-server-sub000/pkg/statusmanager"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

// SweepErrors counts failed steps of the periodic sweep. The sweep never
// aborts on error, so this is the signal that it is degraded.
var SweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "eda_monitor_sweep_errors_total",
	Help: "Errors encountered during monitor sweeps.",
})

// Monitor owns the periodic sweep. Exactly the queue workers act on what it
// finds; the sweep itself only writes requests and offline markers.
type Monitor struct {
	cfg   *config.Config
	store *store.Store
	orch  *orchestrator.Orchestrator
	log   *zap.SugaredLogger
}

func New(cfg *config.Config, st *store.Store, orch *orchestrator.Orchestrator, log *zap.SugaredLogger) *Monitor {
	return &Monitor{cfg: cfg, store: st, orch: orch, log: log}
}

// Run sweeps every MonitorInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		m.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.queueMonitors(ctx)
	m.reviveIdle(ctx)
	m.flagOfflineWorkers(ctx)
}

// queueMonitors requests a monitor pass for every activation a container may
// be running for.
func (m *Monitor) queueMonitors(ctx context.Context) {
	live, err := m.store.ListActivationsByStatus(ctx,
		model.StatusStarting, model.StatusRunning, model.StatusWorkersOffline)
	if err != nil {
		SweepErrors.Inc()
		m.log.Errorw("failed to list live activations", zap.Error(err))
		return
	}
	for _, a := range live {
		if err := m.orch.MonitorRulebookProcess(ctx, model.ParentTypeActivation, a.ID, uuid.NewString()); err != nil {
			SweepErrors.Inc()
			m.log.Errorw("failed to queue monitor", "activation", a.ID, zap.Error(err))
		}
	}
}

// reviveIdle schedules a start for enabled activations parked in pending,
// e.g. after a capacity refusal, unless a request is already queued.
func (m *Monitor) reviveIdle(ctx context.Context) {
	pending, err := m.store.ListActivationsByStatus(ctx, model.StatusPending)
	if err != nil {
		SweepErrors.Inc()
		m.log.Errorw("failed to list pending activations", zap.Error(err))
		return
	}
	for _, a := range pending {
		if !a.IsEnabled {
			continue
		}
		has, err := m.store.HasPendingRequest(ctx, model.ParentTypeActivation, a.ID)
		if err != nil {
			SweepErrors.Inc()
			m.log.Errorw("failed to check pending requests", "activation", a.ID, zap.Error(err))
			continue
		}
		if has {
			continue
		}
		if err := m.orch.ScheduleAutoStart(ctx, model.ParentTypeActivation, a.ID, uuid.NewString(), 0); err != nil {
			SweepErrors.Inc()
			m.log.Errorw("failed to schedule auto start", "activation", a.ID, zap.Error(err))
		}
	}
}

// flagOfflineWorkers moves non-terminal processes pinned to silent queues,
// and their activations, to "workers offline". The status comes back to
// running when the worker's next monitor pass sees the container alive.
func (m *Monitor) flagOfflineWorkers(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.WorkerLivenessWindow)
	procs, err := m.store.ProcessesOnStaleQueues(ctx, cutoff)
	if err != nil {
		SweepErrors.Inc()
		m.log.Errorw("failed to list processes on stale queues", zap.Error(err))
		return
	}
	for _, p := range procs {
		if p.Status == model.StatusWorkersOffline {
			continue
		}
		const msg = "Worker queue has not reported liveness."
		sm := statusmanager.New(m.store, p.ActivationID, m.log)
		if err := sm.SetProcessStatus(ctx, p.ID, model.StatusWorkersOffline, msg); err != nil {
			SweepErrors.Inc()
			m.log.Errorw("failed to flag process offline", "process", p.ID, zap.Error(err))
			continue
		}
		if err := sm.SetStatus(ctx, model.StatusWorkersOffline, msg); err != nil {
			m.log.Warnw("failed to flag activation offline", "activation", p.ActivationID, zap.Error(err))
		}
		m.log.Warnw("worker queue offline", "activation", p.ActivationID, "process", p.ID)
	}
}
