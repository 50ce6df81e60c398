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

// Package orchestrator is the request plane: lifecycle operations go onto a
// per-activation FIFO queue in the database, and per-queue workers drain
// them. Callers never touch the container engine directly.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

// Orchestrator enqueues lifecycle requests against activations. It is safe
// for concurrent use.
type Orchestrator struct {
	cfg   *config.Config
	store *store.Store
	log   *zap.SugaredLogger
}

func New(cfg *config.Config, st *store.Store, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: st, log: log}
}

// StartRulebookProcess queues a user-requested start.
func (o *Orchestrator) StartRulebookProcess(ctx context.Context, parentType model.ProcessParentType, parentID int64, requestID string) error {
	return o.enqueue(ctx, parentType, parentID, model.RequestStart, requestID, false)
}

// StopRulebookProcess queues a stop.
func (o *Orchestrator) StopRulebookProcess(ctx context.Context, parentType model.ProcessParentType, parentID int64, requestID string) error {
	return o.enqueue(ctx, parentType, parentID, model.RequestStop, requestID, false)
}

// RestartRulebookProcess queues a restart.
func (o *Orchestrator) RestartRulebookProcess(ctx context.Context, parentType model.ProcessParentType, parentID int64, requestID string) error {
	return o.enqueue(ctx, parentType, parentID, model.RequestRestart, requestID, false)
}

// DeleteRulebookProcess queues a delete. At dispatch the delete shadows every
// other pending request for the activation.
func (o *Orchestrator) DeleteRulebookProcess(ctx context.Context, parentType model.ProcessParentType, parentID int64, requestID string) error {
	return o.enqueue(ctx, parentType, parentID, model.RequestDelete, requestID, false)
}

// MonitorRulebookProcess queues a monitor pass, at most one at a time per
// activation.
func (o *Orchestrator) MonitorRulebookProcess(ctx context.Context, parentType model.ProcessParentType, parentID int64, requestID string) error {
	return o.enqueue(ctx, parentType, parentID, model.RequestMonitor, requestID, true)
}

// ScheduleAutoStart queues a delayed start, at most one at a time per
// activation. The monitor loop uses it for pending enabled activations.
func (o *Orchestrator) ScheduleAutoStart(ctx context.Context, parentType model.ProcessParentType, parentID int64, requestID string, delay time.Duration) error {
	has, err := o.store.HasPendingRequestOfKind(ctx, parentType, parentID, model.RequestAutoStart)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := o.store.EnqueueRequest(ctx, parentType, parentID, model.RequestAutoStart, requestID, delay); err != nil {
		return err
	}
	o.notify(ctx, parentID)
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, parentType model.ProcessParentType, parentID int64, kind model.RequestKind, requestID string, dedupe bool) error {
	if dedupe {
		has, err := o.store.HasPendingRequestOfKind(ctx, parentType, parentID, kind)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
	}
	if err := o.store.EnqueueRequest(ctx, parentType, parentID, kind, requestID, 0); err != nil {
		return err
	}
	o.log.Debugw("request queued", "request", kind, "request_id", requestID,
		"parent_type", parentType, "parent", parentID)
	o.notify(ctx, parentID)
	return nil
}

// notify wakes the worker queue the activation is pinned to, or this
// worker's own queue for activations that never ran. The wake is a hint; the
// workers poll anyway.
func (o *Orchestrator) notify(ctx context.Context, parentID int64) {
	queue := o.cfg.WorkerQueueName
	if a, err := o.store.GetActivation(ctx, parentID); err == nil && a.LatestProcessID != nil {
		if name, err := o.store.ProcessQueueName(ctx, *a.LatestProcessID); err == nil {
			queue = name
		}
	}
	if err := o.store.NotifyQueue(ctx, queue); err != nil {
		o.log.Debugw("failed to notify queue", "queue", queue, zap.Error(err))
	}
}

// Coalesce reduces an activation's pending requests to the ones worth
// dispatching: a delete shadows everything else, and adjacent requests of
// the same kind collapse into the first. Auto starts count as starts for
// adjacency. A stop followed by a later start keeps both, in order.
func Coalesce(reqs []model.QueuedRequest) []model.QueuedRequest {
	for _, r := range reqs {
		if r.Request == model.RequestDelete {
			return []model.QueuedRequest{r}
		}
	}
	var out []model.QueuedRequest
	for _, r := range reqs {
		if len(out) > 0 && sameKind(out[len(out)-1].Request, r.Request) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sameKind(a, b model.RequestKind) bool {
	norm := func(k model.RequestKind) model.RequestKind {
		if k == model.RequestAutoStart {
			return model.RequestStart
		}
		return k
	}
	return norm(a) == norm(b)
}
