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

package orchestrator

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/activation"
	"github.com/ansible/eda-server-sub000/pkg/config"
	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/statusmanager"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

var (
	// RequestsDispatched counts dispatched lifecycle requests by kind.
	// Registered by the daemon.
	RequestsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eda_requests_dispatched_total",
		Help: "Number of lifecycle requests dispatched, by request kind.",
	}, []string{"request"})

	// RequestFailures counts dispatched requests that returned an error.
	RequestFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eda_request_failures_total",
		Help: "Number of lifecycle requests that failed, by request kind.",
	}, []string{"request"})
)

// lifecycle is what the worker drives per request. activation.Manager
// implements it.
type lifecycle interface {
	Start(ctx context.Context, isRestart bool) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Delete(ctx context.Context) error
	Monitor(ctx context.Context) error
}

// Worker drains one named queue: it claims ready requests parent by parent,
// coalesces them and runs them in order. Multiple workers on the same queue
// skip each other's parents via the row locks.
type Worker struct {
	cfg   *config.Config
	store *store.Store
	log   *zap.SugaredLogger

	newManager func(activationID int64) lifecycle
}

func NewWorker(cfg *config.Config, st *store.Store, engine enginetypes.Engine, log *zap.SugaredLogger) *Worker {
	w := &Worker{cfg: cfg, store: st, log: log}
	w.newManager = func(id int64) lifecycle {
		sm := statusmanager.New(st, id, log)
		return activation.New(cfg, st, st, sm, engine, id, log)
	}
	return w
}

// Run blocks draining the queue until ctx is canceled. Each pass also
// refreshes the queue's liveness record.
func (w *Worker) Run(ctx context.Context) error {
	listener, err := store.NewListener(ctx, w.cfg.DatabaseURL, w.cfg.WorkerQueueName, w.log)
	if err != nil {
		return err
	}
	defer listener.Close(context.Background()) //nolint:errcheck

	w.log.Infow("worker started", "queue", w.cfg.WorkerQueueName)
	for {
		if err := w.store.TouchWorkerQueue(ctx, w.cfg.WorkerQueueName); err != nil {
			w.log.Warnw("failed to report worker liveness", "queue", w.cfg.WorkerQueueName, zap.Error(err))
		}
		w.drainOnce(ctx)
		if err := listener.Wait(ctx, w.cfg.MonitorInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	staleBefore := time.Now().Add(-w.cfg.WorkerLivenessWindow)
	parents, err := w.store.PendingParents(ctx, w.cfg.WorkerQueueName, staleBefore)
	if err != nil {
		w.log.Errorw("failed to list pending requests", zap.Error(err))
		return
	}
	for _, parentID := range parents {
		if ctx.Err() != nil {
			return
		}
		if err := w.dispatchParent(ctx, parentID); err != nil {
			w.log.Errorw("failed to dispatch requests", "activation", parentID, zap.Error(err))
		}
	}
}

// dispatchParent consumes the parent's ready requests and runs the coalesced
// sequence. The claim (fetch plus delete) commits before anything executes:
// lifecycle operations touch the request queue themselves, e.g. stop cancels
// scheduled auto starts, and must not run while this worker still holds row
// locks on that table. A crash after the commit drops the batch; the monitor
// sweep re-enqueues monitors and auto starts, so the system converges anyway.
func (w *Worker) dispatchParent(ctx context.Context, parentID int64) error {
	var reqs []model.QueuedRequest
	err := w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		reqs, err = store.FetchRequestsTx(ctx, tx, model.ParentTypeActivation, parentID)
		if err != nil || len(reqs) == 0 {
			return err
		}
		ids := make([]int64, 0, len(reqs))
		for _, r := range reqs {
			ids = append(ids, r.ID)
		}
		return store.DeleteRequestsTx(ctx, tx, ids)
	})
	if err != nil {
		return err
	}
	for _, r := range Coalesce(reqs) {
		w.execute(ctx, r)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, r model.QueuedRequest) {
	mgr := w.newManager(r.ParentID)
	log := w.log.With("request", r.Request, "request_id", r.RequestID, "activation", r.ParentID)
	log.Debugw("dispatching request")

	var err error
	switch r.Request {
	case model.RequestStart:
		err = mgr.Start(ctx, false)
	case model.RequestAutoStart:
		err = mgr.Start(ctx, true)
	case model.RequestRestart:
		err = mgr.Restart(ctx)
	case model.RequestStop:
		err = mgr.Stop(ctx)
	case model.RequestDelete:
		err = mgr.Delete(ctx)
	case model.RequestMonitor:
		err = mgr.Monitor(ctx)
	default:
		log.Errorw("unknown request kind")
		return
	}
	RequestsDispatched.WithLabelValues(string(r.Request)).Inc()
	if err != nil {
		RequestFailures.WithLabelValues(string(r.Request)).Inc()
		log.Errorw("request failed", zap.Error(err))
	}
}
