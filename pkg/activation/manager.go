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

// Package activation implements the lifecycle of a single activation: start,
// stop, restart, delete and the periodic monitor reconciliation. One Manager
// is built per dispatched request; all state lives in the database and in the
// container engine.
package activation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	enginerrors "github.com/ansible/eda-server-sub000/pkg/containerengine/errors"
	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
	"github.com/ansible/eda-server-sub000/pkg/loghandler"
	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/rulebook"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

// wsPath is appended to the configured websocket base URL; the rulebook
// worker dials it back carrying its process id.
const wsPath = "/api/eda/ws/ansible-rulebook"

// RestartsScheduled counts auto starts queued by restart policies and
// missing-container recovery.
var RestartsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "eda_restarts_scheduled_total",
	Help: "Auto start requests scheduled by restart handling.",
})

// Store is the persistence surface the manager needs. *store.Store satisfies
// it; tests substitute a fake.
type Store interface {
	GetActivation(ctx context.Context, id int64) (*model.Activation, error)
	GetProcess(ctx context.Context, id int64) (*model.RulebookProcess, error)
	ListProcesses(ctx context.Context, activationID int64) ([]model.RulebookProcess, error)
	CreateProcess(ctx context.Context, p *model.RulebookProcess, queueName string) (int64, error)
	SetProcessName(ctx context.Context, id int64, name string) error
	SetLatestProcess(ctx context.Context, activationID, processID int64) error
	SetProcessPodID(ctx context.Context, id int64, podID string, startedAt time.Time) error
	IncrementRestartCount(ctx context.Context, id int64) error
	IncrementFailureCount(ctx context.Context, id int64) (int, error)
	ResetFailureCount(ctx context.Context, id int64) error
	DeleteActivation(ctx context.Context, id int64) error
	CountRunningOnQueue(ctx context.Context, queueName string) (int, error)
	EnqueueRequest(ctx context.Context, parentType model.ProcessParentType, parentID int64, kind model.RequestKind, requestID string, delay time.Duration) error
	CancelScheduledStarts(ctx context.Context, parentType model.ProcessParentType, parentID int64) error
	DeleteAllRequests(ctx context.Context, parentType model.ProcessParentType, parentID int64) error
	RepinProcessQueue(ctx context.Context, processID int64, queueName string) error
	NotifyQueue(ctx context.Context, queueName string) error
}

// StatusWriter is the transition-checked status surface, satisfied by
// statusmanager.Manager.
type StatusWriter interface {
	SetStatus(ctx context.Context, status model.Status, message string) error
	SetLatestInstanceStatus(ctx context.Context, status model.Status, message string) error
	SetProcessStatus(ctx context.Context, processID int64, status model.Status, message string) error
}

// ProcessLogs extends the engine log capability with operational messages
// written by the orchestrator itself.
type ProcessLogs interface {
	enginetypes.LogHandler
	WriteOperational(ctx context.Context, message string) error
}

// ValidationError reports a start refused by pre-start validation. The
// activation has already been moved to error status when it is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "activation validation failed: " + e.Reason }

// UnexpectedStateError reports an engine state the monitor has no policy
// for, e.g. a container stopped outside any requested stop.
type UnexpectedStateError struct {
	ProcessID int64
	State     model.Status
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("process %d is in unexpected state %q", e.ProcessID, e.State)
}

// Manager drives the lifecycle of one activation.
type Manager struct {
	cfg    *config.Config
	store  Store
	status StatusWriter
	engine enginetypes.Engine
	id     int64
	log    *zap.SugaredLogger

	newLogs func(p *model.RulebookProcess) ProcessLogs
}

func New(cfg *config.Config, st Store, sink loghandler.Sink, status StatusWriter, engine enginetypes.Engine, activationID int64, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  st,
		status: status,
		engine: engine,
		id:     activationID,
		log:    log,
	}
	m.newLogs = func(p *model.RulebookProcess) ProcessLogs {
		return loghandler.New(sink, p.ID, p.LogReadAt, cfg.FlushAfter, log)
	}
	return m
}

// Start brings the activation's rulebook up in a new container. It is
// idempotent: a disabled, deleting, already-starting or verified-running
// activation is left alone. isRestart marks policy-driven and user-requested
// restarts so restart_count is bumped.
func (m *Manager) Start(ctx context.Context, isRestart bool) error {
	a, err := m.store.GetActivation(ctx, m.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !a.IsEnabled {
		m.log.Infow("refusing to start disabled activation", "activation", m.id)
		return nil
	}
	switch a.Status {
	case model.StatusStarting, model.StatusDeleting:
		m.log.Debugw("start skipped", "activation", m.id, "status", a.Status)
		return nil
	}

	if running, err := m.latestIsRunning(ctx, a); err != nil {
		return err
	} else if running {
		m.log.Debugw("start skipped, already running", "activation", m.id)
		return nil
	}

	if err := m.validate(a); err != nil {
		verr := &ValidationError{Reason: err.Error()}
		if serr := m.status.SetStatus(ctx, model.StatusError, verr.Reason); serr != nil {
			m.log.Errorw("failed to record validation error", "activation", m.id, zap.Error(serr))
		}
		return verr
	}

	if err := m.sweepStaleProcesses(ctx, a); err != nil {
		return err
	}

	if m.cfg.MaxRunningActivations >= 0 {
		n, err := m.store.CountRunningOnQueue(ctx, m.cfg.WorkerQueueName)
		if err != nil {
			return err
		}
		if n >= m.cfg.MaxRunningActivations {
			m.log.Infow("no capacity on worker queue, parking activation",
				"activation", m.id, "queue", m.cfg.WorkerQueueName, "running", n)
			return m.status.SetStatus(ctx, model.StatusPending,
				fmt.Sprintf("Waiting for capacity on %s.", m.cfg.WorkerQueueName))
		}
	}

	p := &model.RulebookProcess{
		ActivationID:  m.id,
		Status:        model.StatusStarting,
		StatusMessage: "Created rulebook process.",
	}
	p.Name = fmt.Sprintf("%s-%d", m.cfg.ContainerNamePrefix, m.id)
	processID, err := m.store.CreateProcess(ctx, p, m.cfg.WorkerQueueName)
	if err != nil {
		return err
	}
	p.Name = fmt.Sprintf("%s-%d-%d", m.cfg.ContainerNamePrefix, m.id, processID)
	if err := m.store.SetProcessName(ctx, processID, p.Name); err != nil {
		return err
	}
	if err := m.store.SetLatestProcess(ctx, m.id, processID); err != nil {
		return err
	}
	if err := m.status.SetStatus(ctx, model.StatusStarting, "Starting rulebook process."); err != nil {
		return err
	}

	logs := m.newLogs(p)
	req, err := m.containerRequest(a, p)
	if err != nil {
		_ = m.status.SetLatestInstanceStatus(ctx, model.StatusError, err.Error())
		_ = m.status.SetStatus(ctx, model.StatusError, err.Error())
		return err
	}

	handle, err := m.engine.Start(ctx, req, logs)
	if err != nil {
		if enginerrors.IsRecoverable(err) {
			if serr := m.status.SetLatestInstanceStatus(ctx, model.StatusFailed, err.Error()); serr != nil {
				return serr
			}
			return m.applyFailurePolicy(ctx, a, logs, err.Error())
		}
		_ = logs.WriteOperational(ctx, err.Error())
		_ = m.status.SetLatestInstanceStatus(ctx, model.StatusError, err.Error())
		_ = m.status.SetStatus(ctx, model.StatusError, err.Error())
		return fmt.Errorf("failed to start activation %d: %w", m.id, err)
	}

	if err := m.store.SetProcessPodID(ctx, processID, handle, time.Now()); err != nil {
		return err
	}
	if err := m.engine.UpdateLogs(ctx, handle, logs); err != nil {
		m.log.Warnw("failed to read initial logs", "process", processID, zap.Error(err))
	}
	if isRestart {
		if err := m.store.IncrementRestartCount(ctx, m.id); err != nil {
			return err
		}
	}
	m.log.Infow("activation started", "activation", m.id, "process", processID, "container", handle)
	return nil
}

// Stop terminates the current process and cancels any scheduled restart. An
// activation already in error keeps that status.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.store.CancelScheduledStarts(ctx, model.ParentTypeActivation, m.id); err != nil {
		return err
	}
	a, err := m.store.GetActivation(ctx, m.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	const stopMsg = "Stop requested by user."
	if a.LatestProcessID == nil {
		return m.finishStop(ctx, a, stopMsg)
	}
	p, err := m.store.GetProcess(ctx, *a.LatestProcessID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return m.finishStop(ctx, a, stopMsg)
	}

	if err := m.status.SetLatestInstanceStatus(ctx, model.StatusStopping, "Stopping rulebook process."); err != nil {
		return err
	}
	if a.Status != model.StatusError && a.Status != model.StatusStopping {
		if err := m.status.SetStatus(ctx, model.StatusStopping, "Stopping rulebook process."); err != nil {
			return err
		}
	}

	logs := m.newLogs(p)
	if p.ActivationPodID != nil {
		if err := m.engine.Cleanup(ctx, *p.ActivationPodID, logs); err != nil && !errors.Is(err, enginerrors.ErrNotFound) {
			return fmt.Errorf("failed to stop activation %d: %w", m.id, err)
		}
	}
	if err := logs.WriteOperational(ctx, stopMsg); err != nil {
		m.log.Warnw("failed to write stop message", "process", p.ID, zap.Error(err))
	}
	if err := m.status.SetLatestInstanceStatus(ctx, model.StatusStopped, stopMsg); err != nil {
		return err
	}
	return m.finishStop(ctx, a, stopMsg)
}

func (m *Manager) finishStop(ctx context.Context, a *model.Activation, msg string) error {
	// An errored activation keeps its status so the user sees the cause.
	if a.Status == model.StatusError || a.Status == model.StatusStopped {
		return nil
	}
	return m.status.SetStatus(ctx, model.StatusStopped, msg)
}

// Restart stops the current process and schedules a fresh start. While the
// pinned worker queue is offline the restart is a force restart: the process
// is repinned to this worker's queue first, if configuration allows it.
func (m *Manager) Restart(ctx context.Context) error {
	a, err := m.store.GetActivation(ctx, m.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if a.Status == model.StatusWorkersOffline {
		if !m.cfg.AllowForceRestartWhenOffline {
			return fmt.Errorf("activation %d is on an offline worker and force restarts are disabled", m.id)
		}
		if a.LatestProcessID != nil {
			if err := m.store.RepinProcessQueue(ctx, *a.LatestProcessID, m.cfg.WorkerQueueName); err != nil {
				return err
			}
		}
	}
	if err := m.Stop(ctx); err != nil {
		return err
	}
	if err := m.status.SetStatus(ctx, model.StatusPending, "Restart requested by user."); err != nil {
		return err
	}
	return m.scheduleRestart(ctx, time.Second)
}

// Delete tears the activation down. Engine failures are logged and swallowed;
// the row goes away regardless, and history goes with it via cascades.
func (m *Manager) Delete(ctx context.Context) error {
	if err := m.status.SetStatus(ctx, model.StatusDeleting, "Delete requested by user."); err != nil {
		m.log.Debugw("could not mark activation deleting", "activation", m.id, zap.Error(err))
	}
	if err := m.store.DeleteAllRequests(ctx, model.ParentTypeActivation, m.id); err != nil {
		m.log.Warnw("failed to drop queued requests", "activation", m.id, zap.Error(err))
	}
	a, err := m.store.GetActivation(ctx, m.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if a.LatestProcessID != nil {
		if p, err := m.store.GetProcess(ctx, *a.LatestProcessID); err == nil && p.ActivationPodID != nil {
			logs := m.newLogs(p)
			if err := m.engine.Cleanup(ctx, *p.ActivationPodID, logs); err != nil && !errors.Is(err, enginerrors.ErrNotFound) {
				m.log.Warnw("failed to cleanup container during delete",
					"activation", m.id, "container", *p.ActivationPodID, zap.Error(err))
			}
		}
	}
	if err := m.store.DeleteActivation(ctx, m.id); err != nil {
		return err
	}
	m.log.Infow("activation deleted", "activation", m.id)
	return nil
}

// Monitor reconciles the recorded state with the container's actual state:
// heartbeat promotion, log streaming, unresponsiveness detection and exit
// handling with restart policies.
func (m *Manager) Monitor(ctx context.Context) error {
	a, err := m.store.GetActivation(ctx, m.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if a.LatestProcessID == nil {
		return nil
	}
	p, err := m.store.GetProcess(ctx, *a.LatestProcessID)
	if err != nil {
		return err
	}
	if !a.IsEnabled {
		if p.Status.IsTerminal() {
			return nil
		}
		m.log.Infow("stopping disabled activation", "activation", m.id)
		return m.Stop(ctx)
	}
	switch a.Status {
	case model.StatusStarting, model.StatusRunning, model.StatusWorkersOffline:
	default:
		return nil
	}

	// The first heartbeat stamps updated_at and promotes starting to running.
	if p.Status == model.StatusStarting && p.UpdatedAt != nil {
		if err := m.status.SetLatestInstanceStatus(ctx, model.StatusRunning, "Rulebook is running."); err != nil {
			return err
		}
		if err := m.status.SetStatus(ctx, model.StatusRunning, "Rulebook is running."); err != nil {
			return err
		}
		if err := m.store.ResetFailureCount(ctx, m.id); err != nil {
			return err
		}
		a.Status = model.StatusRunning
		p.Status = model.StatusRunning
	}

	if p.Status.IsTerminal() || p.ActivationPodID == nil {
		return nil
	}
	logs := m.newLogs(p)

	st, err := m.engine.GetStatus(ctx, *p.ActivationPodID)
	if errors.Is(err, enginerrors.ErrNotFound) {
		return m.failAndMaybeRestart(ctx, a, p, logs, "Container not found.")
	}
	if err != nil {
		return fmt.Errorf("failed to monitor activation %d: %w", m.id, err)
	}

	if err := m.engine.UpdateLogs(ctx, *p.ActivationPodID, logs); err != nil {
		m.log.Warnw("failed to update logs", "process", p.ID, zap.Error(err))
	}

	now := time.Now()
	if p.Status == model.StatusStarting && p.UpdatedAt == nil &&
		p.StartedAt != nil && now.Sub(*p.StartedAt) > m.cfg.ReadinessTimeout {
		return m.markUnresponsive(ctx, a, p, logs,
			fmt.Sprintf("Process is unresponsive: no heartbeat within %s of start.", m.cfg.ReadinessTimeout))
	}
	if p.UpdatedAt != nil && now.Sub(*p.UpdatedAt) > m.cfg.LivenessTimeout {
		return m.markUnresponsive(ctx, a, p, logs,
			fmt.Sprintf("Process is unresponsive: no heartbeat for %s.", m.cfg.LivenessTimeout))
	}

	switch st.State {
	case model.StatusRunning:
		if a.Status == model.StatusWorkersOffline {
			if err := m.status.SetLatestInstanceStatus(ctx, model.StatusRunning, "Worker is back online."); err != nil {
				return err
			}
			return m.status.SetStatus(ctx, model.StatusRunning, "Worker is back online.")
		}
		return nil
	case model.StatusCompleted:
		return m.handleCompleted(ctx, a, p, logs, st)
	case model.StatusFailed:
		return m.handleFailed(ctx, a, p, logs, st)
	case model.StatusError:
		m.cleanup(ctx, p, logs)
		_ = logs.WriteOperational(ctx, st.Message)
		if err := m.status.SetLatestInstanceStatus(ctx, model.StatusError, st.Message); err != nil {
			return err
		}
		return m.status.SetStatus(ctx, model.StatusError, st.Message)
	case model.StatusStarting, model.StatusPending:
		return nil
	default:
		return &UnexpectedStateError{ProcessID: p.ID, State: st.State}
	}
}

// latestIsRunning asks the engine whether the latest process's container is
// actually running, making Start idempotent against duplicate requests.
func (m *Manager) latestIsRunning(ctx context.Context, a *model.Activation) (bool, error) {
	if a.LatestProcessID == nil {
		return false, nil
	}
	p, err := m.store.GetProcess(ctx, *a.LatestProcessID)
	if err != nil {
		return false, err
	}
	if p.Status.IsTerminal() || p.ActivationPodID == nil {
		return false, nil
	}
	st, err := m.engine.GetStatus(ctx, *p.ActivationPodID)
	if err != nil {
		return false, nil
	}
	return st.State == model.StatusRunning, nil
}

func (m *Manager) validate(a *model.Activation) error {
	if strings.TrimSpace(a.DecisionEnvironment) == "" {
		return fmt.Errorf("activation has no decision environment image")
	}
	if err := rulebook.Validate(a.RulebookRulesets); err != nil {
		return err
	}
	if rulebook.RequiresAAPToken(a.RulebookRulesets) && a.AAPToken == "" {
		return fmt.Errorf("rulebook requires an AAP token and the activation has none")
	}
	return nil
}

// sweepStaleProcesses stops containers of older non-terminal processes before
// a new one is started, so at most one container runs per activation.
func (m *Manager) sweepStaleProcesses(ctx context.Context, a *model.Activation) error {
	procs, err := m.store.ListProcesses(ctx, m.id)
	if err != nil {
		return err
	}
	for i := range procs {
		p := &procs[i]
		if p.Status.IsTerminal() {
			continue
		}
		if p.ActivationPodID != nil {
			logs := m.newLogs(p)
			if err := m.engine.Cleanup(ctx, *p.ActivationPodID, logs); err != nil && !errors.Is(err, enginerrors.ErrNotFound) {
				m.log.Warnw("failed to cleanup stale container",
					"process", p.ID, "container", *p.ActivationPodID, zap.Error(err))
			}
		}
		if err := m.status.SetProcessStatus(ctx, p.ID, model.StatusStopped, "Superseded by a newer process."); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) containerRequest(a *model.Activation, p *model.RulebookProcess) (*enginetypes.ContainerRequest, error) {
	ports, err := rulebook.ExtractPorts(a.RulebookRulesets)
	if err != nil {
		return nil, err
	}
	wsURL := strings.TrimRight(m.cfg.WebsocketBaseURL, "/") + wsPath

	cmd := []string{
		"ansible-rulebook",
		"--worker",
		"--websocket-ssl-verify", m.cfg.WebsocketSSLVerify,
		"--websocket-address", wsURL,
		"--id", strconv.FormatInt(p.ID, 10),
		"--heartbeat", strconv.Itoa(int(m.cfg.LivenessCheckInterval.Seconds())),
	}
	level := a.LogLevel
	if level == "" {
		level = m.cfg.RulebookLogLevel
	}
	switch level {
	case "debug":
		cmd = append(cmd, "-vv")
	case "info":
		cmd = append(cmd, "-v")
	}

	req := &enginetypes.ContainerRequest{
		Name:        p.Name,
		Image:       a.DecisionEnvironment,
		PullPolicy:  enginetypes.PullAlways,
		Command:     cmd,
		Ports:       ports,
		MemoryLimit: m.cfg.DefaultMemoryLimit,
		ProcessID:   p.ID,
	}
	if a.RegistryUsername != "" {
		req.Credential = &enginetypes.RegistryCredential{
			Username:  a.RegistryUsername,
			Secret:    a.RegistrySecret,
			SSLVerify: a.RegistrySSLVerify,
		}
	}
	if a.K8sServiceName != nil {
		req.K8s.ServiceName = *a.K8sServiceName
	}
	return req, nil
}

func (m *Manager) handleCompleted(ctx context.Context, a *model.Activation, p *model.RulebookProcess, logs ProcessLogs, st enginetypes.Status) error {
	m.cleanup(ctx, p, logs)
	msg := st.Message
	if msg == "" {
		msg = "Rulebook process completed."
	}
	if err := m.status.SetLatestInstanceStatus(ctx, model.StatusCompleted, msg); err != nil {
		return err
	}
	if a.RestartPolicy == model.RestartPolicyAlways {
		msg = fmt.Sprintf("%s Restart in %s per policy.", msg, m.cfg.RestartDelayOnComplete)
		_ = logs.WriteOperational(ctx, msg)
		if err := m.status.SetStatus(ctx, model.StatusCompleted, msg); err != nil {
			return err
		}
		return m.scheduleRestart(ctx, m.cfg.RestartDelayOnComplete)
	}
	_ = logs.WriteOperational(ctx, msg)
	return m.status.SetStatus(ctx, model.StatusCompleted, msg)
}

func (m *Manager) handleFailed(ctx context.Context, a *model.Activation, p *model.RulebookProcess, logs ProcessLogs, st enginetypes.Status) error {
	m.cleanup(ctx, p, logs)
	msg := st.Message
	if msg == "" {
		msg = "Rulebook process failed."
	}
	if err := m.status.SetLatestInstanceStatus(ctx, model.StatusFailed, msg); err != nil {
		return err
	}
	return m.applyFailurePolicy(ctx, a, logs, msg)
}

// markUnresponsive records the missed-heartbeat state on the process before
// the restart-or-fail handling takes over.
func (m *Manager) markUnresponsive(ctx context.Context, a *model.Activation, p *model.RulebookProcess, logs ProcessLogs, reason string) error {
	if err := m.status.SetLatestInstanceStatus(ctx, model.StatusUnresponsive, reason); err != nil {
		return err
	}
	return m.failAndMaybeRestart(ctx, a, p, logs, reason)
}

// failAndMaybeRestart handles the missing-container and unresponsive cases:
// the process is failed and, unless the policy says never, a restart goes on
// the queue with a short delay. No failure-count cap applies here.
func (m *Manager) failAndMaybeRestart(ctx context.Context, a *model.Activation, p *model.RulebookProcess, logs ProcessLogs, reason string) error {
	m.cleanup(ctx, p, logs)
	_ = logs.WriteOperational(ctx, reason)
	if err := m.status.SetLatestInstanceStatus(ctx, model.StatusFailed, reason); err != nil {
		return err
	}
	if a.RestartPolicy == model.RestartPolicyNever {
		return m.status.SetStatus(ctx, model.StatusFailed, reason)
	}
	msg := reason + " Restarting."
	if err := m.status.SetStatus(ctx, model.StatusFailed, msg); err != nil {
		return err
	}
	return m.scheduleRestart(ctx, time.Second)
}

// applyFailurePolicy counts the failure and either schedules a delayed
// restart or gives up once the cap is exceeded.
func (m *Manager) applyFailurePolicy(ctx context.Context, a *model.Activation, logs ProcessLogs, reason string) error {
	if a.RestartPolicy == model.RestartPolicyNever {
		_ = logs.WriteOperational(ctx, reason)
		return m.status.SetStatus(ctx, model.StatusFailed, reason)
	}
	count, err := m.store.IncrementFailureCount(ctx, m.id)
	if err != nil {
		return err
	}
	if count > m.cfg.MaxRestartsOnFailure {
		msg := fmt.Sprintf("%s Giving up after %d failed restarts.", reason, m.cfg.MaxRestartsOnFailure)
		_ = logs.WriteOperational(ctx, msg)
		return m.status.SetStatus(ctx, model.StatusFailed, msg)
	}
	msg := fmt.Sprintf("%s Restart %d of %d in %s.", reason, count, m.cfg.MaxRestartsOnFailure, m.cfg.RestartDelayOnFailure)
	_ = logs.WriteOperational(ctx, msg)
	if err := m.status.SetStatus(ctx, model.StatusFailed, msg); err != nil {
		return err
	}
	return m.scheduleRestart(ctx, m.cfg.RestartDelayOnFailure)
}

func (m *Manager) cleanup(ctx context.Context, p *model.RulebookProcess, logs ProcessLogs) {
	if p.ActivationPodID == nil {
		return
	}
	if err := m.engine.Cleanup(ctx, *p.ActivationPodID, logs); err != nil && !errors.Is(err, enginerrors.ErrNotFound) {
		m.log.Warnw("failed to cleanup container",
			"process", p.ID, "container", *p.ActivationPodID, zap.Error(err))
	}
}

// scheduleRestart enqueues a delayed auto start. The row survives worker
// restarts; the notify is only a wake-up hint for the periodic pollers.
func (m *Manager) scheduleRestart(ctx context.Context, delay time.Duration) error {
	if err := m.store.EnqueueRequest(ctx, model.ParentTypeActivation, m.id,
		model.RequestAutoStart, uuid.NewString(), delay); err != nil {
		return err
	}
	RestartsScheduled.Inc()
	if err := m.store.NotifyQueue(ctx, m.cfg.WorkerQueueName); err != nil {
		m.log.Debugw("failed to notify queue", "queue", m.cfg.WorkerQueueName, zap.Error(err))
	}
	return nil
}
