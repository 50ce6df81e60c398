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

// Package ws serves the ansible-rulebook worker protocol. A worker dials in
// with its process id, receives its rulebook and credentials, then streams
// heartbeats, job announcements, events and rule audit records back.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/orchestrator"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

// Path is where the rulebook worker dials in.
const Path = "/api/eda/ws/ansible-rulebook"

// Handler terminates worker websocket sessions.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	orch     *orchestrator.Orchestrator
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, st *store.Store, orch *orchestrator.Orchestrator, log *zap.SugaredLogger) *Handler {
	return &Handler{
		cfg:   cfg,
		store: st,
		orch:  orch,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers run inside our own containers; the process id in the
			// handshake is the authentication boundary for now.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the endpoint on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(Path, h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugw("worker connection closed", zap.Error(err))
			}
			return
		}
		if err := h.dispatch(ctx, conn, data); err != nil {
			h.log.Errorw("failed to handle worker message", zap.Error(err))
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to parse worker message: %w", err)
	}
	switch head.Type {
	case "Worker":
		return h.handleWorker(ctx, conn, data)
	case "SessionStats":
		return h.handleSessionStats(ctx, data)
	case "Job":
		return h.handleJob(ctx, data)
	case "AnsibleEvent":
		return h.handleAnsibleEvent(ctx, data)
	case "Action":
		return h.handleAction(ctx, data)
	case "Shutdown":
		h.log.Infow("worker announced shutdown")
		return nil
	default:
		h.log.Warnw("unknown worker message", "type", head.Type)
		return nil
	}
}

// handleWorker answers the handshake: rulebook, extra vars and controller
// credentials, terminated by EndOfResponse. The worker identifies itself
// with its rulebook process id, historically named activation_id on the
// wire.
func (h *Handler) handleWorker(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var msg struct {
		ProcessID int64 `json:"activation_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	p, err := h.store.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}
	a, err := h.store.GetActivation(ctx, p.ActivationID)
	if err != nil {
		return err
	}
	h.log.Infow("worker connected", "activation", a.ID, "process", p.ID)

	if err := conn.WriteJSON(map[string]string{
		"type": "Rulebook",
		"data": base64.StdEncoding.EncodeToString([]byte(a.RulebookRulesets)),
	}); err != nil {
		return err
	}
	if a.ExtraVar != "" {
		if err := conn.WriteJSON(map[string]string{
			"type": "ExtraVars",
			"data": base64.StdEncoding.EncodeToString([]byte(a.ExtraVar)),
		}); err != nil {
			return err
		}
	}
	if a.AAPToken != "" {
		if err := conn.WriteJSON(map[string]string{
			"type":       "ControllerInfo",
			"url":        a.AAPHost,
			"token":      a.AAPToken,
			"ssl_verify": h.cfg.WebsocketSSLVerify,
		}); err != nil {
			return err
		}
	}
	if a.VaultCollection != "" {
		if err := conn.WriteJSON(map[string]any{
			"type": "VaultCollection",
			"data": json.RawMessage(a.VaultCollection),
		}); err != nil {
			return err
		}
	}
	return conn.WriteJSON(map[string]string{"type": "EndOfResponse"})
}

// handleSessionStats is the heartbeat: it merges ruleset statistics and
// stamps the process's updated_at. While the activation is still starting a
// monitor request is queued so the promotion to running happens promptly.
func (h *Handler) handleSessionStats(ctx context.Context, data []byte) error {
	var msg struct {
		ProcessID  int64         `json:"activation_id"`
		Stats      model.JSONMap `json:"stats"`
		ReportedAt string        `json:"reported_at"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	reportedAt, err := time.Parse(time.RFC3339, msg.ReportedAt)
	if err != nil {
		reportedAt = time.Now()
	}
	p, err := h.store.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}
	if err := h.store.MergeRulesetStats(ctx, p.ActivationID, msg.Stats, reportedAt); err != nil {
		return err
	}
	a, err := h.store.GetActivation(ctx, p.ActivationID)
	if err != nil {
		return err
	}
	if a.Status == model.StatusStarting {
		return h.orch.MonitorRulebookProcess(ctx, model.ParentTypeActivation, a.ID, uuid.NewString())
	}
	return nil
}

func (h *Handler) handleJob(ctx context.Context, data []byte) error {
	var msg struct {
		JobID     string   `json:"job_id"`
		ProcessID int64    `json:"ansible_rulebook_id"`
		Name      string   `json:"name"`
		Ruleset   string   `json:"ruleset"`
		Action    string   `json:"action"`
		Hosts     []string `json:"hosts"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	p, err := h.store.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}
	job := &model.JobInstance{
		UUID:      msg.JobID,
		ProcessID: p.ID,
		Name:      msg.Name,
		Action:    msg.Action,
		Ruleset:   msg.Ruleset,
		Hosts:     strings.Join(msg.Hosts, ","),
	}
	_, err = h.store.CreateJobInstance(ctx, p.ActivationID, job)
	return err
}

func (h *Handler) handleAnsibleEvent(ctx context.Context, data []byte) error {
	var msg struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	var ev struct {
		JobID   string `json:"job_id"`
		Counter int    `json:"counter"`
		Event   string `json:"event"`
	}
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		return err
	}
	if ev.JobID == "" {
		return nil
	}
	jobInstanceID, err := h.store.JobInstanceIDByUUID(ctx, ev.JobID)
	if err != nil {
		return err
	}
	var payload model.JSONMap
	if err := json.Unmarshal(msg.Event, &payload); err != nil {
		return err
	}
	return h.store.AppendAnsibleEvent(ctx, &model.AnsibleEvent{
		JobInstanceID: jobInstanceID,
		Counter:       ev.Counter,
		Event:         ev.Event,
		Payload:       payload,
	})
}

// handleAction records a rule firing with the events that matched it, unless
// the activation opts out of audit records.
func (h *Handler) handleAction(ctx context.Context, data []byte) error {
	var msg struct {
		ProcessID      int64                      `json:"activation_id"`
		Rule           string                     `json:"rule"`
		RuleUUID       string                     `json:"rule_uuid"`
		Ruleset        string                     `json:"ruleset"`
		RulesetUUID    string                     `json:"ruleset_uuid"`
		Action         string                     `json:"action"`
		ActionUUID     string                     `json:"action_uuid"`
		RunAt          string                     `json:"run_at"`
		Status         string                     `json:"status"`
		URL            string                     `json:"url"`
		MatchingEvents map[string]json.RawMessage `json:"matching_events"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	p, err := h.store.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}
	a, err := h.store.GetActivation(ctx, p.ActivationID)
	if err != nil {
		return err
	}
	if a.SkipAuditEvents || h.cfg.SkipAuditEventsGlobal {
		return nil
	}
	firedAt, err := time.Parse(time.RFC3339, msg.RunAt)
	if err != nil {
		firedAt = time.Now()
	}

	rule := &model.AuditRule{
		Name:         msg.Rule,
		Status:       msg.Status,
		ActivationID: p.ActivationID,
		ProcessID:    p.ID,
		Ruleset:      msg.Ruleset,
		RuleUUID:     msg.RuleUUID,
		RulesetUUID:  msg.RulesetUUID,
		FiredAt:      firedAt,
	}
	action := &model.AuditAction{
		UUID:    msg.ActionUUID,
		Name:    msg.Action,
		Status:  msg.Status,
		URL:     rewriteControllerURL(h.cfg.ControllerURL, msg.URL),
		FiredAt: firedAt,
	}
	events := extractAuditEvents(msg.MatchingEvents, firedAt)
	return h.store.RecordAuditAction(ctx, rule, action, events)
}

// extractAuditEvents pulls the source metadata out of each matching event.
// Events without a meta uuid are dropped; the worker sends those for internal
// bookkeeping only.
func extractAuditEvents(matching map[string]json.RawMessage, receivedAt time.Time) []model.AuditEvent {
	var out []model.AuditEvent
	for _, raw := range matching {
		var meta struct {
			Meta struct {
				UUID   string `json:"uuid"`
				Source struct {
					Name string `json:"name"`
					Type string `json:"type"`
				} `json:"source"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil || meta.Meta.UUID == "" {
			continue
		}
		var payload model.JSONMap
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		out = append(out, model.AuditEvent{
			UUID:       meta.Meta.UUID,
			SourceName: meta.Meta.Source.Name,
			SourceType: meta.Meta.Source.Type,
			Payload:    payload,
			ReceivedAt: receivedAt,
		})
	}
	return out
}

// rewriteControllerURL swaps the scheme and host of a job URL for the
// configured controller URL, so links rendered to users go through the
// gateway instead of the controller's internal address.
func rewriteControllerURL(controllerURL, jobURL string) string {
	if controllerURL == "" || jobURL == "" {
		return jobURL
	}
	base, err := url.Parse(controllerURL)
	if err != nil {
		return jobURL
	}
	u, err := url.Parse(jobURL)
	if err != nil {
		return jobURL
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u.String()
}
