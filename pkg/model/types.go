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

package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is shared by activations and rulebook processes.
type Status string

const (
	StatusPending        Status = "pending"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusStopping       Status = "stopping"
	StatusStopped        Status = "stopped"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusError          Status = "error"
	StatusDeleting       Status = "deleting"
	StatusUnresponsive   Status = "unresponsive"
	StatusWorkersOffline Status = "workers offline"
)

// IsTerminal reports whether no further engine calls except an idempotent
// cleanup may be made for a process in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// RestartPolicy is the user-declared policy on the activation.
type RestartPolicy string

const (
	RestartPolicyNever     RestartPolicy = "never"
	RestartPolicyOnFailure RestartPolicy = "on-failure"
	RestartPolicyAlways    RestartPolicy = "always"
)

// RequestKind enumerates the lifecycle requests that can be queued against
// an activation.
type RequestKind string

const (
	RequestStart     RequestKind = "start"
	RequestStop      RequestKind = "stop"
	RequestRestart   RequestKind = "restart"
	RequestDelete    RequestKind = "delete"
	RequestAutoStart RequestKind = "auto_start"
	RequestMonitor   RequestKind = "monitor"
)

// ProcessParentType identifies the owner of a rulebook process. Activations
// are the only parent type the orchestrator manages today; event streams use
// the same queue plumbing.
type ProcessParentType string

const (
	ParentTypeActivation ProcessParentType = "activation"
)

// JSONMap is a JSONB column holding free-form object data, e.g. the
// per-ruleset statistics reported over the websocket.
type JSONMap map[string]json.RawMessage

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into JSONMap", src)
}

// Activation is the persistent desired-state record: a rulebook that should
// be running in a container with the given credentials and policy.
type Activation struct {
	ID                  int64         `db:"id"`
	Name                string        `db:"name"`
	IsEnabled           bool          `db:"is_enabled"`
	RestartPolicy       RestartPolicy `db:"restart_policy"`
	Status              Status        `db:"status"`
	StatusMessage       string        `db:"status_message"`
	StatusUpdatedAt     *time.Time    `db:"status_updated_at"`
	FailureCount        int           `db:"failure_count"`
	RestartCount        int           `db:"restart_count"`
	LatestProcessID     *int64        `db:"latest_process_id"`
	RulebookRulesets    string        `db:"rulebook_rulesets"`
	DecisionEnvironment string        `db:"decision_environment_image"`
	RegistryUsername    string        `db:"registry_username"`
	RegistrySecret      string        `db:"registry_secret"`
	RegistrySSLVerify   bool          `db:"registry_ssl_verify"`
	ExtraVar            string        `db:"extra_var"`
	// VaultCollection is a JSON array of vault password entries handed to
	// the worker on connect, or empty.
	VaultCollection     string        `db:"vault_collection"`
	K8sServiceName      *string       `db:"k8s_service_name"`
	LogLevel            string        `db:"log_level"`
	SkipAuditEvents     bool          `db:"skip_audit_events"`
	OrganizationID      int64         `db:"organization_id"`
	CurrentJobID        *string       `db:"current_job_id"`
	RulesetStats        JSONMap       `db:"ruleset_stats"`
	AAPToken            string        `db:"aap_token"`
	AAPHost             string        `db:"aap_host"`
	CreatedAt           time.Time     `db:"created_at"`
	ModifiedAt          time.Time     `db:"modified_at"`
}

// RulebookProcess is one attempt to run an activation, mapping 1:1 to a
// container or Pod. Retained as history for as long as its activation exists.
type RulebookProcess struct {
	ID              int64      `db:"id"`
	ActivationID    int64      `db:"activation_id"`
	Name            string     `db:"name"`
	Status          Status     `db:"status"`
	StatusMessage   string     `db:"status_message"`
	StartedAt       *time.Time `db:"started_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
	EndedAt         *time.Time `db:"ended_at"`
	ActivationPodID *string    `db:"activation_pod_id"`
	// LogReadAt is a monotonic cursor into the container logs, in epoch
	// milliseconds of the last line already persisted.
	LogReadAt *int64 `db:"log_read_at"`
	GitHash   string `db:"git_hash"`
}

// ProcessQueue pins a process to the worker queue that started it so that
// monitor requests land on the same node.
type ProcessQueue struct {
	ProcessID int64  `db:"process_id"`
	QueueName string `db:"queue_name"`
}

// QueuedRequest is a row of the per-activation FIFO request queue.
type QueuedRequest struct {
	ID          int64             `db:"id"`
	Request     RequestKind       `db:"request"`
	ParentID    int64             `db:"process_parent_id"`
	ParentType  ProcessParentType `db:"process_parent_type"`
	RequestID   string            `db:"request_id"`
	AvailableAt time.Time         `db:"available_at"`
	CreatedAt   time.Time         `db:"created_at"`
}

// ProcessLogLine is one line of container output attached to a process.
// Timestamp carries millisecond resolution for replay dedup; the API layer
// renders it truncated to seconds.
type ProcessLogLine struct {
	ID        int64  `db:"id"`
	ProcessID int64  `db:"process_id"`
	Line      string `db:"log"`
	Timestamp int64  `db:"log_timestamp"`
}

// WorkerQueue records the liveness of a named worker queue. Queues that miss
// the liveness window drive their activations to "workers offline".
type WorkerQueue struct {
	Name       string    `db:"name"`
	LastSeenAt time.Time `db:"last_seen_at"`
}

// JobInstance is created when the rulebook worker announces it is about to
// run an Ansible job.
type JobInstance struct {
	ID        int64  `db:"id"`
	UUID      string `db:"uuid"`
	ProcessID int64  `db:"process_id"`
	Name      string `db:"name"`
	Action    string `db:"action"`
	Ruleset   string `db:"ruleset"`
	Hosts     string `db:"hosts"`
}

// AnsibleEvent is an event emitted by a running job.
type AnsibleEvent struct {
	ID            int64     `db:"id"`
	JobInstanceID int64     `db:"job_instance_id"`
	Counter       int       `db:"counter"`
	Event         string    `db:"event"`
	Payload       JSONMap   `db:"payload"`
	CreatedAt     time.Time `db:"created_at"`
}

// AuditRule, AuditAction and AuditEvent persist rule firings reported over
// the websocket.
type AuditRule struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	Status       string    `db:"status"`
	ActivationID int64     `db:"activation_id"`
	ProcessID    int64     `db:"process_id"`
	Ruleset      string    `db:"ruleset"`
	RuleUUID     string    `db:"rule_uuid"`
	RulesetUUID  string    `db:"ruleset_uuid"`
	FiredAt      time.Time `db:"fired_at"`
}

type AuditAction struct {
	UUID        string    `db:"uuid"`
	AuditRuleID int64     `db:"audit_rule_id"`
	Name        string    `db:"name"`
	Status      string    `db:"status"`
	URL         string    `db:"url"`
	FiredAt     time.Time `db:"fired_at"`
}

type AuditEvent struct {
	UUID            string    `db:"uuid"`
	AuditActionUUID string    `db:"audit_action_uuid"`
	SourceName      string    `db:"source_name"`
	SourceType      string    `db:"source_type"`
	Payload         JSONMap   `db:"payload"`
	ReceivedAt      time.Time `db:"received_at"`
}
