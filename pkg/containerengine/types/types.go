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

// Package types defines the container engine capability. Backends implement
// Engine; everything above them treats the engine-assigned handle as opaque.
package types

import (
	"context"

	"github.com/ansible/eda-server-sub000/pkg/model"
)

// PullPolicy controls when the backend pulls the decision environment image.
type PullPolicy string

const (
	PullAlways       PullPolicy = "Always"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullNever        PullPolicy = "Never"
)

// RegistryCredential authenticates image pulls against a private registry.
type RegistryCredential struct {
	Username  string
	Secret    string
	SSLVerify bool
}

// PortMapping is one (host, port) pair extracted from the rulebook's source
// declarations.
type PortMapping struct {
	Host string
	Port int
}

// Mount is a bind mount made available to the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// K8sOptions carries backend-specific request fields for the kubernetes
// engine; the podman backend ignores them.
type K8sOptions struct {
	ServiceName string
}

// ContainerRequest describes one rulebook worker container.
type ContainerRequest struct {
	// Name is the display name; backends may mangle it into a valid
	// container or Job name.
	Name       string
	Image      string
	PullPolicy PullPolicy
	// Command is the full rulebook worker invocation, websocket URL and
	// process id included.
	Command     []string
	Credential  *RegistryCredential
	Ports       []PortMapping
	MemoryLimit string
	Mounts      []Mount
	Env         map[string]string
	ExtraArgs   map[string]string
	K8s         K8sOptions

	// ProcessID labels the container with the owning rulebook process.
	ProcessID int64
}

// Status is the backend's native container state mapped onto the shared
// status vocabulary.
type Status struct {
	State   model.Status
	Message string
}

// LogHandler receives container output from the engine. Implementations
// persist lines tagged with a millisecond epoch timestamp and keep the
// monotonic read cursor.
type LogHandler interface {
	// LastReadAt returns the cursor (epoch milliseconds) of the newest line
	// already persisted, if any.
	LastReadAt() (int64, bool)
	// Write buffers one line. Lines with timestamps at or before the cursor
	// must be skipped by the caller; Write does not re-check.
	Write(line string, timestampMillis int64)
	// SetLastReadAt advances the cursor to the max timestamp observed.
	SetLastReadAt(timestampMillis int64)
	// Flush persists buffered lines and the cursor.
	Flush(ctx context.Context) error
}

// Engine is the narrow capability set over a container backend.
type Engine interface {
	// Start pulls the image if needed and runs the container detached,
	// returning the engine-assigned handle.
	Start(ctx context.Context, req *ContainerRequest, logs LogHandler) (string, error)
	// GetStatus maps the backend's native state onto the activation
	// statuses.
	GetStatus(ctx context.Context, handle string) (Status, error)
	// UpdateLogs reads new log lines since the handler's cursor and feeds
	// them to the handler.
	UpdateLogs(ctx context.Context, handle string, logs LogHandler) error
	// Cleanup removes the container. It is idempotent; a missing handle is
	// not an error.
	Cleanup(ctx context.Context, handle string, logs LogHandler) error
}

// LogSafetyMargin is how far behind the cursor incremental log reads start.
// Backends may return overlap; the caller dedups on timestamps.
const LogSafetyMarginMillis = 1000
