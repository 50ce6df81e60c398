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

package podman

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
	"github.com/ansible/eda-server-sub000/pkg/model"
)

func TestMapState(t *testing.T) {
	tests := []struct {
		name    string
		state   *container.State
		want    model.Status
		wantMsg string
	}{
		{name: "running", state: &container.State{Status: "running"}, want: model.StatusRunning},
		{name: "stopping counts as running", state: &container.State{Status: "stopping"}, want: model.StatusRunning},
		{name: "clean exit", state: &container.State{Status: "exited", ExitCode: 0}, want: model.StatusCompleted},
		{name: "dirty exit", state: &container.State{Status: "exited", ExitCode: 1}, want: model.StatusFailed, wantMsg: "Container exited with code 1"},
		{name: "stopped dirty", state: &container.State{Status: "stopped", ExitCode: 137}, want: model.StatusFailed, wantMsg: "Container exited with code 137"},
		{name: "created never started", state: &container.State{Status: "created"}, want: model.StatusFailed, wantMsg: "Container never started"},
		{name: "created with error", state: &container.State{Status: "created", Error: "oci runtime error"}, want: model.StatusFailed, wantMsg: "oci runtime error"},
		{name: "paused", state: &container.State{Status: "paused"}, want: model.StatusFailed, wantMsg: "Container in wrong state: paused"},
		{name: "dead", state: &container.State{Status: "dead"}, want: model.StatusFailed, wantMsg: "Container in wrong state: dead"},
		{name: "garbage", state: &container.State{Status: "levitating"}, want: model.StatusError, wantMsg: "Unexpected container state: levitating"},
		{name: "nil state", state: nil, want: model.StatusError, wantMsg: "container has no state"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mapState(tc.state)
			if got.State != tc.want {
				t.Errorf("state = %s, want %s", got.State, tc.want)
			}
			if tc.wantMsg != "" && got.Message != tc.wantMsg {
				t.Errorf("message = %q, want %q", got.Message, tc.wantMsg)
			}
		})
	}
}

func TestSplitTimestamp(t *testing.T) {
	ref := time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)
	line := ref.Format(time.RFC3339Nano) + " INFO listening on port 5000"

	ts, rest, err := splitTimestamp(line)
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if ts != ref.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", ts, ref.UnixMilli())
	}
	if rest != "INFO listening on port 5000" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitTimestampRejectsGarbage(t *testing.T) {
	for _, line := range []string{"no-space-line", "notatimestamp rest of line"} {
		if _, _, err := splitTimestamp(line); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}

func TestPortConfig(t *testing.T) {
	exposed, bindings := portConfig([]enginetypes.PortMapping{
		{Host: "0.0.0.0", Port: 5000},
		{Port: 9000},
	})
	if len(exposed) != 2 || len(bindings) != 2 {
		t.Fatalf("expected 2 ports, got %d exposed, %d bound", len(exposed), len(bindings))
	}
	if _, ok := exposed["5000/tcp"]; !ok {
		t.Error("missing 5000/tcp")
	}
	if got := bindings["9000/tcp"]; len(got) != 1 || got[0].HostPort != "9000" {
		t.Errorf("unexpected binding %v", got)
	}
}

func TestPortConfigEmpty(t *testing.T) {
	exposed, bindings := portConfig(nil)
	if exposed != nil || bindings != nil {
		t.Error("no ports should produce nil maps")
	}
}

func TestBindList(t *testing.T) {
	got := bindList([]enginetypes.Mount{
		{Source: "/host/certs", Target: "/certs", ReadOnly: true},
		{Source: "/data", Target: "/data"},
	})
	if len(got) != 2 || got[0] != "/host/certs:/certs:ro" || got[1] != "/data:/data" {
		t.Errorf("unexpected binds %v", got)
	}
}
