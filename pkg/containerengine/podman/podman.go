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

// Package podman runs rulebook workers through the Docker-compatible API of
// a rootless or rootful podman socket.
package podman

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"go.uber.org/zap"

	enginerrors "github.com/ansible/eda-server-sub000/pkg/containerengine/errors"
	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
	"github.com/ansible/eda-server-sub000/pkg/model"
)

const processIDLabel = "eda.process-id"

type engine struct {
	cli *client.Client
	log *zap.SugaredLogger
}

// New connects to the podman socket and verifies it is reachable. An empty
// socketURL derives the default rootless or rootful socket from the uid.
func New(ctx context.Context, socketURL string, log *zap.SugaredLogger) (enginetypes.Engine, error) {
	if socketURL == "" {
		socketURL = defaultSocketURL()
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost(socketURL),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, &enginerrors.InitError{Err: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, &enginerrors.InitError{Err: fmt.Errorf("socket %s unreachable: %w", socketURL, err)}
	}
	log.Debugw("connected to podman socket", "socket", socketURL)
	return &engine{cli: cli, log: log}, nil
}

func defaultSocketURL() string {
	uid := os.Getuid()
	if uid == 0 {
		return "unix:///run/podman/podman.sock"
	}
	return fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", uid)
}

func (e *engine) Start(ctx context.Context, req *enginetypes.ContainerRequest, logs enginetypes.LogHandler) (string, error) {
	ref, err := reference.ParseNormalizedNamed(req.Image)
	if err != nil {
		return "", &enginerrors.StartError{Err: fmt.Errorf("invalid image reference %q: %w", req.Image, err)}
	}
	imageRef := ref.String()

	auth, err := e.login(ctx, imageRef, req.Credential)
	if err != nil {
		return "", err
	}
	if err := e.pullImage(ctx, imageRef, req.PullPolicy, auth); err != nil {
		return "", err
	}

	exposed, bindings := portConfig(req.Ports)

	cfg := &container.Config{
		Image:        imageRef,
		Cmd:          strslice.StrSlice(req.Command),
		Env:          envList(req.Env),
		ExposedPorts: exposed,
		Labels: map[string]string{
			processIDLabel: strconv.FormatInt(req.ProcessID, 10),
		},
	}
	host := &container.HostConfig{
		PortBindings: bindings,
		Binds:        bindList(req.Mounts),
	}
	if req.MemoryLimit != "" {
		mem, err := units.RAMInBytes(req.MemoryLimit)
		if err != nil {
			return "", &enginerrors.StartError{Err: fmt.Errorf("invalid memory limit %q: %w", req.MemoryLimit, err)}
		}
		host.Resources = container.Resources{Memory: mem}
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, req.Name)
	if err != nil {
		return "", &enginerrors.StartError{Err: fmt.Errorf("create failed: %w", err)}
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		if rmErr := e.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			e.log.Warnw("failed to remove container after start error", "container", created.ID, "error", rmErr)
		}
		return "", &enginerrors.StartError{Err: fmt.Errorf("start failed: %w", err)}
	}

	e.log.Infow("started container", "container", created.ID, "image", imageRef, "name", req.Name)
	return created.ID, nil
}

// login authenticates against the image's registry when a credential is
// provided and returns the encoded auth for the pull.
func (e *engine) login(ctx context.Context, imageRef string, cred *enginetypes.RegistryCredential) (string, error) {
	if cred == nil {
		return "", nil
	}
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "", &enginerrors.LoginError{Err: err}
	}
	auth := registry.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Secret,
		ServerAddress: reference.Domain(named),
	}
	if _, err := e.cli.RegistryLogin(ctx, auth); err != nil {
		return "", &enginerrors.LoginError{Err: err}
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return "", &enginerrors.LoginError{Err: err}
	}
	return encoded, nil
}

func (e *engine) pullImage(ctx context.Context, imageRef string, policy enginetypes.PullPolicy, auth string) error {
	switch policy {
	case enginetypes.PullNever:
		return nil
	case enginetypes.PullIfNotPresent:
		present, err := e.imagePresent(ctx, imageRef)
		if err != nil {
			return &enginerrors.ImagePullError{Image: imageRef, Err: err}
		}
		if present {
			return nil
		}
	}
	rc, err := e.cli.ImagePull(ctx, imageRef, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return &enginerrors.ImagePullError{Image: imageRef, Err: err}
	}
	defer rc.Close()
	// The pull happens while the response body streams; drain it fully.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return &enginerrors.ImagePullError{Image: imageRef, Err: err}
	}
	return nil
}

func (e *engine) imagePresent(ctx context.Context, imageRef string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRef)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

func (e *engine) GetStatus(ctx context.Context, handle string) (enginetypes.Status, error) {
	inspect, err := e.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return enginetypes.Status{}, enginerrors.ErrNotFound
		}
		return enginetypes.Status{}, fmt.Errorf("failed to inspect container %s: %w", handle, err)
	}
	return mapState(inspect.State), nil
}

// mapState maps the daemon's native container state onto activation
// statuses.
func mapState(state *container.State) enginetypes.Status {
	if state == nil {
		return enginetypes.Status{State: model.StatusError, Message: "container has no state"}
	}
	switch state.Status {
	case "running", "stopping":
		return enginetypes.Status{State: model.StatusRunning}
	case "exited", "stopped":
		if state.ExitCode == 0 {
			return enginetypes.Status{State: model.StatusCompleted}
		}
		return enginetypes.Status{
			State:   model.StatusFailed,
			Message: fmt.Sprintf("Container exited with code %d", state.ExitCode),
		}
	case "created":
		msg := state.Error
		if msg == "" {
			msg = "Container never started"
		}
		return enginetypes.Status{State: model.StatusFailed, Message: msg}
	case "paused", "restarting", "removing", "dead", "configured", "unknown":
		return enginetypes.Status{
			State:   model.StatusFailed,
			Message: fmt.Sprintf("Container in wrong state: %s", state.Status),
		}
	default:
		return enginetypes.Status{
			State:   model.StatusError,
			Message: fmt.Sprintf("Unexpected container state: %s", state.Status),
		}
	}
}

func (e *engine) UpdateLogs(ctx context.Context, handle string, logs enginetypes.LogHandler) error {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	cursor, ok := logs.LastReadAt()
	if ok {
		since := time.UnixMilli(cursor - enginetypes.LogSafetyMarginMillis).UTC()
		opts.Since = since.Format(time.RFC3339Nano)
	}

	rc, err := e.cli.ContainerLogs(ctx, handle, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return enginerrors.ErrNotFound
		}
		return &enginerrors.UpdateLogsError{Err: err}
	}
	defer rc.Close()

	// The stream is multiplexed unless the container has a TTY.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return &enginerrors.UpdateLogsError{Err: err}
	}

	maxSeen := cursor
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ts, rest, err := splitTimestamp(line)
		if err != nil {
			e.log.Debugw("skipping log line without timestamp", "container", handle, "line", line)
			continue
		}
		if ok && ts <= cursor {
			continue
		}
		logs.Write(rest, ts)
		if ts > maxSeen {
			maxSeen = ts
		}
	}
	if err := scanner.Err(); err != nil {
		return &enginerrors.UpdateLogsError{Err: err}
	}

	if maxSeen > cursor || (!ok && maxSeen > 0) {
		logs.SetLastReadAt(maxSeen)
	}
	if err := logs.Flush(ctx); err != nil {
		return &enginerrors.UpdateLogsError{Err: err}
	}
	return nil
}

// splitTimestamp parses the RFC3339Nano prefix the daemon adds with the
// Timestamps option and returns epoch milliseconds plus the remainder.
func splitTimestamp(line string) (int64, string, error) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return 0, "", fmt.Errorf("no timestamp separator in %q", line)
	}
	ts, err := time.Parse(time.RFC3339Nano, line[:idx])
	if err != nil {
		return 0, "", err
	}
	return ts.UnixMilli(), line[idx+1:], nil
}

func (e *engine) Cleanup(ctx context.Context, handle string, logs enginetypes.LogHandler) error {
	// Last chance to capture output before the container goes away.
	if logs != nil {
		if err := e.UpdateLogs(ctx, handle, logs); err != nil && !errors.Is(err, enginerrors.ErrNotFound) {
			e.log.Warnw("failed to read final logs", "container", handle, "error", err)
		}
	}
	err := e.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return &enginerrors.CleanupError{Err: err}
	}
	e.log.Infow("removed container", "container", handle)
	return nil
}

func portConfig(ports []enginetypes.PortMapping) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.Port))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p.Port)}}
	}
	return exposed, bindings
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func bindList(mounts []enginetypes.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}
