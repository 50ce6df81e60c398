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

// Package errors holds the error kinds the engine layer translates native
// backend failures into. The activation manager branches on these kinds:
// image-pull and login failures feed the restart policy, start failures are
// terminal configuration problems, cleanup and log failures are recovered
// locally.
package errors

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the engine no longer knows the handle. The
// manager applies the missing-container policy on it.
var ErrNotFound = errors.New("container not found")

// ErrEngineNotFound reports an unknown deployment type at engine selection.
var ErrEngineNotFound = errors.New("container engine not found")

// InitError means the engine could not be initialized at all (unreachable
// socket, missing namespace).
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return fmt.Sprintf("failed to initialize container engine: %v", e.Err) }
func (e *InitError) Unwrap() error { return e.Err }

// StartError means the engine accepted the request but could not run the
// container. This is a configuration problem, not subject to restart policy.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return fmt.Sprintf("failed to start container: %v", e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// ImagePullError means the image is unavailable. Subject to restart policy.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("failed to pull image %s: %v", e.Image, e.Err)
}
func (e *ImagePullError) Unwrap() error { return e.Err }

// LoginError means registry authentication failed. Subject to restart policy.
type LoginError struct {
	Err error
}

func (e *LoginError) Error() string { return fmt.Sprintf("failed to login to registry: %v", e.Err) }
func (e *LoginError) Unwrap() error { return e.Err }

// CleanupError wraps failures of the idempotent cleanup path.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string { return fmt.Sprintf("failed to cleanup container: %v", e.Err) }
func (e *CleanupError) Unwrap() error { return e.Err }

// UpdateLogsError wraps log streaming failures. Logged, never escalated into
// a status change.
type UpdateLogsError struct {
	Err error
}

func (e *UpdateLogsError) Error() string { return fmt.Sprintf("failed to update logs: %v", e.Err) }
func (e *UpdateLogsError) Unwrap() error { return e.Err }

// IsRecoverable reports whether the error feeds the restart policy instead
// of marking the activation as a configuration error.
func IsRecoverable(err error) bool {
	var pull *ImagePullError
	var login *LoginError
	return errors.As(err, &pull) || errors.As(err, &login)
}
