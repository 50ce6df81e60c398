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

// Package health provides the readiness checks the daemon exposes.
package health

import (
	"database/sql"
	"time"

	"github.com/heptiolabs/healthcheck"
	"k8s.io/client-go/kubernetes"
)

// DatabaseReachable verifies the record store answers within the timeout.
func DatabaseReachable(db *sql.DB) healthcheck.Check {
	return healthcheck.DatabasePingCheck(db, 2*time.Second)
}

// ApiserverReachable verifies the cluster is reachable. Wired only for the
// kubernetes deployment type.
func ApiserverReachable(client kubernetes.Interface) healthcheck.Check {
	return func() error {
		_, err := client.Discovery().ServerVersion()
		return err
	}
}
