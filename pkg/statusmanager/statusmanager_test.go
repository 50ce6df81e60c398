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

package statusmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/model"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.Status
		want     bool
	}{
		{model.StatusPending, model.StatusStarting, true},
		{model.StatusStarting, model.StatusRunning, true},
		{model.StatusRunning, model.StatusPending, true},
		{model.StatusRunning, model.StatusRunning, true},
		// A start may supersede a running activation whose container died
		// externally before any monitor noticed.
		{model.StatusRunning, model.StatusStarting, true},
		{model.StatusStopping, model.StatusStopped, true},
		{model.StatusStopping, model.StatusRunning, false},
		{model.StatusStopping, model.StatusStarting, false},
		{model.StatusStopping, model.StatusWorkersOffline, true},
		{model.StatusWorkersOffline, model.StatusStopping, true},
		{model.StatusCompleted, model.StatusWorkersOffline, false},
		{model.StatusDeleting, model.StatusRunning, false},
		{model.StatusDeleting, model.StatusStopped, false},
		{model.StatusWorkersOffline, model.StatusRunning, true},
		{model.StatusStopped, model.StatusStarting, true},
		{model.StatusFailed, model.StatusStarting, true},
		{model.StatusCompleted, model.StatusRunning, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(sqlx.NewDb(db, "sqlmock"), zap.NewNop().Sugar()), mock
}

func TestSetStatusRefusesInvalidTransition(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "stopping"))
	mock.ExpectRollback()

	m := New(st, 1, zap.NewNop().Sugar())
	err := m.SetStatus(context.Background(), model.StatusRunning, "nope")
	var inv *ErrInvalidTransition
	if !errors.As(err, &inv) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if inv.From != model.StatusStopping || inv.To != model.StatusRunning {
		t.Errorf("unexpected transition in error: %v", inv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetStatusClearsCurrentJobWhenLeavingRunning(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "current_job_id"}).AddRow(1, "running", "job-1"))
	mock.ExpectExec(`UPDATE activations SET current_job_id = NULL WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE activations`).
		WithArgs(int64(1), model.StatusStopped, "Stop requested by user.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := New(st, 1, zap.NewNop().Sugar())
	if err := m.SetStatus(context.Background(), model.StatusStopped, "Stop requested by user."); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetLatestInstanceStatusNoProcess(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "pending"))
	mock.ExpectCommit()

	m := New(st, 1, zap.NewNop().Sugar())
	if err := m.SetLatestInstanceStatus(context.Background(), model.StatusRunning, "x"); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetProcessStatusChecksTransition(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "running"))
	mock.ExpectQuery(`SELECT status FROM rulebook_processes WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	m := New(st, 1, zap.NewNop().Sugar())
	err := m.SetProcessStatus(context.Background(), 7, model.StatusWorkersOffline, "Worker queue has not reported liveness.")
	var inv *ErrInvalidTransition
	if !errors.As(err, &inv) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if inv.From != model.StatusCompleted || inv.To != model.StatusWorkersOffline {
		t.Errorf("unexpected transition in error: %v", inv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetLatestInstanceStatusLocksProcess(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "latest_process_id"}).AddRow(1, "starting", 42))
	mock.ExpectQuery(`SELECT status FROM rulebook_processes WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("starting"))
	mock.ExpectExec(`UPDATE rulebook_processes`).
		WithArgs(int64(42), model.StatusRunning, "Rulebook is running.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := New(st, 1, zap.NewNop().Sugar())
	if err := m.SetLatestInstanceStatus(context.Background(), model.StatusRunning, "Rulebook is running."); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
