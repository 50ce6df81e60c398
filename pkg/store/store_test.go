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

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), zap.NewNop().Sugar()), mock
}

func TestGetActivationNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetActivation(context.Background(), 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementFailureCountReturnsNewValue(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE activations SET failure_count = failure_count \+ 1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"failure_count"}).AddRow(3))

	count, err := st.IncrementFailureCount(context.Background(), 1)
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestCreateProcessPinsQueue(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO rulebook_processes`).
		WithArgs(int64(1), "eda-1", model.StatusStarting, "Created rulebook process.", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec(`INSERT INTO rulebook_process_queues`).
		WithArgs(int64(42), "activation-node1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := &model.RulebookProcess{
		ActivationID:  1,
		Name:          "eda-1",
		Status:        model.StatusStarting,
		StatusMessage: "Created rulebook process.",
	}
	id, err := st.CreateProcess(context.Background(), p, "activation-node1")
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if id != 42 || p.ID != 42 {
		t.Errorf("id = %d, p.ID = %d, want 42", id, p.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendProcessLogsDeletesBoundaryRows(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM rulebook_process_logs WHERE process_id = \$1 AND log_timestamp = \$2`).
		WithArgs(int64(42), int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO rulebook_process_logs`).
		WithArgs(int64(42), "line one", int64(5000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO rulebook_process_logs`).
		WithArgs(int64(42), "line two", int64(6000)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE rulebook_processes SET log_read_at = \$2`).
		WithArgs(int64(42), int64(6000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lines := []model.ProcessLogLine{
		{ProcessID: 42, Line: "line one", Timestamp: 5000},
		{ProcessID: 42, Line: "line two", Timestamp: 6000},
	}
	if err := st.AppendProcessLogs(context.Background(), 42, lines, 6000); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendProcessLogsCursorOnly(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE rulebook_processes SET log_read_at = \$2`).
		WithArgs(int64(42), int64(9000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.AppendProcessLogs(context.Background(), 42, nil, 9000); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnqueueRequestWithDelay(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO activation_request_queue`).
		WithArgs(model.RequestAutoStart, int64(1), model.ParentTypeActivation, "req-1", "60.000000 seconds").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.EnqueueRequest(context.Background(), model.ParentTypeActivation, 1, model.RequestAutoStart, "req-1", 60*time.Second)
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFetchAndDeleteRequestsTx(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM activation_request_queue`).
		WithArgs(model.ParentTypeActivation, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request", "process_parent_id", "process_parent_type", "request_id"}).
			AddRow(10, "start", 1, "activation", "r1").
			AddRow(11, "monitor", 1, "activation", "r2"))
	mock.ExpectExec(`DELETE FROM activation_request_queue WHERE id IN`).
		WithArgs(int64(10), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := st.InTx(context.Background(), func(tx *sqlx.Tx) error {
		reqs, err := FetchRequestsTx(context.Background(), tx, model.ParentTypeActivation, 1)
		if err != nil {
			return err
		}
		if len(reqs) != 2 || reqs[0].Request != model.RequestStart {
			t.Errorf("unexpected requests %v", reqs)
		}
		return DeleteRequestsTx(context.Background(), tx, []int64{10, 11})
	})
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPendingParentsIncludesStaleQueues(t *testing.T) {
	st, mock := newMockStore(t)
	staleBefore := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT DISTINCT r\.process_parent_id\s+FROM activation_request_queue r`).
		WithArgs("activation-node2", staleBefore).
		WillReturnRows(sqlmock.NewRows([]string{"process_parent_id"}).AddRow(1).AddRow(9))

	parents, err := st.PendingParents(context.Background(), "activation-node2", staleBefore)
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if len(parents) != 2 || parents[0] != 1 || parents[1] != 9 {
		t.Errorf("unexpected parents %v", parents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateProcessStatusTxLeavesHeartbeatAlone(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	// The heartbeat endpoint is the only writer of updated_at; a status-only
	// update must not reset the liveness clock.
	mock.ExpectExec(`SET status = \$2, status_message = \$3\s+WHERE id = \$1`).
		WithArgs(int64(42), model.StatusWorkersOffline, "Worker queue has not reported liveness.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return UpdateProcessStatusTx(context.Background(), tx, 42, model.StatusWorkersOffline, "Worker queue has not reported liveness.")
	})
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateProcessStatusTxTerminalClearsHandle(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`activation_pod_id = NULL`).
		WithArgs(int64(42), model.StatusStopped, "Stop requested by user.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return UpdateProcessStatusTx(context.Background(), tx, 42, model.StatusStopped, "Stop requested by user.")
	})
	if err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err := st.InTx(context.Background(), func(*sqlx.Tx) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
