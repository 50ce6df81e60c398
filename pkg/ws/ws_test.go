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

package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/store"
)

// TestWorkerHandshakeOrder dials the endpoint like a rulebook worker and
// checks the typed records come back in protocol order.
func TestWorkerHandshakeOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(sqlx.NewDb(db, "sqlmock"), zap.NewNop().Sugar())

	mock.ExpectQuery(`SELECT \* FROM rulebook_processes WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "activation_id"}).AddRow(42, 1))
	mock.ExpectQuery(`SELECT \* FROM activations WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "rulebook_rulesets", "extra_var", "vault_collection", "aap_token", "aap_host",
		}).AddRow(1, "- name: rs", "x: 1", `[{"label":"default","password":"s"}]`, "tok", "https://aap.example.com"))

	cfg := &config.Config{WebsocketSSLVerify: "yes"}
	h := New(cfg, st, nil, zap.NewNop().Sugar())
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+Path, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]any{"type": "Worker", "activation_id": 42}); err != nil {
		t.Fatalf("failed to send handshake: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	want := []string{"Rulebook", "ExtraVars", "ControllerInfo", "VaultCollection", "EndOfResponse"}
	for _, typ := range want {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("failed to read %s record: %v", typ, err)
		}
		if msg.Type != typ {
			t.Fatalf("record type = %q, want %q", msg.Type, typ)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRewriteControllerURL(t *testing.T) {
	tests := []struct {
		name       string
		controller string
		job        string
		want       string
	}{
		{
			name:       "swaps scheme and host",
			controller: "https://gateway.example.com",
			job:        "http://controller.internal:8043/jobs/42/",
			want:       "https://gateway.example.com/jobs/42/",
		},
		{
			name:       "no controller configured",
			controller: "",
			job:        "http://controller.internal:8043/jobs/42/",
			want:       "http://controller.internal:8043/jobs/42/",
		},
		{
			name:       "empty job url",
			controller: "https://gateway.example.com",
			job:        "",
			want:       "",
		},
		{
			name:       "unparseable job url passes through",
			controller: "https://gateway.example.com",
			job:        "http://bad url with spaces",
			want:       "http://bad url with spaces",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := rewriteControllerURL(tc.controller, tc.job); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractAuditEvents(t *testing.T) {
	receivedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	matching := map[string]json.RawMessage{
		"m_0": json.RawMessage(`{
			"payload": {"alert": "fired"},
			"meta": {
				"uuid": "11111111-0000-0000-0000-000000000001",
				"source": {"name": "my webhook", "type": "ansible.eda.webhook"}
			}
		}`),
		"m_1": json.RawMessage(`{"payload": {"internal": true}, "meta": {}}`),
		"m_2": json.RawMessage(`not json`),
	}

	events := extractAuditEvents(matching, receivedAt)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.UUID != "11111111-0000-0000-0000-000000000001" {
		t.Errorf("uuid = %q", ev.UUID)
	}
	if ev.SourceName != "my webhook" || ev.SourceType != "ansible.eda.webhook" {
		t.Errorf("source = %q/%q", ev.SourceName, ev.SourceType)
	}
	if !ev.ReceivedAt.Equal(receivedAt) {
		t.Errorf("received at = %s", ev.ReceivedAt)
	}
	if _, ok := ev.Payload["meta"]; !ok {
		t.Error("payload should carry the full event body")
	}
}

func TestExtractAuditEventsEmpty(t *testing.T) {
	if got := extractAuditEvents(nil, time.Now()); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
