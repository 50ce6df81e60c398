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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// channelFor maps a worker queue name onto a valid Postgres channel
// identifier. Queue names are operator-provided and may contain characters
// an identifier cannot.
func channelFor(queueName string) string {
	sum := sha256.Sum256([]byte(queueName))
	return "eda_wake_" + hex.EncodeToString(sum[:8])
}

// NotifyQueue wakes every worker listening on the queue's channel.
func (s *Store) NotifyQueue(ctx context.Context, queueName string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, channelFor(queueName)); err != nil {
		return fmt.Errorf("failed to notify queue %q: %w", queueName, err)
	}
	return nil
}

// Listener blocks a worker until its queue is woken. It holds a dedicated
// connection; the store's pool is not suitable because LISTEN is
// session-scoped.
type Listener struct {
	conn      *pgx.Conn
	queueName string
	log       *zap.SugaredLogger
}

// NewListener connects and subscribes to the queue's wake channel.
func NewListener(ctx context.Context, databaseURL, queueName string, log *zap.SugaredLogger) (*Listener, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect listener for queue %q: %w", queueName, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channelFor(queueName)); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to listen on queue %q: %w", queueName, err)
	}
	return &Listener{conn: conn, queueName: queueName, log: log}, nil
}

// Wait blocks until a wake arrives, the poll interval elapses, or ctx is
// canceled. The interval is a fallback for missed notifications and for
// delayed requests becoming visible.
func (l *Listener) Wait(ctx context.Context, pollInterval time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()
	_, err := l.conn.WaitForNotification(waitCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed waiting for wake on queue %q: %w", l.queueName, err)
}

func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
