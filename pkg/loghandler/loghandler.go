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

// Package loghandler buffers container output and appends it to the process
// log table. Replay dedup happens in the store: rows at the flush boundary
// timestamp are deleted before insert, so crashing between a cursor advance
// and an insert is safe.
package loghandler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/model"
)

// Sink persists batches of log lines together with the new read cursor.
type Sink interface {
	AppendProcessLogs(ctx context.Context, processID int64, lines []model.ProcessLogLine, newReadAt int64) error
}

// Handler implements the engine's LogHandler capability for one process.
// Not safe for concurrent use; each worker task owns its handler.
type Handler struct {
	sink       Sink
	processID  int64
	flushAfter int
	log        *zap.SugaredLogger

	buf     []model.ProcessLogLine
	cursor  int64
	hasRead bool
	dirty   bool
	lastErr error
}

// New builds a handler seeded with the process's persisted log cursor, if
// any.
func New(sink Sink, processID int64, lastReadAt *int64, flushAfter int, log *zap.SugaredLogger) *Handler {
	h := &Handler{
		sink:       sink,
		processID:  processID,
		flushAfter: flushAfter,
		log:        log,
	}
	if lastReadAt != nil {
		h.cursor = *lastReadAt
		h.hasRead = true
	}
	return h
}

func (h *Handler) LastReadAt() (int64, bool) {
	return h.cursor, h.hasRead
}

func (h *Handler) SetLastReadAt(timestampMillis int64) {
	h.cursor = timestampMillis
	h.hasRead = true
	h.dirty = true
}

// Write buffers one line. When the configured flush threshold is reached the
// buffer is persisted eagerly; errors are remembered and surfaced by Flush.
func (h *Handler) Write(line string, timestampMillis int64) {
	h.buf = append(h.buf, model.ProcessLogLine{
		ProcessID: h.processID,
		Line:      line,
		Timestamp: timestampMillis,
	})
	h.dirty = true
	if h.flushAfter != config.FlushAtEnd && len(h.buf) >= h.flushAfter {
		if err := h.Flush(context.Background()); err != nil {
			h.lastErr = err
		}
	}
}

// WriteOperational appends a message produced by the orchestrator itself
// (policy decisions, stop reasons) stamped with the current time, and
// flushes immediately so the user sees it.
func (h *Handler) WriteOperational(ctx context.Context, message string) error {
	h.Write(message, time.Now().UnixMilli())
	return h.Flush(ctx)
}

// Flush persists buffered lines and the cursor in one transaction.
func (h *Handler) Flush(ctx context.Context) error {
	if h.lastErr != nil {
		err := h.lastErr
		h.lastErr = nil
		return err
	}
	if !h.dirty {
		return nil
	}
	var newReadAt int64
	if h.hasRead {
		newReadAt = h.cursor
	}
	if err := h.sink.AppendProcessLogs(ctx, h.processID, h.buf, newReadAt); err != nil {
		return err
	}
	h.buf = h.buf[:0]
	h.dirty = false
	return nil
}
