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

package loghandler

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/model"
)

type fakeSink struct {
	batches [][]model.ProcessLogLine
	cursors []int64
	err     error
}

func (f *fakeSink) AppendProcessLogs(_ context.Context, _ int64, lines []model.ProcessLogLine, newReadAt int64) error {
	if f.err != nil {
		return f.err
	}
	batch := make([]model.ProcessLogLine, len(lines))
	copy(batch, lines)
	f.batches = append(f.batches, batch)
	f.cursors = append(f.cursors, newReadAt)
	return nil
}

func TestFlushAfterThreshold(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 1, nil, 2, zap.NewNop().Sugar())

	h.Write("one", 1000)
	if len(sink.batches) != 0 {
		t.Fatalf("expected no flush after one line, got %d batches", len(sink.batches))
	}
	h.Write("two", 2000)
	if len(sink.batches) != 1 {
		t.Fatalf("expected eager flush at threshold, got %d batches", len(sink.batches))
	}
	if len(sink.batches[0]) != 2 {
		t.Errorf("expected 2 lines in batch, got %d", len(sink.batches[0]))
	}
}

func TestFlushAtEndBuffersEverything(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 1, nil, config.FlushAtEnd, zap.NewNop().Sugar())

	for i := 0; i < 500; i++ {
		h.Write("line", int64(i))
	}
	if len(sink.batches) != 0 {
		t.Fatalf("expected no eager flush in flush-at-end mode, got %d batches", len(sink.batches))
	}
	if err := h.Flush(context.Background()); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 500 {
		t.Fatalf("expected one batch with 500 lines, got %v", len(sink.batches))
	}
}

func TestCursorPersistedWithBatch(t *testing.T) {
	start := int64(5000)
	sink := &fakeSink{}
	h := New(sink, 1, &start, 100, zap.NewNop().Sugar())

	if got, ok := h.LastReadAt(); !ok || got != 5000 {
		t.Fatalf("expected seeded cursor 5000, got %d (%v)", got, ok)
	}
	h.Write("a", 6000)
	h.SetLastReadAt(6000)
	if err := h.Flush(context.Background()); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if len(sink.cursors) != 1 || sink.cursors[0] != 6000 {
		t.Fatalf("expected cursor 6000 persisted, got %v", sink.cursors)
	}
}

func TestWriteOperationalFlushesImmediately(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 1, nil, config.FlushAtEnd, zap.NewNop().Sugar())

	if err := h.WriteOperational(context.Background(), "Stop requested by user."); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("expected immediate flush, got %d batches", len(sink.batches))
	}
	if sink.batches[0][0].Line != "Stop requested by user." {
		t.Errorf("unexpected line %q", sink.batches[0][0].Line)
	}
	if sink.batches[0][0].Timestamp == 0 {
		t.Error("operational line should be stamped with the current time")
	}
}

func TestEagerFlushErrorSurfacesOnFlush(t *testing.T) {
	sink := &fakeSink{err: errors.New("db down")}
	h := New(sink, 1, nil, 1, zap.NewNop().Sugar())

	h.Write("a", 1000)
	sink.err = nil
	if err := h.Flush(context.Background()); err == nil {
		t.Fatal("expected remembered flush error, got nil")
	}
	// The second flush persists the still-buffered line.
	if err := h.Flush(context.Background()); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("expected buffered line flushed after recovery, got %d batches", len(sink.batches))
	}
}

func TestFlushNoopWhenClean(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 1, nil, 10, zap.NewNop().Sugar())
	if err := h.Flush(context.Background()); err != nil {
		t.Fatalf("no error expected, but got: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Fatal("clean handler should not touch the sink")
	}
}
