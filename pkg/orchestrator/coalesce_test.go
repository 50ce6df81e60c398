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

package orchestrator

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/ansible/eda-server-sub000/pkg/model"
)

func reqs(kinds ...model.RequestKind) []model.QueuedRequest {
	out := make([]model.QueuedRequest, 0, len(kinds))
	for i, k := range kinds {
		out = append(out, model.QueuedRequest{ID: int64(i + 1), Request: k, ParentID: 7})
	}
	return out
}

func kindsOf(rs []model.QueuedRequest) []model.RequestKind {
	out := make([]model.RequestKind, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Request)
	}
	return out
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name string
		in   []model.RequestKind
		want []model.RequestKind
	}{
		{
			name: "delete shadows everything",
			in:   []model.RequestKind{model.RequestStart, model.RequestStop, model.RequestDelete, model.RequestStart},
			want: []model.RequestKind{model.RequestDelete},
		},
		{
			name: "adjacent starts collapse",
			in:   []model.RequestKind{model.RequestStart, model.RequestStart, model.RequestStart},
			want: []model.RequestKind{model.RequestStart},
		},
		{
			name: "stop then start both kept",
			in:   []model.RequestKind{model.RequestStop, model.RequestStart},
			want: []model.RequestKind{model.RequestStop, model.RequestStart},
		},
		{
			name: "non adjacent duplicates kept",
			in:   []model.RequestKind{model.RequestStart, model.RequestStop, model.RequestStart},
			want: []model.RequestKind{model.RequestStart, model.RequestStop, model.RequestStart},
		},
		{
			name: "auto start behind a start collapses",
			in:   []model.RequestKind{model.RequestStart, model.RequestAutoStart, model.RequestStop},
			want: []model.RequestKind{model.RequestStart, model.RequestStop},
		},
		{
			name: "monitors collapse",
			in:   []model.RequestKind{model.RequestMonitor, model.RequestMonitor, model.RequestAutoStart},
			want: []model.RequestKind{model.RequestMonitor, model.RequestAutoStart},
		},
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := kindsOf(Coalesce(reqs(tc.in...)))
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if diff := deep.Equal(got, tc.want); diff != nil {
				t.Errorf("unexpected coalesce result: %v", diff)
			}
		})
	}
}

func TestCoalesceKeepsFirstDelete(t *testing.T) {
	in := reqs(model.RequestStop, model.RequestDelete, model.RequestDelete)
	out := Coalesce(in)
	if len(out) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(out))
	}
	if out[0].ID != 2 {
		t.Errorf("expected the oldest delete (id 2), got id %d", out[0].ID)
	}
}
