// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"testing"
	"time"
)

func TestFingerprintOf(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantSame bool
	}{
		{
			name:     "simple text",
			content:  "coca cola",
			wantSame: true,
		},
		{
			name:     "empty string",
			content:  "",
			wantSame: true,
		},
		{
			name:     "long content",
			content:  "This is a much longer piece of content that should still hash consistently",
			wantSame: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f1 := FingerprintOf(tt.content)
			f2 := FingerprintOf(tt.content)

			if tt.wantSame && f1 != f2 {
				t.Errorf("FingerprintOf() produced different values for same content: %d vs %d", f1, f2)
			}
		})
	}
}

func TestFingerprintOf_Different(t *testing.T) {
	if FingerprintOf("content1") == FingerprintOf("content2") {
		t.Errorf("FingerprintOf() produced same value for different content")
	}
}

func TestProcessingMetadata_ApplyIsAdditive(t *testing.T) {
	doc := NewDocument("ds", "report.txt", "/tmp/report.txt")

	doc.ApplyPatch(&MetadataPatch{Stage: StageParse, Progress: Ptr(100), Attrs: map[string]string{"pages": "3"}})
	doc.ApplyPatch(&MetadataPatch{Stage: StageChunk, SegmentsCreated: Ptr(12)})
	doc.ApplyPatch(&MetadataPatch{Stage: StageParse, LastError: Ptr("boom")})

	parse := doc.Metadata[StageParse]
	if parse == nil {
		t.Fatal("expected parse metadata")
	}
	if parse.Progress != 100 {
		t.Errorf("expected parse progress to survive later patches, got %d", parse.Progress)
	}
	if parse.Attrs["pages"] != "3" {
		t.Errorf("expected pages attr, got %q", parse.Attrs["pages"])
	}
	if parse.LastError != "boom" {
		t.Errorf("expected last error to be merged, got %q", parse.LastError)
	}
	if got := doc.Metadata[StageChunk].SegmentsCreated; got != 12 {
		t.Errorf("expected chunk segments 12, got %d", got)
	}
}

func TestDocument_RetryCountIsSumOfStages(t *testing.T) {
	doc := NewDocument("ds", "a", "b")
	doc.ApplyPatch(&MetadataPatch{Stage: StageParse, RetryCount: Ptr(1)})
	doc.ApplyPatch(&MetadataPatch{Stage: StageEmbedding, RetryCount: Ptr(2)})

	if doc.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", doc.RetryCount)
	}

	doc.ApplyPatch(&MetadataPatch{Stage: StageEmbedding, RetryCount: Ptr(1)})
	if doc.RetryCount != 2 {
		t.Errorf("expected retry count 2 after overwrite, got %d", doc.RetryCount)
	}
}

func TestMetadataPatch_MergeLaterWins(t *testing.T) {
	started := time.Now().UTC()
	p := &MetadataPatch{Stage: StageEmbedding, Progress: Ptr(10), StartedAt: &started}
	p.Merge(&MetadataPatch{Stage: StageEmbedding, Progress: Ptr(40), Attrs: map[string]string{"batch": "2"}})

	if *p.Progress != 40 {
		t.Errorf("expected progress 40, got %d", *p.Progress)
	}
	if p.StartedAt == nil || !p.StartedAt.Equal(started) {
		t.Errorf("expected started timestamp to be kept")
	}
	if p.Attrs["batch"] != "2" {
		t.Errorf("expected merged attrs")
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	doc := NewDocument("ds", "a", "b")
	doc.ApplyPatch(&MetadataPatch{Stage: StageParse, Attrs: map[string]string{"k": "v"}})

	c := doc.Clone()
	c.Metadata[StageParse].Attrs["k"] = "changed"
	c.Metadata[StageParse].Progress = 50

	if doc.Metadata[StageParse].Attrs["k"] != "v" {
		t.Errorf("clone shares attrs with original")
	}
	if doc.Metadata[StageParse].Progress != 0 {
		t.Errorf("clone shares stage metadata with original")
	}
}

func TestNewSortableID_Monotonic(t *testing.T) {
	prev := NewSortableID()
	for range 1000 {
		next := NewSortableID()
		if prev >= next {
			t.Fatalf("expected ids to increase: %s >= %s", prev, next)
		}
		prev = next
	}
}
