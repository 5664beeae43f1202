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

package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExactForm(t *testing.T) {
	tests := map[string]string{
		"Coca Cola":        "coca cola",
		"  COCA   cola\t":  "coca cola",
		"Coca-Cola Inc.":   "coca-cola inc.",
		"Société Générale": "société générale",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExactForm(in), in)
	}
}

func TestMatchKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Coca Cola", "coca cola"},
		{"coca-cola", "coca cola"},
		{"Coca-Cola Inc.", "coca cola"},
		{"Acme Corp, Ltd.", "acme"},
		{"Inc.", "inc"},
		{"3M Company", "3m"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchKey(tt.in))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("coca cola", "coca cola"))
	assert.Equal(t, 1.0, Similarity("bank of america", "america bank of"), "word order is ignored")
	assert.InDelta(t, 0.889, Similarity("microsft", "microsoft"), 0.01)
	assert.Less(t, Similarity("apple", "microsoft"), 0.5)
	assert.Zero(t, Similarity("", "acme"))
}
