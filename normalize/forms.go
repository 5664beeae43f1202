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
	"slices"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// legalSuffixes are dropped from the end of match keys.
var legalSuffixes = []string{
	"inc", "incorporated", "corp", "corporation", "co", "company",
	"ltd", "limited", "llc", "plc", "gmbh",
}

// ExactForm folds case and collapses whitespace. Two mentions with the same
// exact form are the same surface name.
func ExactForm(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// MatchKey is the looser form used for fuzzy scoring and lock striping:
// punctuation becomes space and trailing legal suffixes are dropped.
// A name made only of suffixes keeps them.
func MatchKey(name string) string {
	folded := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, name)
	tokens := strings.Fields(folded)
	end := len(tokens)
	for end > 1 && slices.Contains(legalSuffixes, tokens[end-1]) {
		end--
	}
	return strings.Join(tokens[:end], " ")
}

func tokenSorted(key string) string {
	tokens := strings.Fields(key)
	slices.Sort(tokens)
	return strings.Join(tokens, " ")
}

// Similarity scores two match keys in [0,1]. Word order is ignored by also
// comparing the token-sorted forms and taking the better score.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	direct := levenshtein.Similarity(a, b, nil)
	sorted := levenshtein.Similarity(tokenSorted(a), tokenSorted(b), nil)
	return max(direct, sorted)
}
