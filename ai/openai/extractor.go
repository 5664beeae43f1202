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

package openai

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/poiesic/docflow/ai"
)

// EntityExtractor implements ai.EntityExtractor using OpenAI-compatible chat APIs.
type EntityExtractor struct {
	chat        *jsonChat
	minSalience int
}

// entity is the JSON shape the model is asked to produce.
type entity struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Salience int    `json:"salience"`
}

type entityReply struct {
	Entities []entity `json:"entities"`
}

// newEntityExtractor is an internal constructor that returns the concrete type.
func newEntityExtractor(config *ai.Config) (*EntityExtractor, error) {
	chat, err := newJSONChat(config, "openai-entity-extractor")
	if err != nil {
		return nil, err
	}
	return &EntityExtractor{chat: chat, minSalience: config.MinSalience}, nil
}

// NewEntityExtractor creates an entity extractor using the provided configuration.
//
// Returns ai.EntityExtractor interface to enforce abstraction.
func NewEntityExtractor(config *ai.Config) (ai.EntityExtractor, error) {
	return newEntityExtractor(config)
}

// ExtractEntities asks the model for the named entities in text, drops
// those below the salience threshold, and returns the rest most salient first.
func (e *EntityExtractor) ExtractEntities(ctx context.Context, text string) ([]ai.ExtractedEntity, error) {
	text = scrubText(text)
	if text == "" {
		return []ai.ExtractedEntity{}, nil
	}

	var reply entityReply
	ok, err := e.chat.complete(ctx, entitySystemPrompt(), text, &reply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []ai.ExtractedEntity{}, nil
	}

	seen := make(map[string]bool, len(reply.Entities))
	extracted := make([]ai.ExtractedEntity, 0, len(reply.Entities))
	for _, ent := range reply.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" || ent.Salience < e.minSalience {
			continue
		}
		typ := ai.NormalizeEntityType(ent.Type)
		key := typ + "\x00" + strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		extracted = append(extracted, ai.ExtractedEntity{Name: name, Type: typ, Salience: ent.Salience})
	}
	slices.SortStableFunc(extracted, func(a, b ai.ExtractedEntity) int {
		return cmp.Compare(b.Salience, a.Salience)
	})

	e.chat.logger.Debug("extracted entities", "total", len(reply.Entities), "kept", len(extracted))
	return extracted, nil
}
