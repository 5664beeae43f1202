package mock

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/poiesic/docflow/ai"
)

// MockEntityExtractor is a test double for ai.EntityExtractor.
type MockEntityExtractor struct {
	// ExtractEntitiesFunc is called by ExtractEntities if set.
	ExtractEntitiesFunc func(ctx context.Context, text string) ([]ai.ExtractedEntity, error)

	callCount atomic.Int64
}

// NewMockEntityExtractor creates a mock entity extractor with default behavior.
func NewMockEntityExtractor() *MockEntityExtractor {
	return &MockEntityExtractor{}
}

// ExtractEntities returns runs of capitalized words as ORGANIZATION
// entities unless ExtractEntitiesFunc is set.
func (m *MockEntityExtractor) ExtractEntities(ctx context.Context, text string) ([]ai.ExtractedEntity, error) {
	m.callCount.Add(1)
	if m.ExtractEntitiesFunc != nil {
		return m.ExtractEntitiesFunc(ctx, text)
	}

	names := capitalizedRuns(text)
	entities := make([]ai.ExtractedEntity, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		entities = append(entities, ai.ExtractedEntity{Name: name, Type: "ORGANIZATION", Salience: 5})
	}
	return entities, nil
}

// CallCount returns the number of times ExtractEntities was called.
func (m *MockEntityExtractor) CallCount() int {
	return int(m.callCount.Load())
}

// Reset clears the call count and custom functions.
func (m *MockEntityExtractor) Reset() {
	m.callCount.Store(0)
	m.ExtractEntitiesFunc = nil
}

// MockGraphExtractor is a test double for ai.GraphExtractor.
type MockGraphExtractor struct {
	// ExtractGraphFunc is called by ExtractGraph if set.
	ExtractGraphFunc func(ctx context.Context, text string) (*ai.Graph, error)

	callCount atomic.Int64
}

// NewMockGraphExtractor creates a mock graph extractor with default behavior.
func NewMockGraphExtractor() *MockGraphExtractor {
	return &MockGraphExtractor{}
}

// ExtractGraph makes a node of every capitalized word run and links
// consecutive nodes with a "mentions" edge unless ExtractGraphFunc is set.
func (m *MockGraphExtractor) ExtractGraph(ctx context.Context, text string) (*ai.Graph, error) {
	m.callCount.Add(1)
	if m.ExtractGraphFunc != nil {
		return m.ExtractGraphFunc(ctx, text)
	}

	graph := &ai.Graph{}
	var prev string
	for _, name := range capitalizedRuns(text) {
		graph.Merge(&ai.Graph{Nodes: []ai.GraphNode{{Name: name, Type: "OTHER"}}})
		if prev != "" && prev != name {
			graph.Merge(&ai.Graph{Edges: []ai.GraphEdge{{Source: prev, Target: name, Relation: "mentions"}}})
		}
		prev = name
	}
	return graph, nil
}

// CallCount returns the number of times ExtractGraph was called.
func (m *MockGraphExtractor) CallCount() int {
	return int(m.callCount.Load())
}

// Reset clears the call count and custom functions.
func (m *MockGraphExtractor) Reset() {
	m.callCount.Store(0)
	m.ExtractGraphFunc = nil
}

// capitalizedRuns returns maximal runs of words starting with an upper-case
// letter, with surrounding punctuation trimmed.
func capitalizedRuns(text string) []string {
	var (
		runs    []string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			runs = append(runs, strings.Join(current, " "))
			current = current[:0]
		}
	}
	for _, word := range strings.Fields(text) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" || !unicode.IsUpper([]rune(trimmed)[0]) {
			flush()
			continue
		}
		current = append(current, trimmed)
		if strings.ContainsAny(word[len(word)-1:], ".,;:!?") {
			flush()
		}
	}
	flush()
	return runs
}
