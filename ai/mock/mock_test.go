package mock

import (
	"context"
	"math"
	"testing"

	"github.com/poiesic/docflow/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	m := NewMockEmbedder()
	ctx := context.Background()

	a, err := m.EmbedText(ctx, "hello")
	require.NoError(t, err)
	batch, err := m.EmbedTexts(ctx, []string{"hello", "world"})
	require.NoError(t, err)

	assert.Len(t, a, 384)
	assert.Equal(t, a, batch[0])
	assert.NotEqual(t, batch[0], batch[1])
	assert.Equal(t, 2, m.CallCount())

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)
}

func TestMockEntityExtractor_CapitalizedRuns(t *testing.T) {
	m := NewMockEntityExtractor()
	entities, err := m.ExtractEntities(context.Background(), "Yesterday Coca Cola met Globex Corp. in Springfield, and Coca Cola left.")
	require.NoError(t, err)

	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"Yesterday Coca Cola", "Globex Corp", "Springfield", "Coca Cola"}, names)
}

func TestMockGraphExtractor_LinksConsecutiveNodes(t *testing.T) {
	m := NewMockGraphExtractor()
	graph, err := m.ExtractGraph(context.Background(), "Alice met Bob near Carol.")
	require.NoError(t, err)

	assert.Len(t, graph.Nodes, 3)
	assert.Equal(t, []ai.GraphEdge{
		{Source: "Alice", Target: "Bob", Relation: "mentions"},
		{Source: "Bob", Target: "Carol", Relation: "mentions"},
	}, graph.Edges)
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider().(*MockProvider)
	assert.Same(t, p.GetMockEmbedder(), p.Embedder())
	assert.Same(t, p.GetMockEntityExtractor(), p.EntityExtractor())
	assert.Same(t, p.GetMockGraphExtractor(), p.GraphExtractor())
	assert.NoError(t, p.Close())
}
