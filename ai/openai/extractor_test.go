package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/poiesic/docflow/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChatServer answers chat completions with replies in order, repeating
// the last one.
func fakeChatServer(t *testing.T, replies ...string) (*ai.Config, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		n := int(calls.Add(1)) - 1
		reply := replies[min(n, len(replies)-1)]
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return ai.NewConfig(ai.WithHost(srv.URL), ai.WithExtractorModel("test-model"), ai.WithMinSalience(3)), &calls
}

func TestExtractEntities(t *testing.T) {
	cfg, calls := fakeChatServer(t, "```json\n"+`{"entities":[
		{"name":"Atlanta","type":"place","salience":5},
		{"name":"Coca-Cola","type":"org","salience":10},
		{"name":"coca-cola","type":"ORGANIZATION","salience":9},
		{"name":"Tuesday","type":"DATE","salience":1}
	]}`+"\n```")

	extractor, err := NewEntityExtractor(cfg)
	require.NoError(t, err)

	entities, err := extractor.ExtractEntities(context.Background(), "Coca-Cola is based in Atlanta.")
	require.NoError(t, err)
	assert.Equal(t, []ai.ExtractedEntity{
		{Name: "Coca-Cola", Type: "ORGANIZATION", Salience: 10},
		{Name: "Atlanta", Type: "LOCATION", Salience: 5},
	}, entities)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExtractEntities_RetriesMalformedReply(t *testing.T) {
	cfg, calls := fakeChatServer(t,
		`{"entities": [`,
		`{"entities": [{"name":"Initech","type":"ORGANIZATION", salience": 8}]}`,
	)

	extractor, err := NewEntityExtractor(cfg)
	require.NoError(t, err)

	entities, err := extractor.ExtractEntities(context.Background(), "Initech hired Peter.")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Initech", entities[0].Name)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExtractEntities_GivesUp(t *testing.T) {
	cfg, calls := fakeChatServer(t, `not json`)

	extractor, err := NewEntityExtractor(cfg)
	require.NoError(t, err)

	_, err = extractor.ExtractEntities(context.Background(), "Initech hired Peter.")
	assert.Error(t, err)
	assert.EqualValues(t, maxParseAttempts, calls.Load())
}

func TestExtractEntities_EmptyTextSkipsModel(t *testing.T) {
	cfg, calls := fakeChatServer(t, `{"entities":[]}`)
	extractor, err := NewEntityExtractor(cfg)
	require.NoError(t, err)

	entities, err := extractor.ExtractEntities(context.Background(), "  \n ")
	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.Zero(t, calls.Load())
}

func TestExtractGraph_DropsDanglingEdges(t *testing.T) {
	cfg, _ := fakeChatServer(t, `{
		"nodes": [{"name":"Coca-Cola","type":"ORGANIZATION"},{"name":"Atlanta","type":"gpe"},{"name":"Atlanta","type":"LOCATION"}],
		"edges": [
			{"source":"Coca-Cola","target":"Atlanta","relation":"Headquartered In"},
			{"source":"Coca-Cola","target":"Costa Coffee","relation":"acquired"}
		]
	}`)

	extractor, err := NewGraphExtractor(cfg)
	require.NoError(t, err)

	graph, err := extractor.ExtractGraph(context.Background(), "Coca-Cola, headquartered in Atlanta, acquired Costa Coffee.")
	require.NoError(t, err)
	assert.Equal(t, []ai.GraphNode{
		{Name: "Coca-Cola", Type: "ORGANIZATION"},
		{Name: "Atlanta", Type: "LOCATION"},
	}, graph.Nodes)
	assert.Equal(t, []ai.GraphEdge{
		{Source: "Coca-Cola", Target: "Atlanta", Relation: "headquartered_in"},
	}, graph.Edges)
}

func TestRepairKeys(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"name": "x", type": "y"}`, `{"name": "x", "type": "y"}`},
		{`{salience": 3}`, `{"salience": 3}`},
		{`{"a": [1,true]}`, `{"a": [1,true]}`},
		{`{"a": "b"}`, `{"a": "b"}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repairKeys(tt.in))
	}
}

func TestNewProvider(t *testing.T) {
	cfg, _ := fakeChatServer(t, `{}`)
	provider, err := NewProvider(cfg)
	require.NoError(t, err)
	defer provider.Close()

	assert.NotNil(t, provider.Embedder())
	assert.NotNil(t, provider.EntityExtractor())
	assert.NotNil(t, provider.GraphExtractor())

	_, err = NewProvider(&ai.Config{})
	assert.Error(t, err)
}
