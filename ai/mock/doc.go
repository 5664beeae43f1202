// Package mock provides test double implementations of AI service interfaces.
//
// Constructors return concrete types so tests can inject behavior and
// inspect call counts:
//
//	mockEmbedder := mock.NewMockEmbedder()
//	mockEmbedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
//	    return nil, errors.New("provider unavailable")
//	}
//
//	// Check call counts
//	count := mockEmbedder.CallCount()
//
// # Default Behavior
//
//   - MockEmbedder: Returns deterministic vectors based on text hash
//   - MockEntityExtractor: Treats capitalized word runs as entities
//   - MockGraphExtractor: Links consecutive entities with a "mentions" edge
//   - MockProvider: Aggregates the three

package mock
