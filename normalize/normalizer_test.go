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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
	"github.com/poiesic/docflow/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer(t *testing.T, cfg *Config) (*Normalizer, storage.EntityRepository) {
	t.Helper()
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n, err := New(store.Entities(), cfg)
	require.NoError(t, err)
	return n, store.Entities()
}

func org(name string) core.Mention {
	return core.Mention{DatasetID: "ds-1", EntityType: "ORGANIZATION", RawName: name}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrRepositoryRequired)

	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	_, err = New(store.Entities(), &Config{Threshold: 1.5})
	assert.Error(t, err)
}

func TestResolve_InvalidMention(t *testing.T) {
	n, _ := newTestNormalizer(t, nil)
	_, err := n.Resolve(context.Background(), core.Mention{DatasetID: "ds-1", EntityType: "ORGANIZATION", RawName: "  "})
	assert.ErrorIs(t, err, core.ErrInvalidMention)
}

func TestResolve_CocaColaVariantsConcurrently(t *testing.T) {
	n, repo := newTestNormalizer(t, nil)
	ctx := context.Background()

	names := []string{"Coca Cola", "coca-cola", "Coca-Cola Inc."}
	var wg sync.WaitGroup
	results := make([]Resolution, len(names))
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := n.Resolve(ctx, org(name))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	canonicals, err := repo.ListCanonicals(ctx, "ds-1", "ORGANIZATION")
	require.NoError(t, err)
	require.Len(t, canonicals, 1)

	aliases, err := repo.ListAliases(ctx, canonicals[0].ID)
	require.NoError(t, err)
	assert.Len(t, aliases, 2)

	log, err := n.History(ctx, "ds-1")
	require.NoError(t, err)
	assert.Len(t, log, 3)

	methods := map[core.NormalizationMethod]int{}
	for _, res := range results {
		assert.Equal(t, canonicals[0].ID, res.EntityID)
		methods[res.Method]++
	}
	assert.Equal(t, 1, methods[core.MethodNew])
	assert.Equal(t, 2, methods[core.MethodFuzzy])
}

func TestResolve_SeparateNormalizersShareOneEntity(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{name: "punctuation", names: []string{"Coca Cola", "coca-cola"}},
		{name: "legal suffix", names: []string{"Globex", "Globex Corp."}},
		{name: "many variants", names: []string{"Initech", "INITECH", "Initech, Inc.", "initech ltd", "Initech LLC"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := badger.NewMemoryStore()
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			ctx := context.Background()

			// One normalizer per mention, so no process-local lock
			// serializes them.
			var wg sync.WaitGroup
			results := make([]Resolution, len(tt.names))
			for i, name := range tt.names {
				n, err := New(store.Entities(), nil)
				require.NoError(t, err)
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := n.Resolve(ctx, org(name))
					assert.NoError(t, err)
					results[i] = res
				}()
			}
			wg.Wait()

			canonicals, err := store.Entities().ListCanonicals(ctx, "ds-1", "ORGANIZATION")
			require.NoError(t, err)
			require.Len(t, canonicals, 1)
			for _, res := range results {
				assert.Equal(t, canonicals[0].ID, res.EntityID)
			}
		})
	}
}

func TestResolve_ConvergesOnEntityCreatedElsewhere(t *testing.T) {
	n, repo := newTestNormalizer(t, nil)
	ctx := context.Background()

	// Another process created the entity after this one found nothing.
	now := time.Now().UTC()
	existing := &core.CanonicalEntity{
		ID: core.NewID(), DatasetID: "ds-1", EntityType: "ORGANIZATION",
		CanonicalName: "Coca Cola", NormalizedName: "coca cola", MatchKey: "coca cola",
		ConfidenceScore: 1, Source: core.SourceAuto, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.CreateCanonical(ctx, existing))

	_, err := n.create(ctx, org("coca-cola"), ExactForm("coca-cola"), MatchKey("coca-cola"))
	require.ErrorIs(t, err, storage.ErrDuplicateKey)

	res, err := n.Resolve(ctx, org("coca-cola"))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, res.EntityID)
	assert.Equal(t, core.MethodFuzzy, res.Method)
}

func TestResolve_ConcurrentIdenticalMentionsCreateOneEntity(t *testing.T) {
	for _, cacheSize := range []int{0, 128} {
		cfg := DefaultConfig()
		cfg.CacheSize = cacheSize
		n, repo := newTestNormalizer(t, cfg)
		ctx := context.Background()

		const workers = 16
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := n.Resolve(ctx, org("Globex"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		canonicals, err := repo.ListCanonicals(ctx, "ds-1", "ORGANIZATION")
		require.NoError(t, err)
		assert.Len(t, canonicals, 1)
		aliases, err := repo.ListAliasesByType(ctx, "ds-1", "ORGANIZATION")
		require.NoError(t, err)
		assert.Empty(t, aliases)
		log, err := n.History(ctx, "ds-1")
		require.NoError(t, err)
		assert.Len(t, log, workers)
	}
}

func TestResolve_ExactAliasMatchDoesNotDuplicate(t *testing.T) {
	n, repo := newTestNormalizer(t, nil)
	ctx := context.Background()

	created, err := n.Resolve(ctx, org("Coca Cola"))
	require.NoError(t, err)
	assert.Equal(t, core.MethodNew, created.Method)

	fuzzy, err := n.Resolve(ctx, org("coca-cola"))
	require.NoError(t, err)
	assert.Equal(t, core.MethodFuzzy, fuzzy.Method)
	assert.NotEmpty(t, fuzzy.AliasID)

	for range 2 {
		res, err := n.Resolve(ctx, org("COCA-COLA"))
		require.NoError(t, err)
		assert.Equal(t, core.MethodExact, res.Method)
		assert.Equal(t, 1.0, res.Confidence)
		assert.Equal(t, fuzzy.AliasID, res.AliasID)
	}

	aliases, err := repo.ListAliases(ctx, created.EntityID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, 3, aliases[0].MatchCount, "created once, matched twice")

	log, err := n.History(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, core.MethodNew, log[0].Method)
	assert.Equal(t, core.MethodFuzzy, log[1].Method)
	assert.Equal(t, core.MethodExact, log[2].Method)
	assert.Equal(t, core.MethodExact, log[3].Method)
}

func TestResolve_FuzzyPicksClosestEntity(t *testing.T) {
	n, _ := newTestNormalizer(t, nil)
	ctx := context.Background()

	widgets, err := n.Resolve(ctx, org("Acme Widgets"))
	require.NoError(t, err)
	_, err = n.Resolve(ctx, org("Acme Gadgets"))
	require.NoError(t, err)

	res, err := n.Resolve(ctx, org("Acme Widget"))
	require.NoError(t, err)
	assert.Equal(t, core.MethodFuzzy, res.Method)
	assert.Equal(t, widgets.EntityID, res.EntityID)
	assert.GreaterOrEqual(t, res.Confidence, 0.85)
	assert.Equal(t, "Acme Widgets", res.CanonicalName)
}

func TestResolve_BelowThresholdCreatesEntity(t *testing.T) {
	n, _ := newTestNormalizer(t, nil)
	ctx := context.Background()

	a, err := n.Resolve(ctx, org("Apple"))
	require.NoError(t, err)
	b, err := n.Resolve(ctx, org("Microsoft"))
	require.NoError(t, err)
	assert.Equal(t, core.MethodNew, b.Method)
	assert.NotEqual(t, a.EntityID, b.EntityID)
}

func TestResolve_ScopedByDatasetAndType(t *testing.T) {
	n, _ := newTestNormalizer(t, nil)
	ctx := context.Background()

	a, err := n.Resolve(ctx, org("Jordan"))
	require.NoError(t, err)
	b, err := n.Resolve(ctx, core.Mention{DatasetID: "ds-1", EntityType: "PERSON", RawName: "Jordan"})
	require.NoError(t, err)
	c, err := n.Resolve(ctx, core.Mention{DatasetID: "ds-2", EntityType: "ORGANIZATION", RawName: "Jordan"})
	require.NoError(t, err)

	assert.Equal(t, core.MethodNew, b.Method)
	assert.Equal(t, core.MethodNew, c.Method)
	assert.NotEqual(t, a.EntityID, b.EntityID)
	assert.NotEqual(t, a.EntityID, c.EntityID)
}

func TestResolveAll_JoinsErrors(t *testing.T) {
	n, _ := newTestNormalizer(t, nil)
	results, err := n.ResolveAll(context.Background(), []core.Mention{
		org("Initech"),
		{DatasetID: "ds-1", RawName: "missing type"},
		org("initech"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidMention)
	require.Len(t, results, 3)
	assert.Equal(t, core.MethodNew, results[0].Method)
	assert.Empty(t, results[1].EntityID)
	assert.Equal(t, core.MethodExact, results[2].Method)
}

func TestAddAliasAndDeleteEntity(t *testing.T) {
	n, repo := newTestNormalizer(t, nil)
	ctx := context.Background()

	ibm, err := n.Resolve(ctx, org("International Business Machines"))
	require.NoError(t, err)
	alias, err := n.AddAlias(ctx, ibm.EntityID, "Big Blue")
	require.NoError(t, err)
	assert.Equal(t, "manual", alias.AliasType)

	res, err := n.Resolve(ctx, org("big blue"))
	require.NoError(t, err)
	assert.Equal(t, core.MethodExact, res.Method)
	assert.Equal(t, ibm.EntityID, res.EntityID)

	_, err = n.AddAlias(ctx, "no-such-entity", "Whatever")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, n.DeleteEntity(ctx, ibm.EntityID))
	aliases, err := repo.ListAliases(ctx, ibm.EntityID)
	require.NoError(t, err)
	assert.Empty(t, aliases)

	again, err := n.Resolve(ctx, org("big blue"))
	require.NoError(t, err)
	assert.Equal(t, core.MethodNew, again.Method, "cache does not resurrect deleted entities")

	log, err := n.History(ctx, "ds-1")
	require.NoError(t, err)
	assert.Len(t, log, 3, "log survives entity deletion")
}
