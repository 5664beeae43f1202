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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

const lockStripes = 256

// Config holds normalizer settings.
type Config struct {
	Threshold  float64 // Minimum fuzzy score accepted as a match
	CacheSize  int     // Exact-form lookups kept in memory; zero disables the cache
	MaxRetries int     // Restarts after a duplicate-key conflict
}

// DefaultConfig returns the normalizer defaults.
func DefaultConfig() *Config {
	return &Config{
		Threshold:  0.85,
		CacheSize:  4096,
		MaxRetries: 3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", c.Threshold)
	}
	if c.CacheSize < 0 {
		return errors.New("cache size must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	return nil
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// Resolution is the outcome of resolving one mention.
type Resolution struct {
	EntityID      string                   `json:"entityId"`
	CanonicalName string                   `json:"canonicalName"`
	AliasID       string                   `json:"aliasId,omitempty"` // Alias matched or created, if any
	Method        core.NormalizationMethod `json:"method"`
	Confidence    float64                  `json:"confidence"`
	LogID         string                   `json:"logId"`
}

type cacheEntry struct {
	entityID      string
	canonicalName string
	aliasID       string
}

// Normalizer resolves mentions to canonical entities.
type Normalizer struct {
	entities storage.EntityRepository
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	locks [lockStripes]sync.Mutex
	cache *lru.Cache[string, cacheEntry] // nil when disabled
}

// New creates a normalizer over entities.
func New(entities storage.EntityRepository, cfg *Config, opts ...Option) (*Normalizer, error) {
	if entities == nil {
		return nil, ErrRepositoryRequired
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Normalizer{
		entities: entities,
		cfg:      *cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "normalizer")
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create lookup cache: %w", err)
		}
		n.cache = cache
	}
	return n, nil
}

func (n *Normalizer) lockFor(datasetID, entityType, key string) *sync.Mutex {
	fp := core.FingerprintOf(datasetID + "\x00" + entityType + "\x00" + key)
	return &n.locks[uint64(fp)%lockStripes]
}

func cacheKey(datasetID, entityType, form string) string {
	return datasetID + "\x00" + entityType + "\x00" + form
}

// Resolve maps a raw mention to a canonical entity, creating one if nothing
// in the dictionary is close enough. Exactly one log entry is appended.
func (n *Normalizer) Resolve(ctx context.Context, m core.Mention) (Resolution, error) {
	if err := core.ValidateMention(m); err != nil {
		return Resolution{}, err
	}
	form := ExactForm(m.RawName)
	key := MatchKey(m.RawName)

	mu := n.lockFor(m.DatasetID, m.EntityType, key)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		res, err := n.resolve(ctx, m, form, key)
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return res, err
		}
		if attempt >= n.cfg.MaxRetries {
			return Resolution{}, fmt.Errorf("%w: %q: %w", ErrResolutionConflict, m.RawName, err)
		}
		n.logger.Debug("resolution raced a concurrent writer, retrying", "mention", m.RawName, "attempt", attempt+1)
	}
}

// ResolveAll resolves mentions one by one. Results line up with mentions;
// a failed mention leaves a zero Resolution and its error is joined into
// the returned error.
func (n *Normalizer) ResolveAll(ctx context.Context, mentions []core.Mention) ([]Resolution, error) {
	results := make([]Resolution, len(mentions))
	var errs []error
	for i, m := range mentions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := n.Resolve(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("mention %q: %w", m.RawName, err))
			continue
		}
		results[i] = res
	}
	return results, errors.Join(errs...)
}

func (n *Normalizer) resolve(ctx context.Context, m core.Mention, form, key string) (Resolution, error) {
	res, found, err := n.exact(ctx, m, form)
	if err != nil {
		return Resolution{}, err
	}
	if !found {
		res, found, err = n.sameKey(ctx, m, form, key)
		if err != nil {
			return Resolution{}, err
		}
	}
	if !found {
		res, found, err = n.fuzzy(ctx, m, form, key)
		if err != nil {
			return Resolution{}, err
		}
	}
	if !found {
		res, err = n.create(ctx, m, form, key)
		if err != nil {
			return Resolution{}, err
		}
	}

	entry := &core.NormalizationLogEntry{
		ID:             core.NewSortableID(),
		DatasetID:      m.DatasetID,
		EntityType:     m.EntityType,
		OriginalEntity: m.RawName,
		NormalizedTo:   res.EntityID,
		Method:         res.Method,
		Confidence:     res.Confidence,
		CreatedAt:      n.now(),
	}
	if err := n.entities.AppendLog(ctx, entry); err != nil {
		return Resolution{}, fmt.Errorf("failed to append normalization log: %w", err)
	}
	res.LogID = entry.ID

	if n.cache != nil {
		n.cache.Add(cacheKey(m.DatasetID, m.EntityType, form), cacheEntry{
			entityID:      res.EntityID,
			canonicalName: res.CanonicalName,
			aliasID:       res.AliasID,
		})
	}
	n.logger.Debug("mention resolved", "mention", m.RawName, "entity", res.EntityID,
		"method", res.Method, "confidence", res.Confidence)
	return res, nil
}

// exact looks the surface form up among canonical names, then aliases.
// Alias hits bump the alias's match statistics.
func (n *Normalizer) exact(ctx context.Context, m core.Mention, form string) (Resolution, bool, error) {
	if n.cache != nil {
		ck := cacheKey(m.DatasetID, m.EntityType, form)
		if hit, ok := n.cache.Get(ck); ok {
			res := Resolution{
				EntityID:      hit.entityID,
				CanonicalName: hit.canonicalName,
				AliasID:       hit.aliasID,
				Method:        core.MethodExact,
				Confidence:    1,
			}
			if hit.aliasID == "" {
				return res, true, nil
			}
			_, err := n.entities.TouchAlias(ctx, hit.aliasID, n.now())
			if err == nil {
				return res, true, nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return Resolution{}, false, err
			}
			n.cache.Remove(ck)
		}
	}

	entity, err := n.entities.FindCanonicalByForm(ctx, m.DatasetID, m.EntityType, form)
	if err == nil {
		return Resolution{
			EntityID:      entity.ID,
			CanonicalName: entity.CanonicalName,
			Method:        core.MethodExact,
			Confidence:    1,
		}, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, false, err
	}

	aliases, err := n.entities.FindAliasesByForm(ctx, m.DatasetID, m.EntityType, form)
	if err != nil {
		return Resolution{}, false, err
	}
	if len(aliases) == 0 {
		return Resolution{}, false, nil
	}
	best := aliases[0]
	for _, a := range aliases[1:] {
		if preferAlias(a, best) {
			best = a
		}
	}
	if _, err := n.entities.TouchAlias(ctx, best.ID, n.now()); err != nil {
		return Resolution{}, false, err
	}
	owner, err := n.entities.GetCanonical(ctx, best.OwnerEntityID)
	if err != nil {
		return Resolution{}, false, err
	}
	return Resolution{
		EntityID:      owner.ID,
		CanonicalName: owner.CanonicalName,
		AliasID:       best.ID,
		Method:        core.MethodExact,
		Confidence:    1,
	}, true, nil
}

func preferAlias(a, b *core.Alias) bool {
	if !a.LastMatchedAt.Equal(b.LastMatchedAt) {
		return a.LastMatchedAt.After(b.LastMatchedAt)
	}
	if a.MatchCount != b.MatchCount {
		return a.MatchCount > b.MatchCount
	}
	return a.ID < b.ID
}

type candidate struct {
	entityID    string
	score       float64
	lastMatched time.Time
	matchCount  int
	id          string
}

// better orders candidates by score, then recency, then popularity, then ID.
func (c candidate) better(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	if !c.lastMatched.Equal(o.lastMatched) {
		return c.lastMatched.After(o.lastMatched)
	}
	if c.matchCount != o.matchCount {
		return c.matchCount > o.matchCount
	}
	return c.id < o.id
}

// fuzzy scores the mention against every name of its dataset and type and
// records an alias on the best entity above the threshold.
func (n *Normalizer) fuzzy(ctx context.Context, m core.Mention, form, key string) (Resolution, bool, error) {
	canonicals, err := n.entities.ListCanonicals(ctx, m.DatasetID, m.EntityType)
	if err != nil {
		return Resolution{}, false, err
	}
	if len(canonicals) == 0 {
		return Resolution{}, false, nil
	}
	aliases, err := n.entities.ListAliasesByType(ctx, m.DatasetID, m.EntityType)
	if err != nil {
		return Resolution{}, false, err
	}

	names := make(map[string]string, len(canonicals))
	var best candidate
	found := false
	consider := func(c candidate) {
		if c.score < n.cfg.Threshold {
			return
		}
		if !found || c.better(best) {
			best, found = c, true
		}
	}
	for _, e := range canonicals {
		names[e.ID] = e.CanonicalName
		consider(candidate{
			entityID:    e.ID,
			score:       Similarity(key, MatchKey(e.CanonicalName)),
			lastMatched: e.UpdatedAt,
			id:          e.ID,
		})
	}
	for _, a := range aliases {
		consider(candidate{
			entityID:    a.OwnerEntityID,
			score:       Similarity(key, MatchKey(a.AliasText)),
			lastMatched: a.LastMatchedAt,
			matchCount:  a.MatchCount,
			id:          a.ID,
		})
	}
	if !found {
		return Resolution{}, false, nil
	}

	res, err := n.attach(ctx, m, form, best.entityID, names[best.entityID], best.score)
	return res, err == nil, err
}

// sameKey finds an entity whose match key equals the mention's without
// scoring the whole dictionary.
func (n *Normalizer) sameKey(ctx context.Context, m core.Mention, form, key string) (Resolution, bool, error) {
	if key == "" {
		return Resolution{}, false, nil
	}
	entity, err := n.entities.FindCanonicalByMatchKey(ctx, m.DatasetID, m.EntityType, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, err
	}
	res, err := n.attach(ctx, m, form, entity.ID, entity.CanonicalName, 1)
	return res, err == nil, err
}

// attach records the mention as a fuzzy alias of an existing entity.
func (n *Normalizer) attach(ctx context.Context, m core.Mention, form, entityID, canonicalName string, score float64) (Resolution, error) {
	now := n.now()
	alias := &core.Alias{
		ID:              core.NewID(),
		OwnerEntityID:   entityID,
		DatasetID:       m.DatasetID,
		EntityType:      m.EntityType,
		AliasText:       strings.TrimSpace(m.RawName),
		NormalizedText:  form,
		SimilarityScore: score,
		MatchCount:      1,
		LastMatchedAt:   now,
		AliasType:       string(core.MethodFuzzy),
		CreatedAt:       now,
	}
	if err := n.entities.AddAlias(ctx, alias); err != nil {
		return Resolution{}, err
	}
	return Resolution{
		EntityID:      entityID,
		CanonicalName: canonicalName,
		AliasID:       alias.ID,
		Method:        core.MethodFuzzy,
		Confidence:    score,
	}, nil
}

// create inserts a new canonical entity. Storage keeps match keys unique,
// so a normalizer in another process that raced this one surfaces as
// ErrDuplicateKey and the retry in Resolve finds the winner.
func (n *Normalizer) create(ctx context.Context, m core.Mention, form, key string) (Resolution, error) {
	now := n.now()
	entity := &core.CanonicalEntity{
		ID:              core.NewID(),
		DatasetID:       m.DatasetID,
		EntityType:      m.EntityType,
		CanonicalName:   strings.Join(strings.Fields(m.RawName), " "),
		NormalizedName:  form,
		MatchKey:        key,
		ConfidenceScore: 1,
		Source:          core.SourceAuto,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := n.entities.CreateCanonical(ctx, entity); err != nil {
		return Resolution{}, err
	}
	return Resolution{
		EntityID:      entity.ID,
		CanonicalName: entity.CanonicalName,
		Method:        core.MethodNew,
		Confidence:    1,
	}, nil
}

// AddAlias attaches a manually curated alias to an entity.
func (n *Normalizer) AddAlias(ctx context.Context, entityID, text string) (*core.Alias, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyEntityName
	}
	owner, err := n.entities.GetCanonical(ctx, entityID)
	if err != nil {
		return nil, err
	}
	form := ExactForm(text)
	mu := n.lockFor(owner.DatasetID, owner.EntityType, MatchKey(text))
	mu.Lock()
	defer mu.Unlock()

	alias := &core.Alias{
		ID:              core.NewID(),
		OwnerEntityID:   owner.ID,
		DatasetID:       owner.DatasetID,
		EntityType:      owner.EntityType,
		AliasText:       strings.TrimSpace(text),
		NormalizedText:  form,
		SimilarityScore: 1,
		AliasType:       string(core.SourceManual),
		CreatedAt:       n.now(),
	}
	if err := n.entities.AddAlias(ctx, alias); err != nil {
		return nil, err
	}
	if n.cache != nil {
		n.cache.Remove(cacheKey(owner.DatasetID, owner.EntityType, form))
	}
	return alias, nil
}

// DeleteEntity removes an entity and its aliases. Its log entries remain.
func (n *Normalizer) DeleteEntity(ctx context.Context, entityID string) error {
	aliases, err := n.entities.DeleteCanonical(ctx, entityID)
	if err != nil {
		return err
	}
	if n.cache != nil {
		for _, k := range n.cache.Keys() {
			if hit, ok := n.cache.Peek(k); ok && hit.entityID == entityID {
				n.cache.Remove(k)
			}
		}
	}
	n.logger.Info("entity deleted", "entity", entityID, "aliases", len(aliases))
	return nil
}

// Entities lists the canonical entities of one dataset and type.
func (n *Normalizer) Entities(ctx context.Context, datasetID, entityType string) ([]*core.CanonicalEntity, error) {
	return n.entities.ListCanonicals(ctx, datasetID, entityType)
}

// Aliases lists the aliases owned by an entity.
func (n *Normalizer) Aliases(ctx context.Context, entityID string) ([]*core.Alias, error) {
	return n.entities.ListAliases(ctx, entityID)
}

// History returns a dataset's normalization log, oldest first.
func (n *Normalizer) History(ctx context.Context, datasetID string) ([]*core.NormalizationLogEntry, error) {
	return n.entities.ListLog(ctx, datasetID)
}
