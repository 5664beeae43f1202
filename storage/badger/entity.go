package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

// EntityRepository implements storage.EntityRepository for BadgerDB.
type EntityRepository struct {
	backend *Backend
}

var _ storage.EntityRepository = (*EntityRepository)(nil)

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(backend *Backend) (*EntityRepository, error) {
	return &EntityRepository{
		backend: backend,
	}, nil
}

// Close releases resources. EntityRepository has no resources to release.
func (r *EntityRepository) Close() error {
	return nil
}

// CreateCanonical inserts a canonical entity. The name and match key index
// keys make the insert fail with ErrDuplicateKey when another writer already
// claimed the same normalized name or match key.
func (r *EntityRepository) CreateCanonical(ctx context.Context, entity *core.CanonicalEntity) error {
	if err := core.ValidateCanonicalEntity(entity); err != nil {
		return err
	}
	return r.backend.update(ctx, func(tx *badger.Txn) error {
		unique := [][]byte{
			makeEntityKey(entity.ID),
			makeEntityNameKey(entity.DatasetID, entity.EntityType, entity.NormalizedName),
		}
		if entity.MatchKey != "" {
			unique = append(unique, makeEntityMatchKey(entity.DatasetID, entity.EntityType, entity.MatchKey))
		}
		for _, key := range unique {
			found, err := exists(tx, key)
			if err != nil {
				return err
			}
			if found {
				return storage.ErrDuplicateKey
			}
		}
		if err := tx.Set(unique[0], storage.MarshalCanonicalEntity(entity)); err != nil {
			return err
		}
		for _, key := range unique[1:] {
			if err := tx.Set(key, []byte(entity.ID)); err != nil {
				return err
			}
		}
		return tx.Set(makeEntityTypeKey(entity.DatasetID, entity.EntityType, entity.ID), []byte{})
	})
}

// GetCanonical retrieves a canonical entity by ID.
func (r *EntityRepository) GetCanonical(ctx context.Context, id string) (*core.CanonicalEntity, error) {
	var result *core.CanonicalEntity
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = readValue(tx, makeEntityKey(id), storage.UnmarshalCanonicalEntity)
		return err
	})
	return result, err
}

// FindCanonicalByForm looks up a canonical entity by its normalized name.
func (r *EntityRepository) FindCanonicalByForm(ctx context.Context, datasetID, entityType, form string) (*core.CanonicalEntity, error) {
	return r.findBy(ctx, makeEntityNameKey(datasetID, entityType, form))
}

// FindCanonicalByMatchKey looks up a canonical entity by its match key.
func (r *EntityRepository) FindCanonicalByMatchKey(ctx context.Context, datasetID, entityType, key string) (*core.CanonicalEntity, error) {
	return r.findBy(ctx, makeEntityMatchKey(datasetID, entityType, key))
}

func (r *EntityRepository) findBy(ctx context.Context, indexKey []byte) (*core.CanonicalEntity, error) {
	var result *core.CanonicalEntity
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		id, err := readString(tx, indexKey)
		if err != nil {
			return err
		}
		result, err = readValue(tx, makeEntityKey(id), storage.UnmarshalCanonicalEntity)
		return err
	})
	return result, err
}

// ListCanonicals returns every canonical entity of one type in a dataset.
func (r *EntityRepository) ListCanonicals(ctx context.Context, datasetID, entityType string) ([]*core.CanonicalEntity, error) {
	var result []*core.CanonicalEntity
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		for _, id := range scanSuffixes(tx, makeScanPrefix(entityTypePrefix, datasetID, entityType)) {
			entity, err := readValue(tx, makeEntityKey(id), storage.UnmarshalCanonicalEntity)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			result = append(result, entity)
		}
		return nil
	})
	return result, err
}

// DeleteCanonical removes an entity together with its aliases.
func (r *EntityRepository) DeleteCanonical(ctx context.Context, id string) ([]*core.Alias, error) {
	var removed []*core.Alias
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		removed = nil
		entity, err := readValue(tx, makeEntityKey(id), storage.UnmarshalCanonicalEntity)
		if err != nil {
			return err
		}
		aliases, err := listAliasesByOwner(tx, id)
		if err != nil {
			return err
		}
		for _, alias := range aliases {
			if err := deleteAlias(tx, alias); err != nil {
				return err
			}
		}
		keys := [][]byte{
			makeEntityKey(id),
			makeEntityNameKey(entity.DatasetID, entity.EntityType, entity.NormalizedName),
			makeEntityTypeKey(entity.DatasetID, entity.EntityType, id),
		}
		if entity.MatchKey != "" {
			keys = append(keys, makeEntityMatchKey(entity.DatasetID, entity.EntityType, entity.MatchKey))
		}
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		removed = aliases
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// AddAlias inserts an alias for an existing canonical entity.
func (r *EntityRepository) AddAlias(ctx context.Context, alias *core.Alias) error {
	if alias == nil || alias.ID == "" || alias.OwnerEntityID == "" || alias.NormalizedText == "" {
		return core.ErrInvalidEntity
	}
	return r.backend.update(ctx, func(tx *badger.Txn) error {
		found, err := exists(tx, makeEntityKey(alias.OwnerEntityID))
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrNotFound
		}
		ownerKey := makeAliasOwnerKey(alias.OwnerEntityID, alias.NormalizedText)
		for _, key := range [][]byte{makeAliasKey(alias.ID), ownerKey} {
			found, err := exists(tx, key)
			if err != nil {
				return err
			}
			if found {
				return storage.ErrDuplicateKey
			}
		}
		if err := tx.Set(makeAliasKey(alias.ID), storage.MarshalAlias(alias)); err != nil {
			return err
		}
		if err := tx.Set(ownerKey, []byte(alias.ID)); err != nil {
			return err
		}
		if err := tx.Set(makeAliasFormKey(alias.DatasetID, alias.EntityType, alias.NormalizedText, alias.ID), []byte{}); err != nil {
			return err
		}
		return tx.Set(makeAliasTypeKey(alias.DatasetID, alias.EntityType, alias.ID), []byte{})
	})
}

// FindAliasesByForm returns every alias with the given normalized text.
// Different owners may share a form.
func (r *EntityRepository) FindAliasesByForm(ctx context.Context, datasetID, entityType, form string) ([]*core.Alias, error) {
	var result []*core.Alias
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		ids := scanSuffixes(tx, makeScanPrefix(aliasFormPrefix, datasetID, entityType, form))
		result, err = readAliases(tx, ids)
		return err
	})
	return result, err
}

// ListAliases returns the aliases owned by one canonical entity.
func (r *EntityRepository) ListAliases(ctx context.Context, ownerEntityID string) ([]*core.Alias, error) {
	var result []*core.Alias
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = listAliasesByOwner(tx, ownerEntityID)
		return err
	})
	return result, err
}

// ListAliasesByType returns every alias of one entity type in a dataset.
func (r *EntityRepository) ListAliasesByType(ctx context.Context, datasetID, entityType string) ([]*core.Alias, error) {
	var result []*core.Alias
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = readAliases(tx, scanSuffixes(tx, makeScanPrefix(aliasTypePrefix, datasetID, entityType)))
		return err
	})
	return result, err
}

// TouchAlias records another match against an alias.
func (r *EntityRepository) TouchAlias(ctx context.Context, aliasID string, at time.Time) (*core.Alias, error) {
	var result *core.Alias
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		alias, err := readValue(tx, makeAliasKey(aliasID), storage.UnmarshalAlias)
		if err != nil {
			return err
		}
		alias.MatchCount++
		alias.LastMatchedAt = at
		result = alias
		return tx.Set(makeAliasKey(aliasID), storage.MarshalAlias(alias))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendLog records a normalization decision. Entries are write-once.
func (r *EntityRepository) AppendLog(ctx context.Context, entry *core.NormalizationLogEntry) error {
	if entry == nil || entry.ID == "" || entry.DatasetID == "" {
		return core.ErrInvalidEntity
	}
	return r.backend.update(ctx, func(tx *badger.Txn) error {
		key := makeNormLogKey(entry.DatasetID, entry.ID)
		found, err := exists(tx, key)
		if err != nil {
			return err
		}
		if found {
			return storage.ErrDuplicateKey
		}
		return tx.Set(key, storage.MarshalLogEntry(entry))
	})
}

// ListLog returns a dataset's normalization log in append order.
func (r *EntityRepository) ListLog(ctx context.Context, datasetID string) ([]*core.NormalizationLogEntry, error) {
	var result []*core.NormalizationLogEntry
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = scanValues(tx, makeScanPrefix(normLogPrefix, datasetID), storage.UnmarshalLogEntry)
		return err
	})
	return result, err
}

func listAliasesByOwner(tx *badger.Txn, ownerID string) ([]*core.Alias, error) {
	ids, err := scanValues(tx, makeScanPrefix(aliasOwnerPrefix, ownerID), func(val []byte) (string, error) {
		return string(val), nil
	})
	if err != nil {
		return nil, err
	}
	return readAliases(tx, ids)
}

func readAliases(tx *badger.Txn, ids []string) ([]*core.Alias, error) {
	aliases := make([]*core.Alias, 0, len(ids))
	for _, id := range ids {
		alias, err := readValue(tx, makeAliasKey(id), storage.UnmarshalAlias)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, nil
}

func deleteAlias(tx *badger.Txn, alias *core.Alias) error {
	for _, key := range [][]byte{
		makeAliasKey(alias.ID),
		makeAliasOwnerKey(alias.OwnerEntityID, alias.NormalizedText),
		makeAliasFormKey(alias.DatasetID, alias.EntityType, alias.NormalizedText, alias.ID),
		makeAliasTypeKey(alias.DatasetID, alias.EntityType, alias.ID),
	} {
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
