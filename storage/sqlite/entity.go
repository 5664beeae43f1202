package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

// EntityRepository implements storage.EntityRepository on SQLite. Table
// constraints enforce canonical name and alias uniqueness; aliases cascade
// with their owner through the foreign key.
type EntityRepository struct {
	db *sql.DB
}

var _ storage.EntityRepository = (*EntityRepository)(nil)

const (
	entityColumns = `id, dataset_id, entity_type, canonical_name, normalized_name, match_key, confidence,
	source, metadata, owner, created_at, updated_at`
	aliasColumns = `id, owner_entity_id, dataset_id, entity_type, alias_text, normalized_text,
	similarity, match_count, last_matched_at, language, script, alias_type, created_at`
	logColumns = `id, dataset_id, entity_type, original_entity, normalized_to, method, confidence, created_at`
)

func (r *EntityRepository) Close() error {
	return nil
}

func (r *EntityRepository) CreateCanonical(ctx context.Context, entity *core.CanonicalEntity) error {
	if err := core.ValidateCanonicalEntity(entity); err != nil {
		return err
	}
	metadata, err := toJSON(entity.Metadata)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entity.ID, entity.DatasetID, entity.EntityType, entity.CanonicalName, entity.NormalizedName, nullString(entity.MatchKey),
			entity.ConfidenceScore, string(entity.Source), metadata, entity.Owner,
			toMicros(entity.CreatedAt), toMicros(entity.UpdatedAt))
		return err
	})
}

func (r *EntityRepository) GetCanonical(ctx context.Context, id string) (*core.CanonicalEntity, error) {
	return r.getCanonical(ctx, `SELECT `+entityColumns+` FROM canonical_entities WHERE id=?`, id)
}

func (r *EntityRepository) FindCanonicalByForm(ctx context.Context, datasetID, entityType, form string) (*core.CanonicalEntity, error) {
	return r.getCanonical(ctx,
		`SELECT `+entityColumns+` FROM canonical_entities WHERE dataset_id=? AND entity_type=? AND normalized_name=?`,
		datasetID, entityType, form)
}

func (r *EntityRepository) FindCanonicalByMatchKey(ctx context.Context, datasetID, entityType, key string) (*core.CanonicalEntity, error) {
	return r.getCanonical(ctx,
		`SELECT `+entityColumns+` FROM canonical_entities WHERE dataset_id=? AND entity_type=? AND match_key=?`,
		datasetID, entityType, key)
}

func (r *EntityRepository) getCanonical(ctx context.Context, query string, args ...any) (*core.CanonicalEntity, error) {
	var entity *core.CanonicalEntity
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		entity, err = scanCanonical(tx.QueryRowContext(ctx, query, args...))
		return err
	})
	return entity, err
}

func (r *EntityRepository) ListCanonicals(ctx context.Context, datasetID, entityType string) ([]*core.CanonicalEntity, error) {
	var entities []*core.CanonicalEntity
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+entityColumns+` FROM canonical_entities WHERE dataset_id=? AND entity_type=? ORDER BY created_at, id`,
			datasetID, entityType)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			entity, err := scanCanonical(rows)
			if err != nil {
				return err
			}
			entities = append(entities, entity)
		}
		return rows.Err()
	})
	return entities, err
}

func (r *EntityRepository) DeleteCanonical(ctx context.Context, id string) ([]*core.Alias, error) {
	var removed []*core.Alias
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		removed, err = queryAliases(ctx, tx, `SELECT `+aliasColumns+` FROM aliases WHERE owner_entity_id=? ORDER BY id`, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM canonical_entities WHERE id=?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *EntityRepository) AddAlias(ctx context.Context, alias *core.Alias) error {
	if alias == nil || alias.ID == "" || alias.OwnerEntityID == "" || alias.NormalizedText == "" {
		return core.ErrInvalidEntity
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO aliases (`+aliasColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			alias.ID, alias.OwnerEntityID, alias.DatasetID, alias.EntityType, alias.AliasText,
			alias.NormalizedText, alias.SimilarityScore, alias.MatchCount, toMicros(alias.LastMatchedAt),
			alias.Language, alias.Script, alias.AliasType, toMicros(alias.CreatedAt))
		return err
	})
}

func (r *EntityRepository) FindAliasesByForm(ctx context.Context, datasetID, entityType, form string) ([]*core.Alias, error) {
	return r.listAliases(ctx,
		`SELECT `+aliasColumns+` FROM aliases WHERE dataset_id=? AND entity_type=? AND normalized_text=? ORDER BY id`,
		datasetID, entityType, form)
}

func (r *EntityRepository) ListAliases(ctx context.Context, ownerEntityID string) ([]*core.Alias, error) {
	return r.listAliases(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE owner_entity_id=? ORDER BY id`, ownerEntityID)
}

func (r *EntityRepository) ListAliasesByType(ctx context.Context, datasetID, entityType string) ([]*core.Alias, error) {
	return r.listAliases(ctx,
		`SELECT `+aliasColumns+` FROM aliases WHERE dataset_id=? AND entity_type=? ORDER BY id`,
		datasetID, entityType)
}

func (r *EntityRepository) listAliases(ctx context.Context, query string, args ...any) ([]*core.Alias, error) {
	var aliases []*core.Alias
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		aliases, err = queryAliases(ctx, tx, query, args...)
		return err
	})
	return aliases, err
}

func (r *EntityRepository) TouchAlias(ctx context.Context, aliasID string, at time.Time) (*core.Alias, error) {
	var alias *core.Alias
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE aliases SET match_count=match_count+1, last_matched_at=? WHERE id=?`,
			toMicros(at), aliasID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return storage.ErrNotFound
		}
		alias, err = scanAlias(tx.QueryRowContext(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE id=?`, aliasID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return alias, nil
}

func (r *EntityRepository) AppendLog(ctx context.Context, entry *core.NormalizationLogEntry) error {
	if entry == nil || entry.ID == "" || entry.DatasetID == "" {
		return core.ErrInvalidEntity
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO normalization_log (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.DatasetID, entry.EntityType, entry.OriginalEntity, entry.NormalizedTo,
			string(entry.Method), entry.Confidence, toMicros(entry.CreatedAt))
		return err
	})
}

func (r *EntityRepository) ListLog(ctx context.Context, datasetID string) ([]*core.NormalizationLogEntry, error) {
	var entries []*core.NormalizationLogEntry
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+logColumns+` FROM normalization_log WHERE dataset_id=? ORDER BY id`, datasetID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				entry     core.NormalizationLogEntry
				method    string
				createdAt int64
			)
			if err := rows.Scan(&entry.ID, &entry.DatasetID, &entry.EntityType, &entry.OriginalEntity,
				&entry.NormalizedTo, &method, &entry.Confidence, &createdAt); err != nil {
				return err
			}
			entry.Method = core.NormalizationMethod(method)
			entry.CreatedAt = fromMicros(createdAt)
			entries = append(entries, &entry)
		}
		return rows.Err()
	})
	return entries, err
}

func queryAliases(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*core.Alias, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var aliases []*core.Alias
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

func scanCanonical(row rowScanner) (*core.CanonicalEntity, error) {
	var (
		entity               core.CanonicalEntity
		source, metadata     string
		matchKey             sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&entity.ID, &entity.DatasetID, &entity.EntityType, &entity.CanonicalName,
		&entity.NormalizedName, &matchKey, &entity.ConfidenceScore, &source, &metadata, &entity.Owner,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	entity.MatchKey = matchKey.String
	entity.Source = core.EntitySource(source)
	if err := fromJSON(metadata, &entity.Metadata); err != nil {
		return nil, err
	}
	entity.CreatedAt = fromMicros(createdAt)
	entity.UpdatedAt = fromMicros(updatedAt)
	return &entity, nil
}

func scanAlias(row rowScanner) (*core.Alias, error) {
	var (
		alias                  core.Alias
		lastMatched, createdAt int64
	)
	err := row.Scan(&alias.ID, &alias.OwnerEntityID, &alias.DatasetID, &alias.EntityType,
		&alias.AliasText, &alias.NormalizedText, &alias.SimilarityScore, &alias.MatchCount,
		&lastMatched, &alias.Language, &alias.Script, &alias.AliasType, &createdAt)
	if err != nil {
		return nil, err
	}
	alias.LastMatchedAt = fromMicros(lastMatched)
	alias.CreatedAt = fromMicros(createdAt)
	return &alias, nil
}
