package sqlite

import (
	"context"
	"database/sql"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

// DocumentRepository implements storage.DocumentRepository on SQLite.
type DocumentRepository struct {
	db *sql.DB
}

var _ storage.DocumentRepository = (*DocumentRepository)(nil)

const documentColumns = `id, dataset_id, name, source, status, metadata, error, retry_count, created_at, updated_at`

func (r *DocumentRepository) Close() error {
	return nil
}

func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *core.Document) error {
	if err := core.ValidateDocument(doc); err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return insertDocument(ctx, tx, doc)
	})
}

func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	var doc *core.Document
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		doc, err = selectDocument(ctx, tx, id)
		return err
	})
	return doc, err
}

func (r *DocumentRepository) ListDocuments(ctx context.Context, datasetID string) ([]*core.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if datasetID != "" {
		query += ` WHERE dataset_id=?`
		args = append(args, datasetID)
	}
	query += ` ORDER BY created_at, id`

	var docs []*core.Document
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	return docs, err
}

// CompareAndSwap reads and writes inside one transaction and guards the
// UPDATE with the expected status, so a concurrent writer on another
// connection cannot slip in between.
func (r *DocumentRepository) CompareAndSwap(ctx context.Context, id string, expected core.DocumentStatus, mutate func(doc *core.Document)) (storage.CASResult, *core.Document, error) {
	var (
		result storage.CASResult
		doc    *core.Document
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := selectDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		doc = current
		if current.Status != expected {
			result = storage.Conflict
			return nil
		}
		mutate(current)
		n, err := updateDocument(ctx, tx, current, expected)
		if err != nil {
			return err
		}
		if n == 0 {
			result = storage.Conflict
			doc, err = selectDocument(ctx, tx, id)
			return err
		}
		result = storage.Applied
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return result, doc, nil
}

func (r *DocumentRepository) UpdateDocument(ctx context.Context, id string, mutate func(doc *core.Document) error) (*core.Document, error) {
	var doc *core.Document
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := selectDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		expected := current.Status
		if err := mutate(current); err != nil {
			return err
		}
		if _, err := updateDocument(ctx, tx, current, expected); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func insertDocument(ctx context.Context, tx *sql.Tx, doc *core.Document) error {
	metadata, err := toJSON(doc.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.DatasetID, doc.Name, doc.Source, string(doc.Status), metadata,
		doc.Error, doc.RetryCount, toMicros(doc.CreatedAt), toMicros(doc.UpdatedAt),
	)
	return err
}

func updateDocument(ctx context.Context, tx *sql.Tx, doc *core.Document, expected core.DocumentStatus) (int64, error) {
	metadata, err := toJSON(doc.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE documents SET
	dataset_id=?, name=?, source=?, status=?, metadata=?, error=?, retry_count=?, updated_at=?
WHERE id=? AND status=?`,
		doc.DatasetID, doc.Name, doc.Source, string(doc.Status), metadata, doc.Error,
		doc.RetryCount, toMicros(doc.UpdatedAt), doc.ID, string(expected),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func selectDocument(ctx context.Context, tx *sql.Tx, id string) (*core.Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id)
	return scanDocument(row)
}

func scanDocument(row rowScanner) (*core.Document, error) {
	var (
		doc                  core.Document
		status, metadata     string
		createdAt, updatedAt int64
	)
	err := row.Scan(&doc.ID, &doc.DatasetID, &doc.Name, &doc.Source, &status, &metadata,
		&doc.Error, &doc.RetryCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = core.DocumentStatus(status)
	doc.Metadata = core.ProcessingMetadata{}
	if err := fromJSON(metadata, &doc.Metadata); err != nil {
		return nil, err
	}
	doc.CreatedAt = fromMicros(createdAt)
	doc.UpdatedAt = fromMicros(updatedAt)
	return &doc, nil
}
