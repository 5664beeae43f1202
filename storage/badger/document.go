package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

// DocumentRepository implements storage.DocumentRepository for BadgerDB.
type DocumentRepository struct {
	backend *Backend
}

var _ storage.DocumentRepository = (*DocumentRepository)(nil)

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(backend *Backend) (*DocumentRepository, error) {
	return &DocumentRepository{
		backend: backend,
	}, nil
}

// Close releases resources. DocumentRepository has no resources to release.
func (r *DocumentRepository) Close() error {
	return nil
}

// CreateDocument stores a new document and its dataset index entry.
func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *core.Document) error {
	if err := core.ValidateDocument(doc); err != nil {
		return err
	}
	return r.backend.update(ctx, func(tx *badger.Txn) error {
		key := makeDocumentKey(doc.ID)
		found, err := exists(tx, key)
		if err != nil {
			return err
		}
		if found {
			return storage.ErrDuplicateKey
		}
		if err := tx.Set(key, storage.MarshalDocument(doc)); err != nil {
			return err
		}
		return tx.Set(makeDocumentDatasetKey(doc.DatasetID, doc.ID), []byte{})
	})
}

// GetDocument retrieves a single document by ID.
func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	var result *core.Document
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = readValue(tx, makeDocumentKey(id), storage.UnmarshalDocument)
		return err
	})
	return result, err
}

// ListDocuments returns the documents of a dataset, or all documents when
// datasetID is empty.
func (r *DocumentRepository) ListDocuments(ctx context.Context, datasetID string) ([]*core.Document, error) {
	var result []*core.Document
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		if datasetID == "" {
			var err error
			result, err = scanValues(tx, makeScanPrefix(documentPrefix), storage.UnmarshalDocument)
			return err
		}
		for _, id := range scanSuffixes(tx, makeScanPrefix(documentDatasetPrefix, datasetID)) {
			doc, err := readValue(tx, makeDocumentKey(id), storage.UnmarshalDocument)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			result = append(result, doc)
		}
		return nil
	})
	return result, err
}

// CompareAndSwap applies mutate only if the stored status equals expected.
// Badger's serializable transactions make the read-check-write atomic: a
// concurrent writer to the same document forces a replay that re-checks
// the status against the newer value.
func (r *DocumentRepository) CompareAndSwap(ctx context.Context, id string, expected core.DocumentStatus, mutate func(doc *core.Document)) (storage.CASResult, *core.Document, error) {
	var (
		result storage.CASResult
		doc    *core.Document
	)
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		key := makeDocumentKey(id)
		current, err := readValue(tx, key, storage.UnmarshalDocument)
		if err != nil {
			return err
		}
		doc = current
		if current.Status != expected {
			result = storage.Conflict
			return nil
		}
		mutate(current)
		result = storage.Applied
		return tx.Set(key, storage.MarshalDocument(current))
	})
	if err != nil {
		return 0, nil, err
	}
	return result, doc, nil
}

// UpdateDocument performs an atomic read-modify-write on one document.
func (r *DocumentRepository) UpdateDocument(ctx context.Context, id string, mutate func(doc *core.Document) error) (*core.Document, error) {
	var doc *core.Document
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		key := makeDocumentKey(id)
		current, err := readValue(tx, key, storage.UnmarshalDocument)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		doc = current
		return tx.Set(key, storage.MarshalDocument(current))
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
