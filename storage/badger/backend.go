package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/docflow/storage"
)

// maxConflictRetries bounds how often a read-write transaction is replayed
// after badger reports a serialization conflict.
const maxConflictRetries = 32

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist.
func OpenBackend(filePath string, inMemory bool) (*Backend, error) {
	var opts badger.Options

	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// Ensure directory exists
		info, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(filePath, 0755); err != nil {
					return nil, err
				}
				info, err = os.Stat(filePath)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", filePath)
		}
		opts = badger.DefaultOptions(filePath)
	}

	logger := slog.Default().With("component", "badger")
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Backend{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is always discarded on return; fn must commit explicitly.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// view runs fn in a read-only transaction.
func (b *Backend) view(ctx context.Context, fn func(tx *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.WithTx(fn, false)
}

// update runs fn in a read-write transaction and commits it. When another
// transaction committed a conflicting write first, fn is replayed against a
// fresh snapshot, so fn must derive all of its results from what it reads.
func (b *Backend) update(ctx context.Context, fn func(tx *badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}, true)
		if !errors.Is(err, badger.ErrConflict) {
			if errors.Is(err, badger.ErrDBClosed) {
				return storage.ErrStorageClosed
			}
			return err
		}
		if attempt >= maxConflictRetries {
			return fmt.Errorf("%w: %w", storage.ErrTransactionFailed, err)
		}
		b.logger.Debug("transaction conflict, replaying", "attempt", attempt)
	}
}

// readValue loads and decodes the value stored at key.
// Returns storage.ErrNotFound if the key does not exist.
func readValue[T any](tx *badger.Txn, key []byte, unmarshal func([]byte) (T, error)) (T, error) {
	var result T
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return result, storage.ErrNotFound
		}
		return result, err
	}
	err = item.Value(func(val []byte) error {
		var err error
		result, err = unmarshal(val)
		return err
	})
	return result, err
}

// exists reports whether key is present.
func exists(tx *badger.Txn, key []byte) (bool, error) {
	_, err := tx.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// readString loads the value at key as a string.
func readString(tx *badger.Txn, key []byte) (string, error) {
	return readValue(tx, key, func(val []byte) (string, error) {
		return string(val), nil
	})
}

// scanSuffixes collects the part of every key after prefix.
func scanSuffixes(tx *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var suffixes []string
	for iter.Rewind(); iter.Valid(); iter.Next() {
		key := iter.Item().Key()
		suffixes = append(suffixes, string(key[len(prefix):]))
	}
	return suffixes
}

// scanValues decodes every value stored under prefix.
func scanValues[T any](tx *badger.Txn, prefix []byte, unmarshal func([]byte) (T, error)) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var results []T
	for iter.Rewind(); iter.Valid(); iter.Next() {
		err := iter.Item().Value(func(val []byte) error {
			v, err := unmarshal(val)
			if err != nil {
				return err
			}
			results = append(results, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
