package badger

import (
	"errors"

	"github.com/poiesic/docflow/storage"
)

// Store bundles the BadgerDB repositories over one shared backend.
type Store struct {
	backend  *Backend
	docs     *DocumentRepository
	jobs     *JobRepository
	entities *EntityRepository
}

var _ storage.Store = (*Store)(nil)

// NewStore opens (or creates) a BadgerDB store at path.
func NewStore(path string) (*Store, error) {
	backend, err := OpenBackend(path, false)
	if err != nil {
		return nil, err
	}
	return newStore(backend)
}

func newStore(backend *Backend) (*Store, error) {
	docs, err := NewDocumentRepository(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	jobs, err := NewJobRepository(backend)
	if err != nil {
		docs.Close()
		backend.Close()
		return nil, err
	}
	entities, err := NewEntityRepository(backend)
	if err != nil {
		jobs.Close()
		docs.Close()
		backend.Close()
		return nil, err
	}
	return &Store{
		backend:  backend,
		docs:     docs,
		jobs:     jobs,
		entities: entities,
	}, nil
}

func (s *Store) Documents() storage.DocumentRepository { return s.docs }
func (s *Store) Jobs() storage.JobRepository           { return s.jobs }
func (s *Store) Entities() storage.EntityRepository    { return s.entities }

// Close closes the repositories and then the backend.
func (s *Store) Close() error {
	return errors.Join(
		s.entities.Close(),
		s.jobs.Close(),
		s.docs.Close(),
		s.backend.Close(),
	)
}
