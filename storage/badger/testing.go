package badger

// NewMemoryStore creates an in-memory store for testing.
// Caller must Close it when done.
func NewMemoryStore() (*Store, error) {
	backend, err := OpenBackend("", true)
	if err != nil {
		return nil, err
	}
	return newStore(backend)
}
