// Package memory implements storage.Store as an in-process map of
// collections, guarded by a single sync.RWMutex. It is the default store
// for unit tests and the store the server runs on when configuration
// selects the memory backend, mirroring the teacher's Lite/Standard
// storage profile split. A bolt store that fails to open is a startup
// error; the server does not fall back to this store.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/storage"
	"github.com/wazo-provd/provd/pkg/idgen"
)

// Store is an in-memory, thread-safe implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]storage.Document
	logger      *slog.Logger
}

// New creates an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		collections: make(map[string]map[string]storage.Document),
		logger:      logger,
	}
}

// collection returns the named collection, creating it if absent. Callers
// must hold the write lock.
func (s *Store) collection(name string) map[string]storage.Document {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]storage.Document)
		s.collections[name] = c
	}
	return c
}

// collectionRO returns the named collection without creating it. Safe
// under the read lock.
func (s *Store) collectionRO(name string) map[string]storage.Document {
	return s.collections[name]
}

func (s *Store) Insert(_ context.Context, collection string, doc storage.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)

	id := doc.ID()
	if id == "" {
		gen, err := idgen.Generate(idgen.NewNumeric(uint64(len(c))), func(candidate string) (bool, error) {
			_, taken := c[candidate]
			return taken, nil
		})
		if err != nil {
			return "", err
		}
		id = gen
	} else if _, exists := c[id]; exists {
		return "", &core.InvalidIDError{Collection: collection, ID: id}
	}

	stored := doc.Clone()
	stored["id"] = id
	c[id] = stored

	s.logger.Debug("document inserted", "collection", collection, "id", id)
	return id, nil
}

func (s *Store) Update(_ context.Context, collection string, doc storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := doc.ID()
	c := s.collection(collection)
	if _, exists := c[id]; !exists {
		return core.ErrEntryNotFound
	}
	c[id] = doc.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	if _, exists := c[id]; !exists {
		return core.ErrEntryNotFound
	}
	delete(c, id)
	return nil
}

func (s *Store) Retrieve(_ context.Context, collection, id string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.collectionRO(collection)[id]
	if !exists {
		return nil, core.ErrEntryNotFound
	}
	return doc.Clone(), nil
}

func (s *Store) Exists(_ context.Context, collection, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.collectionRO(collection)[id]
	return exists, nil
}

func (s *Store) Find(_ context.Context, collection string, selector storage.Selector, opts storage.FindOptions) ([]storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Document
	for _, doc := range s.collectionRO(collection) {
		if storage.Match(doc, selector) {
			out = append(out, doc.Clone())
		}
	}
	return storage.ApplyFindOptions(out, opts), nil
}

func (s *Store) FindOne(ctx context.Context, collection string, selector storage.Selector) (storage.Document, error) {
	docs, err := s.Find(ctx, collection, selector, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, core.ErrEntryNotFound
	}
	return docs[0], nil
}

func (s *Store) Close() error { return nil }
