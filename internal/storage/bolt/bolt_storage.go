// Package bolt implements storage.Store on top of go.etcd.io/bbolt: one
// bucket per collection, one JSON-encoded document per key. bbolt has no
// query language of its own, so Find falls back to the same selector
// evaluator the memory backend uses, scanning the bucket (optionally
// narrowed first by an in-memory secondary index hit on the selector's
// leading dotted key). This is the store the server runs against in
// production; internal/storage/memory remains the unit-test store and the
// configuration-selected alternative (not a fallback when this store fails
// to open), mirroring the teacher's Lite/Standard storage profile split in
// its storage factory.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/storage"
	"github.com/wazo-provd/provd/pkg/idgen"
)

// Indexed declares which top-level fields of a collection get a
// synchronous secondary index, so equality lookups on those fields don't
// require scanning the whole bucket.
type Indexed map[string][]string

// Store is a bbolt-backed implementation of storage.Store.
type Store struct {
	db      *bolt.DB
	logger  *slog.Logger
	indexed Indexed

	// idx[collection][field][value] = set of ids, rebuilt at Open and
	// maintained incrementally on every write.
	idx map[string]map[string]map[string]map[string]struct{}
}

// Open opens (creating if absent) a bbolt database at path and rebuilds
// the secondary indexes declared in indexed.
func Open(path string, indexed Indexed, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	s := &Store{
		db:      db,
		logger:  logger,
		indexed: indexed,
		idx:     make(map[string]map[string]map[string]map[string]struct{}),
	}
	if err := s.rebuildIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndexes() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			collection := string(name)
			fields := s.indexed[collection]
			if len(fields) == 0 {
				return nil
			}
			return b.ForEach(func(_, v []byte) error {
				var doc storage.Document
				if err := json.Unmarshal(v, &doc); err != nil {
					return fmt.Errorf("bolt: rebuild index: decode %s: %w", collection, err)
				}
				s.indexDoc(collection, doc)
				return nil
			})
		})
	})
}

func (s *Store) indexDoc(collection string, doc storage.Document) {
	for _, field := range s.indexed[collection] {
		val, ok := doc[field]
		if !ok {
			continue
		}
		s.indexAdd(collection, field, fmt.Sprint(val), doc.ID())
	}
}

func (s *Store) deindexDoc(collection string, doc storage.Document) {
	for _, field := range s.indexed[collection] {
		val, ok := doc[field]
		if !ok {
			continue
		}
		s.indexRemove(collection, field, fmt.Sprint(val), doc.ID())
	}
}

func (s *Store) indexAdd(collection, field, value, id string) {
	byColl, ok := s.idx[collection]
	if !ok {
		byColl = make(map[string]map[string]map[string]struct{})
		s.idx[collection] = byColl
	}
	byField, ok := byColl[field]
	if !ok {
		byField = make(map[string]map[string]struct{})
		byColl[field] = byField
	}
	ids, ok := byField[value]
	if !ok {
		ids = make(map[string]struct{})
		byField[value] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) indexRemove(collection, field, value, id string) {
	ids := s.idx[collection][field][value]
	delete(ids, id)
}

func bucketName(collection string) []byte { return []byte(collection) }

func (s *Store) Insert(_ context.Context, collection string, doc storage.Document) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(collection))
		if err != nil {
			return err
		}

		id = doc.ID()
		if id == "" {
			gen, err := idgen.Generate(idgen.UUIDHex{}, func(candidate string) (bool, error) {
				return b.Get([]byte(candidate)) != nil, nil
			})
			if err != nil {
				return err
			}
			id = gen
		} else if b.Get([]byte(id)) != nil {
			return &core.InvalidIDError{Collection: collection, ID: id}
		}

		stored := doc.Clone()
		stored["id"] = id
		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("bolt: encode document: %w", err)
		}
		if err := b.Put([]byte(id), raw); err != nil {
			return err
		}
		s.indexDoc(collection, stored)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Update(_ context.Context, collection string, doc storage.Document) error {
	id := doc.ID()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return core.ErrEntryNotFound
		}

		var old storage.Document
		if err := json.Unmarshal(b.Get([]byte(id)), &old); err != nil {
			return fmt.Errorf("bolt: decode previous document: %w", err)
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("bolt: encode document: %w", err)
		}
		if err := b.Put([]byte(id), raw); err != nil {
			return err
		}
		s.deindexDoc(collection, old)
		s.indexDoc(collection, doc)
		return nil
	})
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return core.ErrEntryNotFound
		}
		var old storage.Document
		if err := json.Unmarshal(b.Get([]byte(id)), &old); err != nil {
			return fmt.Errorf("bolt: decode document: %w", err)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		s.deindexDoc(collection, old)
		return nil
	})
}

func (s *Store) Retrieve(_ context.Context, collection, id string) (storage.Document, error) {
	var doc storage.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil {
			return core.ErrEntryNotFound
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return core.ErrEntryNotFound
		}
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Exists(_ context.Context, collection, id string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil {
			return nil
		}
		exists = b.Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

// candidateIDs returns a narrowed id set when selector contains a single
// equality constraint on an indexed field, or nil if no narrowing applies
// (the caller then scans the whole bucket).
func (s *Store) candidateIDs(collection string, selector storage.Selector) map[string]struct{} {
	for field, want := range selector {
		literal, ok := want.(string)
		if !ok {
			continue
		}
		if ids, ok := s.idx[collection][field][literal]; ok {
			return ids
		}
	}
	return nil
}

func (s *Store) Find(_ context.Context, collection string, selector storage.Selector, opts storage.FindOptions) ([]storage.Document, error) {
	var out []storage.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil {
			return nil
		}

		if candidates := s.candidateIDs(collection, selector); candidates != nil {
			for id := range candidates {
				raw := b.Get([]byte(id))
				if raw == nil {
					continue
				}
				var doc storage.Document
				if err := json.Unmarshal(raw, &doc); err != nil {
					return fmt.Errorf("bolt: decode document %s: %w", id, err)
				}
				if storage.Match(doc, selector) {
					out = append(out, doc)
				}
			}
			return nil
		}

		return b.ForEach(func(_, raw []byte) error {
			var doc storage.Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("bolt: decode document: %w", err)
			}
			if storage.Match(doc, selector) {
				out = append(out, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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

func (s *Store) Close() error {
	return s.db.Close()
}
