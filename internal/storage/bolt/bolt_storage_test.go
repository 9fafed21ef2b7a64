package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/storage"
	"github.com/wazo-provd/provd/internal/storage/bolt"
)

func newStore(t *testing.T, indexed bolt.Indexed) *bolt.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provd.db")
	s, err := bolt.Open(path, indexed, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertRetrieveUpdateDelete(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	id, err := s.Insert(ctx, "devices", storage.Document{"mac": "00:11:22:33:44:55"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Retrieve(ctx, "devices", id)
	require.NoError(t, err)
	assert.Equal(t, "00:11:22:33:44:55", doc["mac"])

	require.NoError(t, s.Update(ctx, "devices", storage.Document{"id": id, "mac": "aa:bb:cc:dd:ee:ff"}))
	doc, err = s.Retrieve(ctx, "devices", id)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", doc["mac"])

	require.NoError(t, s.Delete(ctx, "devices", id))
	_, err = s.Retrieve(ctx, "devices", id)
	assert.ErrorIs(t, err, core.ErrEntryNotFound)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, "devices", storage.Document{"id": "dev1"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "devices", storage.Document{"id": "dev1"})
	require.Error(t, err)
}

func TestFindScansWithSelector(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, "devices", storage.Document{"vendor": "Cisco"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "devices", storage.Document{"vendor": "Polycom"})
	require.NoError(t, err)

	docs, err := s.Find(ctx, "devices", storage.Selector{"vendor": "Cisco"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Cisco", docs[0]["vendor"])
}

func TestFindUsesIndexHit(t *testing.T) {
	s := newStore(t, bolt.Indexed{"devices": {"mac"}})
	ctx := context.Background()

	id, err := s.Insert(ctx, "devices", storage.Document{"mac": "00:11:22:33:44:55", "vendor": "Cisco"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "devices", storage.Document{"mac": "aa:bb:cc:dd:ee:ff", "vendor": "Polycom"})
	require.NoError(t, err)

	docs, err := s.Find(ctx, "devices", storage.Selector{"mac": "00:11:22:33:44:55"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID())
}

func TestIndexesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provd.db")
	indexed := bolt.Indexed{"devices": {"mac"}}

	s, err := bolt.Open(path, indexed, nil)
	require.NoError(t, err)
	_, err = s.Insert(context.Background(), "devices", storage.Document{"mac": "00:11:22:33:44:55"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := bolt.Open(path, indexed, nil)
	require.NoError(t, err)
	defer s2.Close()

	docs, err := s2.Find(context.Background(), "devices", storage.Selector{"mac": "00:11:22:33:44:55"}, storage.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestExists(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "devices", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := s.Insert(ctx, "devices", storage.Document{})
	require.NoError(t, err)

	ok, err = s.Exists(ctx, "devices", id)
	require.NoError(t, err)
	assert.True(t, ok)
}
