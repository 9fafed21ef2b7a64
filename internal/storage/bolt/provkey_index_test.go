package bolt_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/infrastructure/migrations"
	"github.com/wazo-provd/provd/internal/storage/bolt"
)

func newProvisioningKeyIndex(t *testing.T) *bolt.ProvisioningKeyIndex {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "provkeys.db")
	dir, err := filepath.Abs(filepath.Join("..", "..", "..", "migrations"))
	require.NoError(t, err)

	m, err := migrations.New(migrations.Config{DSN: dsn, Dir: dir}, nil)
	require.NoError(t, err)
	_, err = m.Up()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	idx, err := bolt.OpenProvisioningKeyIndex(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestProvisioningKeyIndexReserveAndLookup(t *testing.T) {
	idx := newProvisioningKeyIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Reserve(ctx, "tenant-1", "key-aaa"))

	uuid, ok, err := idx.Lookup(ctx, "key-aaa")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tenant-1", uuid)
}

func TestProvisioningKeyIndexRejectsDuplicateKey(t *testing.T) {
	idx := newProvisioningKeyIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Reserve(ctx, "tenant-1", "shared-key"))

	err := idx.Reserve(ctx, "tenant-2", "shared-key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEntryNotFound))
}

func TestProvisioningKeyIndexReserveSameTenantReplacesKey(t *testing.T) {
	idx := newProvisioningKeyIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Reserve(ctx, "tenant-1", "key-a"))
	require.NoError(t, idx.Reserve(ctx, "tenant-1", "key-b"))

	uuid, ok, err := idx.Lookup(ctx, "key-b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tenant-1", uuid)

	_, ok, err = idx.Lookup(ctx, "key-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProvisioningKeyIndexRelease(t *testing.T) {
	idx := newProvisioningKeyIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Reserve(ctx, "tenant-1", "key-a"))
	require.NoError(t, idx.Release(ctx, "tenant-1"))

	_, ok, err := idx.Lookup(ctx, "key-a")
	require.NoError(t, err)
	assert.False(t, ok)
}
