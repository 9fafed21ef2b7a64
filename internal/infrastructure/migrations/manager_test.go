package migrations_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/infrastructure/migrations"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "..", "migrations"))
	require.NoError(t, err)
	return dir
}

func TestManagerUpAppliesPendingMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "provkeys.db")
	m, err := migrations.New(migrations.Config{DSN: dbPath, Dir: migrationsDir(t)}, discardLogger())
	require.NoError(t, err)
	defer m.Close()

	applied, err := m.Up()
	require.NoError(t, err)
	assert.True(t, applied)

	version, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestManagerUpIsIdempotentOnSecondRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "provkeys.db")
	m, err := migrations.New(migrations.Config{DSN: dbPath, Dir: migrationsDir(t)}, discardLogger())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Up()
	require.NoError(t, err)

	applied, err := m.Up()
	require.NoError(t, err)
	assert.False(t, applied, "second Up against an already-current database applies nothing")
}

func TestManagerDownRollsBack(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "provkeys.db")
	m, err := migrations.New(migrations.Config{DSN: dbPath, Dir: migrationsDir(t)}, discardLogger())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Up()
	require.NoError(t, err)

	require.NoError(t, m.Down())

	version, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}
