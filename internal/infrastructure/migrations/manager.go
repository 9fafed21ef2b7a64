// Package migrations wraps goose to manage the schema of the SQLite
// uniqueness side-table internal/storage/bolt's provisioning-key index
// sits on top of (spec §6's persisted-state layout has no notion of SQL
// schema migrations itself; this is the one piece of the server's
// storage that genuinely needs them). Trimmed down from the teacher's
// internal/infrastructure/migrations package to the four operations
// cmd/provd-migrate exposes: up, down, status, version.
package migrations

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Dialect is the goose dialect name for the SQLite side-table.
const Dialect = "sqlite3"

// Config configures a Manager.
type Config struct {
	// DSN is the modernc.org/sqlite data source name, e.g. the path to
	// provd's provisioning-key index file.
	DSN string
	// Dir holds the goose SQL migration files (spec_full's top-level
	// migrations/ directory).
	Dir string
}

// Manager applies and inspects the goose migration set against a SQLite
// database opened through modernc.org/sqlite (registered under the
// driver name "sqlite").
type Manager struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
}

// New opens db at cfg.DSN via the modernc.org/sqlite driver and returns a
// Manager ready to apply or inspect migrations in cfg.Dir.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", cfg.DSN, err)
	}
	if err := goose.SetDialect(Dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: set dialect: %w", err)
	}
	return &Manager{cfg: cfg, db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

// Up applies every pending migration in cfg.Dir. applied reports whether
// any migration actually ran, which cmd/provd-migrate uses to exit 2
// when invoked against an already-current database (spec §6).
func (m *Manager) Up() (applied bool, err error) {
	before, err := goose.GetDBVersion(m.db)
	if err != nil {
		return false, fmt.Errorf("migrations: read current version: %w", err)
	}

	start := time.Now()
	if err := goose.Up(m.db, m.cfg.Dir); err != nil {
		return false, fmt.Errorf("migrations: up: %w", err)
	}

	after, err := goose.GetDBVersion(m.db)
	if err != nil {
		return false, fmt.Errorf("migrations: read new version: %w", err)
	}

	applied = after != before
	m.logger.Info("migrations up", "from", before, "to", after, "applied", applied, "duration", time.Since(start))
	return applied, nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down() error {
	if err := goose.Down(m.db, m.cfg.Dir); err != nil {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (m *Manager) Version() (int64, error) {
	v, err := goose.GetDBVersion(m.db)
	if err != nil {
		return 0, fmt.Errorf("migrations: version: %w", err)
	}
	return v, nil
}

// Status prints the applied/pending state of every migration in cfg.Dir
// through goose's own logger (not the manager's), as goose's CLI does.
func (m *Manager) Status() error {
	if err := goose.Status(m.db, m.cfg.Dir); err != nil {
		return fmt.Errorf("migrations: status: %w", err)
	}
	return nil
}
