package bolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/wazo-provd/provd/internal/core"
)

// ProvisioningKeyIndex enforces global provisioning-key uniqueness across
// tenants with a SQLite side-table next to the bbolt document store —
// bbolt itself has no unique-constraint primitive, and scanning the
// tenants bucket on every write does not scale the way a SQL unique index
// does (domain-stack wiring table: "provisioning-key uniqueness index").
// The schema is managed by internal/infrastructure/migrations, applied
// once at startup before the index is opened for use.
type ProvisioningKeyIndex struct {
	db *sql.DB
}

// OpenProvisioningKeyIndex opens the SQLite database at dsn. Callers must
// have already run internal/infrastructure/migrations against the same
// dsn so the provisioning_keys table exists.
func OpenProvisioningKeyIndex(dsn string) (*ProvisioningKeyIndex, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("bolt: open provisioning key index %s: %w", dsn, err)
	}
	return &ProvisioningKeyIndex{db: db}, nil
}

// Close releases the underlying database handle.
func (p *ProvisioningKeyIndex) Close() error { return p.db.Close() }

// Reserve records that tenantUUID owns key, failing with an error that
// wraps core.ErrEntryNotFound when the key is already held by a different
// tenant (spec §3's Tenant.ProvisioningKey is
// unique). Reserving the same key for the same tenant again is a no-op.
func (p *ProvisioningKeyIndex) Reserve(ctx context.Context, tenantUUID, key string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provisioning_keys (tenant_uuid, provisioning_key) VALUES (?, ?)
		ON CONFLICT(tenant_uuid) DO UPDATE SET provisioning_key = excluded.provisioning_key
	`, tenantUUID, key)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("bolt: provisioning key %q already in use: %w", key, core.ErrEntryNotFound)
		}
		return fmt.Errorf("bolt: reserve provisioning key: %w", err)
	}
	return nil
}

// Release removes tenantUUID's reservation, if any.
func (p *ProvisioningKeyIndex) Release(ctx context.Context, tenantUUID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM provisioning_keys WHERE tenant_uuid = ?`, tenantUUID)
	if err != nil {
		return fmt.Errorf("bolt: release provisioning key for %s: %w", tenantUUID, err)
	}
	return nil
}

// Lookup returns the tenant uuid currently holding key, if any.
func (p *ProvisioningKeyIndex) Lookup(ctx context.Context, key string) (tenantUUID string, ok bool, err error) {
	row := p.db.QueryRowContext(ctx, `SELECT tenant_uuid FROM provisioning_keys WHERE provisioning_key = ?`, key)
	if err := row.Scan(&tenantUUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("bolt: lookup provisioning key: %w", err)
	}
	return tenantUUID, true, nil
}

// isUniqueConstraintErr reports whether err is a SQLite unique-constraint
// violation. modernc.org/sqlite surfaces these as plain errors whose text
// carries the SQLite message rather than a typed sentinel, so this
// matches on that message the way the driver expects callers to.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
