package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/storage"
)

const tenantCollection = "tenants"

// provisioningKeyCacheSize bounds the forward tenant-uuid -> provisioning-
// key cache. ProvisioningKey is on the hot path of every request when
// url_key_auth is enabled (spec §4.4) — one lookup per phone request — so
// an unbounded deployment's tenant count would otherwise mean one storage
// round trip per request for a value that almost never changes.
const provisioningKeyCacheSize = 4096

// TenantStore persists the tenant/provisioning-key catalog (spec §3, §4.4,
// §6) over a storage.Store. It is the concrete implementation wired in by
// cmd/provd for device.TenantLookup (provisioning key by tenant uuid),
// internal/server/http.TenantResolver (the reverse lookup: a url-key auth
// request resolves the first path segment back to a tenant), and
// internal/bus.TenantDeleter (auth_tenant_deleted removes the record),
// keeping each of those packages' interfaces narrow and independent of
// this storage shape.
type TenantStore struct {
	store    storage.Store
	keys     KeyUniquenessIndex
	logger   *slog.Logger
	keyCache *lru.Cache[string, string]
}

// KeyUniquenessIndex cross-checks a provisioning key against every
// tenant, not just the one being written — the document store's
// per-collection selector scan could do this too, but the SQLite side
// table (internal/storage/bolt.ProvisioningKeyIndex) enforces it with a
// real unique constraint instead of a race-prone read-then-write. Optional:
// a TenantStore with no index falls back to allowing the write, matching
// the memory storage backend's test/dev posture (spec's bolt backend is
// the one production deployments run, and that is where the index is
// wired in).
type KeyUniquenessIndex interface {
	Reserve(ctx context.Context, tenantUUID, key string) error
	Release(ctx context.Context, tenantUUID string) error
}

// NewTenantStore returns a TenantStore backed by st with no key-uniqueness
// index (suitable for the memory backend / tests).
func NewTenantStore(st storage.Store, logger *slog.Logger) *TenantStore {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, string](provisioningKeyCacheSize)
	return &TenantStore{store: st, logger: logger, keyCache: cache}
}

// NewTenantStoreWithKeyIndex returns a TenantStore that also enforces
// global provisioning-key uniqueness through keys.
func NewTenantStoreWithKeyIndex(st storage.Store, keys KeyUniquenessIndex, logger *slog.Logger) *TenantStore {
	ts := NewTenantStore(st, logger)
	ts.keys = keys
	return ts
}

// ProvisioningKey implements device.TenantLookup.
func (t *TenantStore) ProvisioningKey(ctx context.Context, tenantUUID string) (string, bool, error) {
	if key, ok := t.keyCache.Get(tenantUUID); ok {
		return key, true, nil
	}

	doc, err := t.store.Retrieve(ctx, tenantCollection, tenantUUID)
	if errors.Is(err, core.ErrEntryNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("config: retrieve tenant %s: %w", tenantUUID, err)
	}
	key, _ := doc["provisioning_key"].(string)
	if key == "" {
		return "", false, nil
	}
	t.keyCache.Add(tenantUUID, key)
	return key, true, nil
}

// TenantByKey implements internal/server/http.TenantResolver: the reverse
// lookup from provisioning key to tenant uuid used by url-key auth mode.
func (t *TenantStore) TenantByKey(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	docs, err := t.store.Find(ctx, tenantCollection, storage.Selector{"provisioning_key": key}, storage.FindOptions{Limit: 1})
	if err != nil {
		return "", false, fmt.Errorf("config: find tenant by key: %w", err)
	}
	if len(docs) == 0 {
		return "", false, nil
	}
	return docs[0].ID(), true, nil
}

// DeleteTenant implements internal/bus.TenantDeleter. Deleting an already
// absent tenant is not an error — auth_tenant_deleted may race a prior
// delete, and the handler's contract (spec §6) is "the tenant's
// provisioning-key record is gone", which is already true.
func (t *TenantStore) DeleteTenant(ctx context.Context, tenantUUID string) error {
	err := t.store.Delete(ctx, tenantCollection, tenantUUID)
	if err != nil && !errors.Is(err, core.ErrEntryNotFound) {
		return fmt.Errorf("config: delete tenant %s: %w", tenantUUID, err)
	}
	t.keyCache.Remove(tenantUUID)
	if t.keys != nil {
		if err := t.keys.Release(ctx, tenantUUID); err != nil {
			return fmt.Errorf("config: release provisioning key for tenant %s: %w", tenantUUID, err)
		}
	}
	return nil
}

// Upsert creates or replaces a tenant record. Used by provisioning
// bootstrap and tests; the REST boundary's tenant-provisioning-key
// endpoints (out of scope, contract only — spec §6) would call through
// the same path in a full deployment.
func (t *TenantStore) Upsert(ctx context.Context, tenant *domain.Tenant) error {
	t.keyCache.Remove(tenant.UUID)
	doc := storage.Document{"id": tenant.UUID, "uuid": tenant.UUID}
	if tenant.ProvisioningKey != nil {
		doc["provisioning_key"] = *tenant.ProvisioningKey
		if t.keys != nil {
			if err := t.keys.Reserve(ctx, tenant.UUID, *tenant.ProvisioningKey); err != nil {
				return fmt.Errorf("config: reserve provisioning key for tenant %s: %w", tenant.UUID, err)
			}
		}
	}

	_, err := t.store.Retrieve(ctx, tenantCollection, tenant.UUID)
	switch {
	case errors.Is(err, core.ErrEntryNotFound):
		_, err = t.store.Insert(ctx, tenantCollection, doc)
	case err == nil:
		err = t.store.Update(ctx, tenantCollection, doc)
	}
	if err != nil {
		return fmt.Errorf("config: upsert tenant %s: %w", tenant.UUID, err)
	}
	return nil
}
