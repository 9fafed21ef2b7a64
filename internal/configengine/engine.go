// Package configengine implements the config inheritance forest (spec
// §4.2): the parent/child graph over Config records, ancestor/descendant
// enumeration, flattened raw-config deep merge, autocreate template
// spawning, and propagation of mutations to affected devices.
package configengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/storage"
)

const collection = "configs"

// Notifier is implemented by internal/device and registered with the
// engine so that config mutations can drive device reconfiguration
// without configengine importing the device package (which itself needs
// to call back into configengine to materialize raw configs).
type Notifier interface {
	// ConfigsChanged is called with every config id whose materialization
	// may have changed (the mutated config plus its descendants, or, on
	// delete, the deleted id plus its former descendants).
	ConfigsChanged(ctx context.Context, ids []string) error
}

// BaseRawConfig returns the base raw config that seeds every
// materialization (spec §4.2). Supplied by the caller (cmd/provd, whose
// App.baseRawConfig returns the runtime-derived http_port/tftp_port/
// http_base_url) so this package has no dependency on the service's
// runtime configuration loader.
type BaseRawConfig func() map[string]any

// Engine owns the config collection's parent/child graph and the
// materialization cache.
type Engine struct {
	store   storage.Store
	baseCfg BaseRawConfig
	notify  Notifier

	mu      sync.Mutex
	idx     *parentChildIndex
	built   bool
	cache   map[string]map[string]any // id -> materialized raw config
}

// New returns an Engine backed by store. baseCfg may be nil, in which
// case materialization starts from an empty base.
func New(store storage.Store, baseCfg BaseRawConfig) *Engine {
	if baseCfg == nil {
		baseCfg = func() map[string]any { return map[string]any{} }
	}
	return &Engine{
		store:   store,
		baseCfg: baseCfg,
		idx:     newParentChildIndex(),
		cache:   make(map[string]map[string]any),
	}
}

// SetNotifier registers the device package's reconfiguration hook.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = n
}

func (e *Engine) ensureIndexLocked(ctx context.Context) error {
	if e.built {
		return nil
	}
	docs, err := e.store.Find(ctx, collection, nil, storage.FindOptions{})
	if err != nil {
		return fmt.Errorf("configengine: rebuild index: %w", err)
	}
	for _, doc := range docs {
		var cfg domain.Config
		if err := domain.FromDocument(doc, &cfg); err != nil {
			return fmt.Errorf("configengine: rebuild index: decode %s: %w", doc.ID(), err)
		}
		e.idx.add(cfg.ID, cfg.ParentIDs)
	}
	e.built = true
	return nil
}

// Retrieve returns the stored config by id.
func (e *Engine) Retrieve(ctx context.Context, id string) (*domain.Config, error) {
	doc, err := e.store.Retrieve(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var cfg domain.Config
	if err := domain.FromDocument(doc, &cfg); err != nil {
		return nil, fmt.Errorf("configengine: decode %s: %w", id, err)
	}
	return &cfg, nil
}

// Insert validates and persists a new config, updates the graph index,
// invalidates the materialization cache, and notifies the registered
// Notifier of every id whose materialization may now differ.
func (e *Engine) Insert(ctx context.Context, cfg *domain.Config) (string, error) {
	affected, id, err := e.insertLocked(ctx, cfg)
	if err != nil {
		return "", err
	}
	return id, e.notifyUnlocked(ctx, affected)
}

func (e *Engine) insertLocked(ctx context.Context, cfg *domain.Config) ([]string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexLocked(ctx); err != nil {
		return nil, "", err
	}
	if err := e.validateRoleLocked(ctx, cfg, ""); err != nil {
		return nil, "", err
	}
	if cfg.ID != "" && e.idx.wouldCycle(cfg.ID, cfg.ParentIDs) {
		return nil, "", &core.RawConfigError{Field: "parent_ids", Reason: "would introduce a cycle"}
	}

	doc, err := domain.ToDocument(cfg)
	if err != nil {
		return nil, "", err
	}
	id, err := e.store.Insert(ctx, collection, doc)
	if err != nil {
		return nil, "", err
	}
	cfg.ID = id

	e.idx.add(id, cfg.ParentIDs)
	e.invalidateLocked()

	return e.affected(id), id, nil
}

// Update replaces an existing config, patching the graph index if
// parent_ids changed.
func (e *Engine) Update(ctx context.Context, cfg *domain.Config) error {
	affected, err := e.updateLocked(ctx, cfg)
	if err != nil {
		return err
	}
	return e.notifyUnlocked(ctx, affected)
}

func (e *Engine) updateLocked(ctx context.Context, cfg *domain.Config) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	if err := e.validateRoleLocked(ctx, cfg, cfg.ID); err != nil {
		return nil, err
	}

	// Temporarily detach cfg.ID from the index so wouldCycle doesn't see
	// its own stale parent edges as part of the ancestor walk.
	oldParents := e.idx.parents[cfg.ID]
	e.idx.update(cfg.ID, nil)
	cycles := e.idx.wouldCycle(cfg.ID, cfg.ParentIDs)
	e.idx.update(cfg.ID, oldParents)
	if cycles {
		return nil, &core.RawConfigError{Field: "parent_ids", Reason: "would introduce a cycle"}
	}

	doc, err := domain.ToDocument(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, collection, doc); err != nil {
		return nil, err
	}

	e.idx.update(cfg.ID, cfg.ParentIDs)
	e.invalidateLocked()

	return e.affected(cfg.ID), nil
}

// Delete removes a config, splicing its children's parent_ids per spec
// §4.2, and notifies the Notifier of the deleted id plus every id whose
// materialization may have changed as a result of the splice.
func (e *Engine) Delete(ctx context.Context, id string) error {
	affected, err := e.deleteLocked(ctx, id)
	if err != nil {
		return err
	}
	return e.notifyUnlocked(ctx, affected)
}

func (e *Engine) deleteLocked(ctx context.Context, id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}

	cfg, err := e.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cfg.Deletable {
		return nil, &core.NonDeletableError{Collection: collection, ID: id}
	}

	affected := append([]string{id}, e.idx.descendants(id)...)

	changedChildren, newParentIDsOf := e.idx.remove(id)
	if err := e.store.Delete(ctx, collection, id); err != nil {
		return nil, err
	}
	for _, child := range changedChildren {
		childDoc, err := e.store.Retrieve(ctx, collection, child)
		if err != nil {
			continue
		}
		childDoc["parent_ids"] = toAnySlice(newParentIDsOf[child])
		if err := e.store.Update(ctx, collection, childDoc); err != nil {
			return nil, fmt.Errorf("configengine: splice child %s: %w", child, err)
		}
	}

	e.invalidateLocked()
	return affected, nil
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// affected returns id plus every descendant of id, whose materialization
// may change when id is mutated (spec §4.2 propagation).
func (e *Engine) affected(id string) []string {
	return append([]string{id}, e.idx.descendants(id)...)
}

// notifyUnlocked calls the registered Notifier, if any, outside of e.mu so that
// a Notifier implementation is free to call back into the engine (e.g.
// Materialize) without deadlocking.
func (e *Engine) notifyUnlocked(ctx context.Context, ids []string) error {
	e.mu.Lock()
	n := e.notify
	e.mu.Unlock()

	if n == nil {
		return nil
	}
	return n.ConfigsChanged(ctx, ids)
}

func (e *Engine) invalidateLocked() {
	e.cache = make(map[string]map[string]any)
}

// validateRoleLocked enforces "at most one default" and "at most one
// autocreate" (spec §3), skipping the config being updated (selfID) when
// checking for an existing holder of the same role.
func (e *Engine) validateRoleLocked(ctx context.Context, cfg *domain.Config, selfID string) error {
	if cfg.Role != domain.RoleDefault && cfg.Role != domain.RoleAutocreate {
		return nil
	}
	existing, err := e.store.Find(ctx, collection, storage.Selector{"role": string(cfg.Role)}, storage.FindOptions{})
	if err != nil {
		return err
	}
	for _, doc := range existing {
		if doc.ID() != selfID {
			return &core.RawConfigError{Field: "role", Reason: fmt.Sprintf("a config with role=%s already exists", cfg.Role)}
		}
	}
	return nil
}

// Ancestors returns id's ancestor ids (ensuring the index is built first).
func (e *Engine) Ancestors(ctx context.Context, id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	return e.idx.ancestors(id), nil
}

// Descendants returns id's descendant ids (ensuring the index is built first).
func (e *Engine) Descendants(ctx context.Context, id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	return e.idx.descendants(id), nil
}
