// Package device implements the device store and state machine (spec
// §4.4): validation, configure/deconfigure/synchronize against the
// currently loaded plugin, and propagation of config-forest mutations
// (as internal/configengine's Notifier) into device reconfiguration.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wazo-provd/provd/internal/concurrency"
	"github.com/wazo-provd/provd/internal/configengine"
	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/plugin"
	"github.com/wazo-provd/provd/internal/storage"
)

const collection = "devices"

// PluginProvider is the narrow slice of internal/plugin.Manager the store
// depends on, so tests can substitute a fake without standing up a real
// plugin directory.
type PluginProvider interface {
	Get(id string) (plugin.Plugin, error)
}

// PreUpdateHook is invoked by Update just before persisting, after
// reconfiguration has already run — used to carry the "push sip_username
// to device record" policy (spec §4.6) without internal/device depending
// on internal/pipeline.
type PreUpdateHook func(old, next *domain.Device)

// SyncNotifier is the AMI collaborator that pushes a check-sync SIP
// notify in parallel with a plugin's synchronize call (spec §4.4).
// Implemented by internal/ami; wired in by cmd/provd.
type SyncNotifier interface {
	NotifySynchronize(ctx context.Context, dev *domain.Device) error
}

// Store is the device persistence + state machine layer.
type Store struct {
	store   storage.Store
	configs *configengine.Engine
	plugins PluginProvider
	lock    *concurrency.RWLock
	tenants TenantLookup
	sync    SyncNotifier
	logger  *slog.Logger
	events  chan DeviceEvent

	urlKeyAuth bool
}

// Options configures optional collaborators a Store is built with.
type Options struct {
	Tenants      TenantLookup
	SyncNotifier SyncNotifier
	URLKeyAuth   bool
}

// New returns a Store. lock is the single process-wide deferred
// read-write lock (spec §5); every method below that the spec names as
// write- or read-locked acquires it for its own span. Store's
// ConfigsChanged (the configengine.Notifier implementation) is the one
// exception: it runs reactively from inside an already-locked cfg_insert/
// cfg_update/cfg_delete span, so it does not re-acquire the lock itself
// (see DESIGN.md for the full reasoning — a non-reentrant lock cannot
// support a second acquisition on the same call stack).
func New(st storage.Store, configs *configengine.Engine, plugins PluginProvider, lock *concurrency.RWLock, logger *slog.Logger, opts Options) *Store {
	return &Store{
		store:      st,
		configs:    configs,
		plugins:    plugins,
		lock:       lock,
		tenants:    opts.Tenants,
		sync:       opts.SyncNotifier,
		logger:     logger,
		events:     make(chan DeviceEvent, 64),
		urlKeyAuth: opts.URLKeyAuth,
	}
}

// Retrieve returns the stored device by id. A pure lookup: no lock
// acquired (spec §5: "Pure lookups... do not acquire the lock").
func (s *Store) Retrieve(ctx context.Context, id string) (*domain.Device, error) {
	return s.retrieve(ctx, id)
}

func (s *Store) retrieve(ctx context.Context, id string) (*domain.Device, error) {
	doc, err := s.store.Retrieve(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var dev domain.Device
	if err := domain.FromDocument(doc, &dev); err != nil {
		return nil, fmt.Errorf("device: decode %s: %w", id, err)
	}
	return &dev, nil
}

func (s *Store) persist(ctx context.Context, dev *domain.Device) error {
	doc, err := domain.ToDocument(dev)
	if err != nil {
		return fmt.Errorf("device: encode %s: %w", dev.ID, err)
	}
	return s.store.Update(ctx, collection, doc)
}

// Find runs a selector query over the device collection. A pure lookup:
// no lock acquired.
func (s *Store) Find(ctx context.Context, sel storage.Selector, opts storage.FindOptions) ([]*domain.Device, error) {
	docs, err := s.store.Find(ctx, collection, sel, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Device, 0, len(docs))
	for _, doc := range docs {
		var dev domain.Device
		if err := domain.FromDocument(doc, &dev); err != nil {
			return nil, fmt.Errorf("device: decode: %w", err)
		}
		out = append(out, &dev)
	}
	return out, nil
}

// Insert validates and persists a new device, forcing configured=false,
// defaulting tenant_uuid to sessionTenant, setting is_new, then attempting
// configure_if_possible (spec §4.4).
func (s *Store) Insert(ctx context.Context, sessionTenant string, dev *domain.Device) (string, error) {
	release, err := s.lock.Lock(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if dev.TenantUUID == "" {
		dev.TenantUUID = sessionTenant
	}
	if err := Validate(dev); err != nil {
		return "", err
	}
	dev.Configured = false
	dev.IsNew = dev.TenantUUID == sessionTenant

	doc, err := domain.ToDocument(dev)
	if err != nil {
		return "", fmt.Errorf("device: encode: %w", err)
	}
	id, err := s.store.Insert(ctx, collection, doc)
	if err != nil {
		return "", err
	}
	dev.ID = id

	if s.configureIfPossible(ctx, dev) {
		dev.Configured = true
		if err := s.persist(ctx, dev); err != nil {
			return id, fmt.Errorf("device: insert %s: persist configured flag: %w", id, err)
		}
	}
	s.publishEvent(DeviceEvent{Kind: DeviceAdded, ID: id})
	return id, nil
}

// Update reloads the stored device, deconfigures-then-reconfigures when
// needed, cleans up an orphaned transient config on config swap, runs the
// optional pre-update hook, and persists only on diff (spec §4.4).
func (s *Store) Update(ctx context.Context, next *domain.Device, hook PreUpdateHook) error {
	release, err := s.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	old, err := s.retrieve(ctx, next.ID)
	if err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}

	if domain.NeedsReconfiguration(old, next) {
		if old.Configured && old.Plugin != "" {
			s.deconfigure(ctx, old)
		}
		next.Configured = s.configureIfPossible(ctx, next)
	} else {
		next.Configured = old.Configured
	}

	if old.Config != "" && old.Config != next.Config {
		if err := s.cleanupOrphanTransient(ctx, old.Config, next.ID); err != nil {
			s.logger.Warn("device: cleanup orphaned transient config failed", "config", old.Config, "error", err)
		}
	}

	if hook != nil {
		hook(old, next)
	}

	if devicesEqual(old, next) {
		return nil
	}
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.publishEvent(DeviceEvent{Kind: DeviceUpdated, ID: next.ID})
	return nil
}

// Delete cascades transient-config cleanup and deconfigure before
// removing the device record (spec §4.4).
func (s *Store) Delete(ctx context.Context, id string) error {
	release, err := s.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	dev, err := s.retrieve(ctx, id)
	if err != nil {
		return err
	}

	if dev.Config != "" {
		if err := s.cleanupOrphanTransient(ctx, dev.Config, id); err != nil {
			s.logger.Warn("device: cleanup orphaned transient config failed", "config", dev.Config, "error", err)
		}
	}
	if dev.Configured {
		s.deconfigure(ctx, dev)
	}
	if err := s.store.Delete(ctx, collection, id); err != nil {
		return err
	}
	s.publishEvent(DeviceEvent{Kind: DeviceDeleted, ID: id})
	return nil
}

// Reconfigure deconfigures (if configured) then attempts
// configure_if_possible, writing only on a configured-flag change (spec
// §4.4).
func (s *Store) Reconfigure(ctx context.Context, id string) error {
	release, err := s.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	dev, err := s.retrieve(ctx, id)
	if err != nil {
		return err
	}

	wasConfigured := dev.Configured
	if dev.Configured {
		s.deconfigure(ctx, dev)
	}
	dev.Configured = s.configureIfPossible(ctx, dev)

	if dev.Configured == wasConfigured {
		return nil
	}
	return s.persist(ctx, dev)
}

// cleanupOrphanTransient deletes configID if it is transient and no
// device other than excludeDeviceID still references it.
func (s *Store) cleanupOrphanTransient(ctx context.Context, configID, excludeDeviceID string) error {
	cfg, err := s.configs.Retrieve(ctx, configID)
	if err != nil {
		if err == core.ErrEntryNotFound {
			return nil
		}
		return err
	}
	if !cfg.Transient {
		return nil
	}

	referrers, err := s.store.Find(ctx, collection, storage.Selector{"config": configID}, storage.FindOptions{})
	if err != nil {
		return err
	}
	for _, doc := range referrers {
		if doc.ID() != excludeDeviceID {
			return nil
		}
	}
	return s.configs.Delete(ctx, configID)
}
