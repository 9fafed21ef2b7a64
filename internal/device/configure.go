package device

import (
	"context"
	"fmt"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/storage"
)

// invokePlugin runs fn, converting any panic raised by plugin code into an
// error (spec §4.5: "a plugin raising during configure/deconfigure/
// synchronize must not take the server down with it").
func invokePlugin(logger interface{ Warn(string, ...any) }, pluginID, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("device: plugin panicked", "plugin", pluginID, "op", op, "panic", r)
			err = fmt.Errorf("device: plugin %s panicked during %s: %v", pluginID, op, r)
		}
	}()
	return fn()
}

// configureIfPossible materializes dev's raw config and, if a plugin is
// loaded and assigned, fills defaults, injects the tenant provisioning
// key, validates, and calls the plugin's Configure (spec §4.4: "configure
// if possible" — any failure leaves the device unconfigured rather than
// erroring the caller's request).
func (s *Store) configureIfPossible(ctx context.Context, dev *domain.Device) bool {
	if dev.Plugin == "" || dev.Config == "" {
		return false
	}
	p, err := s.plugins.Get(dev.Plugin)
	if err != nil {
		s.logger.Warn("device: configure skipped, plugin unavailable", "device", dev.ID, "plugin", dev.Plugin, "error", err)
		return false
	}

	raw, err := s.configs.Materialize(ctx, dev.Config)
	if err != nil {
		s.logger.Warn("device: configure skipped, materialize failed", "device", dev.ID, "config", dev.Config, "error", err)
		return false
	}
	raw = StripNulls(raw).(map[string]any)
	raw = FillDefaults(raw)
	raw = s.injectProvisioningKey(ctx, dev.TenantUUID, raw)

	if err := ValidateRawConfig(raw); err != nil {
		s.logger.Warn("device: configure skipped, raw config invalid", "device", dev.ID, "error", err)
		return false
	}

	err = invokePlugin(s.logger, dev.Plugin, "configure", func() error {
		return p.Configure(ctx, dev, raw)
	})
	if err != nil {
		s.logger.Warn("device: plugin configure failed", "device", dev.ID, "plugin", dev.Plugin, "error", err)
		return false
	}
	return true
}

// deconfigure calls the assigned plugin's Deconfigure, isolating any
// panic; failures are logged, never propagated, since deconfigure always
// runs as a best-effort step ahead of another state transition.
func (s *Store) deconfigure(ctx context.Context, dev *domain.Device) {
	p, err := s.plugins.Get(dev.Plugin)
	if err != nil {
		return
	}
	err = invokePlugin(s.logger, dev.Plugin, "deconfigure", func() error {
		return p.Deconfigure(ctx, dev)
	})
	if err != nil {
		s.logger.Warn("device: plugin deconfigure failed", "device", dev.ID, "plugin", dev.Plugin, "error", err)
	}
}

// Synchronize sends the assigned plugin's synchronize operation to dev and,
// if an AMI collaborator is wired in, fires a parallel check-sync notify
// (spec §4.4/§4.6). A pure read of the device plus a call out to the
// plugin: acquired under RLock since it does not mutate the device record.
func (s *Store) Synchronize(ctx context.Context, id string) error {
	release, err := s.lock.RLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	dev, err := s.retrieve(ctx, id)
	if err != nil {
		return err
	}
	if !dev.Configured || dev.Plugin == "" {
		return core.ErrSynchronize
	}
	p, err := s.plugins.Get(dev.Plugin)
	if err != nil {
		return core.ErrPluginNotLoaded
	}
	raw, err := s.configs.Materialize(ctx, dev.Config)
	if err != nil {
		return fmt.Errorf("device: synchronize: materialize %s: %w", dev.Config, err)
	}
	raw = StripNulls(raw).(map[string]any)
	raw = FillDefaults(raw)

	if s.sync != nil {
		go func() {
			if err := s.sync.NotifySynchronize(context.WithoutCancel(ctx), dev); err != nil {
				s.logger.Warn("device: check-sync notify failed", "device", dev.ID, "error", err)
			}
		}()
	}

	var errCh <-chan error
	if err := invokePlugin(s.logger, dev.Plugin, "synchronize", func() error {
		errCh = p.Synchronize(ctx, dev, raw)
		return nil
	}); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfigsChanged implements configengine.Notifier. It runs reactively from
// inside the caller's already-held write-lock span (see store.go's New
// doc comment) and so must not itself acquire s.lock: devices referencing
// any of ids are reconfigured (or deconfigured, if materialization now
// fails) and persisted only when their configured flag actually changes.
func (s *Store) ConfigsChanged(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	affected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		affected[id] = struct{}{}
	}

	docs, err := s.store.Find(ctx, collection, storage.Selector{}, storage.FindOptions{})
	if err != nil {
		return fmt.Errorf("device: configs_changed: list devices: %w", err)
	}

	for _, doc := range docs {
		var dev domain.Device
		if err := domain.FromDocument(doc, &dev); err != nil {
			s.logger.Warn("device: configs_changed: decode failed", "id", doc.ID(), "error", err)
			continue
		}
		if _, ok := affected[dev.Config]; !ok {
			continue
		}

		was := dev.Configured
		if dev.Configured {
			s.deconfigure(ctx, &dev)
		}
		dev.Configured = s.configureIfPossible(ctx, &dev)
		if dev.Configured == was {
			continue
		}
		if err := s.persist(ctx, &dev); err != nil {
			s.logger.Warn("device: configs_changed: persist failed", "device", dev.ID, "error", err)
		}
	}
	return nil
}
