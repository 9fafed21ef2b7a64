// Package bus wires the provisioning server into the wazo message bus.
// The only event this process subscribes to is auth_tenant_deleted (spec
// §6: "Unchanged: auth_tenant_deleted subscription deletes every device
// with matching tenant_uuid and the tenant's provisioning-key record"),
// published on the wazo-headers exchange with the event name carried in
// the AMQP message headers rather than in the routing key.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/storage"
)

// tenantDeletedEvent is the subset of the auth_tenant_deleted body this
// handler needs. The real event also carries a "slug" field; it is not
// needed for cleanup and is dropped on decode.
type tenantDeletedEvent struct {
	Name string `json:"name"`
	Data struct {
		UUID string `json:"uuid"`
	} `json:"data"`
}

// DeviceDeleter is the slice of internal/device.Store a TenantDeletedHandler
// needs: find every device belonging to a tenant, then delete each one
// (cascading their transient-config cleanup and deconfigure, per
// internal/device's own Delete contract).
type DeviceDeleter interface {
	Find(ctx context.Context, sel storage.Selector, opts storage.FindOptions) ([]*domain.Device, error)
	Delete(ctx context.Context, id string) error
}

// TenantDeleter removes a tenant's provisioning-key record. Implemented by
// internal/config's tenant store; kept narrow so this package never learns
// that shape.
type TenantDeleter interface {
	DeleteTenant(ctx context.Context, tenantUUID string) error
}

// TenantDeletedHandler deletes a tenant's devices and provisioning-key
// record in response to an auth_tenant_deleted event.
type TenantDeletedHandler struct {
	devices DeviceDeleter
	tenants TenantDeleter
	logger  *slog.Logger
}

// NewTenantDeletedHandler builds a handler. logger may be nil, in which
// case slog.Default() is used.
func NewTenantDeletedHandler(devices DeviceDeleter, tenants TenantDeleter, logger *slog.Logger) *TenantDeletedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantDeletedHandler{devices: devices, tenants: tenants, logger: logger}
}

// HandleMessage decodes body as a bus event and, if it is an
// auth_tenant_deleted event, cascades the deletion. Any other event name is
// silently ignored — the queue this handler is bound to should already be
// filtered to auth_tenant_deleted by its header binding, but a defensive
// check here keeps the handler correct even if the binding is ever widened.
func (h *TenantDeletedHandler) HandleMessage(ctx context.Context, body []byte) error {
	var evt tenantDeletedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("bus: decode event: %w", err)
	}
	if evt.Name != "auth_tenant_deleted" {
		return nil
	}
	if evt.Data.UUID == "" {
		return fmt.Errorf("bus: auth_tenant_deleted event missing data.uuid")
	}
	return h.deleteTenant(ctx, evt.Data.UUID)
}

func (h *TenantDeletedHandler) deleteTenant(ctx context.Context, tenantUUID string) error {
	devs, err := h.devices.Find(ctx, storage.Selector{"tenant_uuid": tenantUUID}, storage.FindOptions{})
	if err != nil {
		return fmt.Errorf("bus: find devices for tenant %s: %w", tenantUUID, err)
	}

	for _, dev := range devs {
		if err := h.devices.Delete(ctx, dev.ID); err != nil {
			h.logger.Error("bus: failed to delete device on tenant deletion",
				"tenant_uuid", tenantUUID, "device_id", dev.ID, "error", err)
			continue
		}
	}

	if h.tenants != nil {
		if err := h.tenants.DeleteTenant(ctx, tenantUUID); err != nil {
			return fmt.Errorf("bus: delete tenant record %s: %w", tenantUUID, err)
		}
	}

	h.logger.Info("bus: tenant deleted", "tenant_uuid", tenantUUID, "devices_removed", len(devs))
	return nil
}
