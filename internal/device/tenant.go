package device

import "context"

// TenantLookup resolves a tenant's provisioning key, used to inject the
// key into http_base_url when url-key authentication is enabled (spec
// §4.4/§6). Implemented by internal/config's tenant store; kept as a
// narrow interface here so internal/device has no dependency on the
// tenant persistence shape.
type TenantLookup interface {
	ProvisioningKey(ctx context.Context, tenantUUID string) (key string, ok bool, err error)
}

// injectProvisioningKey prefixes http_base_url's path with the tenant's
// provisioning key when url-key auth is enabled and the tenant holds one
// (spec §4.4: "inject the tenant's provisioning key into http_base_url
// when url-key auth is enabled"). Absent a lookup, an unset key, or the
// feature disabled, raw is returned unchanged.
func (s *Store) injectProvisioningKey(ctx context.Context, tenantUUID string, raw map[string]any) map[string]any {
	if s.tenants == nil || !s.urlKeyAuth {
		return raw
	}
	key, ok, err := s.tenants.ProvisioningKey(ctx, tenantUUID)
	if err != nil || !ok || key == "" {
		return raw
	}
	base, _ := raw["http_base_url"].(string)
	raw["http_base_url"] = base + "/" + key
	return raw
}
