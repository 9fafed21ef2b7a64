package domain

// ConfigRole enumerates the distinguished roles a config may hold in the
// forest. At most one config may hold role=default and at most one
// role=autocreate at any time (enforced by internal/configengine).
type ConfigRole string

const (
	RoleNone       ConfigRole = ""
	RoleDefault    ConfigRole = "default"
	RoleAutocreate ConfigRole = "autocreate"
	RoleOther      ConfigRole = "other"
)

// Config is one node of the inheritance forest. ParentIDs is ordered:
// internal/configengine walks this list in its listed order, without
// reversing it, so the *last* parent in the list is merged last and wins
// ties at any given merge level (spec §9).
type Config struct {
	ID        string     `json:"id" validate:"required"`
	ParentIDs []string   `json:"parent_ids"`
	RawConfig RawConfig  `json:"raw_config"`
	Role      ConfigRole `json:"role,omitempty"`
	Deletable bool       `json:"deletable"`
	Transient bool       `json:"transient"`
	XType     string     `json:"X_type,omitempty"`
	Label     string     `json:"label,omitempty"`
}

// NewConfig returns a Config with the defaults the spec requires
// (deletable=true, transient=false) when not otherwise specified.
func NewConfig(id string) *Config {
	return &Config{ID: id, Deletable: true}
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.ParentIDs = append([]string(nil), c.ParentIDs...)
	clone.RawConfig = c.RawConfig.Clone()
	return &clone
}

// Tenant is the persisted tenant record.
type Tenant struct {
	UUID             string  `json:"uuid" validate:"required"`
	ProvisioningKey  *string `json:"provisioning_key,omitempty" validate:"omitempty,min=8,max=256"`
}

// ServiceConfig is the singleton, durable, process-wide settings record.
type ServiceConfig struct {
	PluginServer    string `json:"plugin_server"`
	HTTPProxy       string `json:"http_proxy,omitempty"`
	HTTPSProxy      string `json:"https_proxy,omitempty"`
	FTPProxy        string `json:"ftp_proxy,omitempty"`
	Locale          string `json:"locale,omitempty"`
	NATEnabled      bool   `json:"nat_enabled"`

	// ProvisioningKeyURLScheme is true when the first HTTP path segment of
	// a device file request is interpreted as the tenant's provisioning
	// key (spec §4.4/§6, "url-key authentication mode").
	ProvisioningKeyURLScheme bool `json:"provisioning_key_url_scheme"`
}
