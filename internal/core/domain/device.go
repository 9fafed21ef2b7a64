// Package domain holds the persisted record types of the provisioning
// server: devices, configs, tenants, and the service-wide settings
// singleton. These are plain data holders — the behavior that enforces
// their invariants lives in the internal/device and internal/configengine
// packages, which are the only code allowed to mutate them through the
// persistence layer.
package domain

// AddedKind distinguishes a device created through the REST boundary from
// one the retriever auto-created while serving a request.
type AddedKind string

const (
	AddedAuto   AddedKind = "auto"
	AddedManual AddedKind = "manual"
)

// Device is the provisioning record for one physical or soft phone.
//
// Mac and IP are either absent or normalized (see pkg/netnorm); TenantUUID
// is mandatory; Plugin and Config may reference ids that do not exist —
// dangling references are legal and every lookup through this package
// tolerates them.
type Device struct {
	ID       string `json:"id" validate:"omitempty,alphanum"`
	TenantUUID string `json:"tenant_uuid" validate:"required"`

	MAC     string `json:"mac,omitempty"`
	IP      string `json:"ip,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Model   string `json:"model,omitempty"`
	Version string `json:"version,omitempty"`
	SN      string `json:"sn,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Description string `json:"description,omitempty"`

	// Options carries free-form vendor fields surfaced by DHCP/HTTP
	// extractors (e.g. option 60 vendor class). needs_reconfiguration
	// compares this map wholesale.
	Options map[string]string `json:"options,omitempty"`

	Plugin string `json:"plugin,omitempty"`
	Config string `json:"config,omitempty"`

	Configured bool      `json:"configured"`
	IsNew      bool      `json:"is_new"`
	Added      AddedKind `json:"added"`

	// RemoteStateSIPUsername is the last SIP username this device was
	// observed to have published to its own files, used to close the
	// synchronize feedback loop (spec §4.6).
	RemoteStateSIPUsername string `json:"remote_state_sip_username,omitempty"`

	// Voicemail and Exten are opaque free fields the pipeline may
	// populate; the config engine never inspects them.
	Voicemail *string `json:"voicemail,omitempty"`
	Exten     *string `json:"exten,omitempty"`
}

// Clone returns a deep copy so callers can mutate a working copy without
// corrupting the stored record (mirrors the copy-on-read discipline of
// internal/storage/memory in the teacher repo).
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.Options != nil {
		c.Options = make(map[string]string, len(d.Options))
		for k, v := range d.Options {
			c.Options[k] = v
		}
	}
	if d.Voicemail != nil {
		v := *d.Voicemail
		c.Voicemail = &v
	}
	if d.Exten != nil {
		v := *d.Exten
		c.Exten = &v
	}
	return &c
}

// ReconfigurationKeys returns the field values compared by
// needs_reconfiguration, in the fixed order named by the spec.
type ReconfigurationKeys struct {
	Plugin  string
	Config  string
	MAC     string
	UUID    string
	Vendor  string
	Model   string
	Version string
	Options map[string]string
}

func (d *Device) reconfigurationKeys() ReconfigurationKeys {
	return ReconfigurationKeys{
		Plugin:  d.Plugin,
		Config:  d.Config,
		MAC:     d.MAC,
		UUID:    d.UUID,
		Vendor:  d.Vendor,
		Model:   d.Model,
		Version: d.Version,
		Options: d.Options,
	}
}

// NeedsReconfiguration returns true iff any of plugin/config/mac/uuid/
// vendor/model/version/options differs between old and new. A change to ip
// alone never forces reconfiguration.
func NeedsReconfiguration(oldDev, newDev *Device) bool {
	a, b := oldDev.reconfigurationKeys(), newDev.reconfigurationKeys()
	if a.Plugin != b.Plugin || a.Config != b.Config || a.MAC != b.MAC ||
		a.UUID != b.UUID || a.Vendor != b.Vendor || a.Model != b.Model ||
		a.Version != b.Version {
		return true
	}
	return !stringMapEqual(a.Options, b.Options)
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
