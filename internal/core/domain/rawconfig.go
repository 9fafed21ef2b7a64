package domain

// Protocol enumerates the line-signaling protocol a config targets.
type Protocol string

const (
	ProtocolSIP  Protocol = "SIP"
	ProtocolSCCP Protocol = "SCCP"
)

// SIPGlobal is the SIP-wide block of a raw config (spec §3: "full SIP
// block: proxy/registrar/outbound/dtmf/srtp/transport/certificates").
type SIPGlobal struct {
	ProxyIP         *string `json:"proxy_ip,omitempty"`
	ProxyPort       *int    `json:"proxy_port,omitempty"`
	RegistrarIP     *string `json:"registrar_ip,omitempty"`
	RegistrarPort   *int    `json:"registrar_port,omitempty"`
	OutboundProxyIP *string `json:"outbound_proxy_ip,omitempty"`
	DTMFMode        *string `json:"dtmf_mode,omitempty"`
	SRTPMode        *string `json:"srtp_mode,omitempty"`
	Transport       *string `json:"transport,omitempty"`
	SubscribeMWI    *bool   `json:"subscribe_mwi,omitempty"`
	ServerCertFile  *string `json:"server_cert_file,omitempty"`
	ServerCAFile    *string `json:"server_ca_file,omitempty"`
}

func (s *SIPGlobal) clone() *SIPGlobal {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SIPLine is one `sip_lines["<n>"]` entry. AuthUsername defaults to
// Username and RegistrarIP defaults to ProxyIP when absent — resolved by
// internal/device's FillDefaults before a plugin call, not here.
type SIPLine struct {
	Username     *string `json:"username,omitempty"`
	AuthUsername *string `json:"auth_username,omitempty"`
	Password     *string `json:"password,omitempty"`
	DisplayName  *string `json:"display_name,omitempty"`
	ProxyIP      *string `json:"proxy_ip,omitempty"`
	RegistrarIP  *string `json:"registrar_ip,omitempty"`
}

func (l *SIPLine) clone() *SIPLine {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// SCCPCallManager is one `sccp_call_managers["<priority>"]` entry.
type SCCPCallManager struct {
	IP   *string `json:"ip,omitempty"`
	Port *int    `json:"port,omitempty"`
}

func (m *SCCPCallManager) clone() *SCCPCallManager {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// FuncKeyType enumerates the function-key types the schema recognizes.
type FuncKeyType string

const (
	FuncKeySpeedDial FuncKeyType = "speeddial"
	FuncKeyBLF       FuncKeyType = "blf"
	FuncKeyPark      FuncKeyType = "park"
)

// FuncKey is one `funckeys["<position>"]` entry.
type FuncKey struct {
	Type  FuncKeyType `json:"type"`
	Value *string     `json:"value,omitempty"`
	Label *string     `json:"label,omitempty"`
	Line  *string     `json:"line,omitempty"`
}

func (k *FuncKey) clone() *FuncKey {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

// RawConfig is the closed-schema raw-config leaf attached to every config
// node. Optional/gated fields are pointers so the deep-merge walk in
// internal/configengine can tell "absent" from "explicitly zero".
type RawConfig struct {
	IP          *string `json:"ip,omitempty"`
	HTTPPort    *int    `json:"http_port,omitempty"`
	TFTPPort    *int    `json:"tftp_port,omitempty"`
	HTTPBaseURL *string `json:"http_base_url,omitempty"`

	DNSEnabled *bool   `json:"dns_enabled,omitempty"`
	DNSIP      *string `json:"dns_ip,omitempty"`

	NTPEnabled *bool   `json:"ntp_enabled,omitempty"`
	NTPIP      *string `json:"ntp_ip,omitempty"`

	VLANEnabled  *bool `json:"vlan_enabled,omitempty"`
	VLANID       *int  `json:"vlan_id,omitempty"`
	VLANPriority *int  `json:"vlan_priority,omitempty"`

	SyslogEnabled *bool   `json:"syslog_enabled,omitempty"`
	SyslogIP      *string `json:"syslog_ip,omitempty"`
	SyslogPort    *int    `json:"syslog_port,omitempty"`
	SyslogLevel   *string `json:"syslog_level,omitempty"`

	AdminUsername *string `json:"admin_username,omitempty"`
	AdminPassword *string `json:"admin_password,omitempty"`
	UserUsername  *string `json:"user_username,omitempty"`
	UserPassword  *string `json:"user_password,omitempty"`

	Timezone *string `json:"timezone,omitempty"`
	Locale   *string `json:"locale,omitempty"`

	Protocol *Protocol `json:"protocol,omitempty"`

	SIP *SIPGlobal `json:"sip,omitempty"`

	SIPLines         map[string]*SIPLine         `json:"sip_lines,omitempty"`
	SCCPCallManagers map[string]*SCCPCallManager `json:"sccp_call_managers,omitempty"`
	FuncKeys         map[string]*FuncKey         `json:"funckeys,omitempty"`
}

// Clone returns a deep copy of the raw config leaf.
func (r RawConfig) Clone() RawConfig {
	c := r
	c.SIP = r.SIP.clone()

	if r.SIPLines != nil {
		c.SIPLines = make(map[string]*SIPLine, len(r.SIPLines))
		for k, v := range r.SIPLines {
			c.SIPLines[k] = v.clone()
		}
	}
	if r.SCCPCallManagers != nil {
		c.SCCPCallManagers = make(map[string]*SCCPCallManager, len(r.SCCPCallManagers))
		for k, v := range r.SCCPCallManagers {
			c.SCCPCallManagers[k] = v.clone()
		}
	}
	if r.FuncKeys != nil {
		c.FuncKeys = make(map[string]*FuncKey, len(r.FuncKeys))
		for k, v := range r.FuncKeys {
			c.FuncKeys[k] = v.clone()
		}
	}
	return c
}
