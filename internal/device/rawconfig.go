package device

import (
	"fmt"

	"github.com/wazo-provd/provd/internal/core"
)

// FillDefaults fills in the raw-config defaults the schema promises when
// a field is gated-but-absent or has a fixed fallback (spec §3):
// auth_username defaults to username and registrar_ip defaults to
// proxy_ip per sip_lines entry (falling back to the global sip block's
// proxy_ip when the line itself has none), syslog_port defaults to 514,
// syslog_level defaults to "warning". raw is mutated in place and
// returned.
func FillDefaults(raw map[string]any) map[string]any {
	globalProxyIP, _ := dig(raw, "sip", "proxy_ip").(string)

	if lines, ok := raw["sip_lines"].(map[string]any); ok {
		for _, v := range lines {
			line, ok := v.(map[string]any)
			if !ok {
				continue
			}
			username, _ := line["username"].(string)
			if _, ok := line["auth_username"]; !ok && username != "" {
				line["auth_username"] = username
			}
			proxyIP, _ := line["proxy_ip"].(string)
			if proxyIP == "" {
				proxyIP = globalProxyIP
				if proxyIP != "" {
					line["proxy_ip"] = proxyIP
				}
			}
			if _, ok := line["registrar_ip"]; !ok && proxyIP != "" {
				line["registrar_ip"] = proxyIP
			}
		}
	}

	if truthy(raw["syslog_enabled"]) {
		if _, ok := raw["syslog_port"]; !ok {
			raw["syslog_port"] = 514
		}
		if _, ok := raw["syslog_level"]; !ok {
			raw["syslog_level"] = "warning"
		}
	}

	return raw
}

// ValidateRawConfig checks the invariants the spec requires on the
// materialized result before it is handed to a plugin (spec §3): the
// mandatory ip/http_port/tftp_port keys are present, every sip_lines
// entry has a resolvable proxy_ip, and protocol=SIP implies every line
// carries username/password/display_name.
func ValidateRawConfig(raw map[string]any) error {
	for _, key := range []string{"ip", "http_port", "tftp_port"} {
		if _, ok := raw[key]; !ok {
			return &core.RawConfigError{Field: key, Reason: "mandatory field missing from materialized raw config"}
		}
	}

	lines, _ := raw["sip_lines"].(map[string]any)
	protocol, _ := raw["protocol"].(string)

	for num, v := range lines {
		line, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := line["proxy_ip"]; !ok {
			return &core.RawConfigError{Field: fmt.Sprintf("sip_lines.%s.proxy_ip", num), Reason: "not resolvable"}
		}
		if protocol != "SIP" {
			continue
		}
		for _, field := range []string{"username", "password", "display_name"} {
			if _, ok := line[field]; !ok {
				return &core.RawConfigError{Field: fmt.Sprintf("sip_lines.%s.%s", num, field), Reason: "required when protocol=SIP"}
			}
		}
	}
	return nil
}

// StripNulls removes any key whose value is explicitly null, recursively,
// matching the spec's "values that are null at the device granularity are
// stripped (a plugin template checks presence via containment)".
func StripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if child == nil {
				delete(t, k)
				continue
			}
			t[k] = StripNulls(child)
		}
		return t
	default:
		return v
	}
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = asMap[p]
	}
	return cur
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
