package device

import (
	"fmt"
	"regexp"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/pkg/netnorm"
)

// idPattern is the id shape accepted when a caller supplies one
// explicitly (spec §4.4: "id (if provided) matches [0-9a-z]+").
var idPattern = regexp.MustCompile(`^[0-9a-z]+$`)

// Validate normalizes mac/ip in place and checks the invariants spec §4.4
// requires on insert/update: tenant mandatory, id (if present) matches
// the accepted shape, mac/ip (if present) are valid and normalized.
func Validate(dev *domain.Device) error {
	if dev.TenantUUID == "" {
		return &core.InvalidParameterError{Parameter: "tenant_uuid", Reason: "mandatory"}
	}
	if dev.ID != "" && !idPattern.MatchString(dev.ID) {
		return &core.InvalidParameterError{Parameter: "id", Reason: "must match [0-9a-z]+"}
	}
	if dev.MAC != "" {
		mac, err := netnorm.NormalizeMAC(dev.MAC)
		if err != nil {
			return &core.InvalidParameterError{Parameter: "mac", Reason: err.Error()}
		}
		dev.MAC = mac
	}
	if dev.IP != "" {
		ip, err := netnorm.NormalizeIP(dev.IP)
		if err != nil {
			return &core.InvalidParameterError{Parameter: "ip", Reason: err.Error()}
		}
		dev.IP = ip
	}
	return nil
}

func devicesEqual(a, b *domain.Device) bool {
	da, err := domain.ToDocument(a)
	if err != nil {
		return false
	}
	db, err := domain.ToDocument(b)
	if err != nil {
		return false
	}
	return fmt.Sprintf("%v", da) == fmt.Sprintf("%v", db)
}
