package domain

// Ptr constructors for optional raw-config fields. Named short because
// they are used pervasively when building literal configs in tests and in
// the default-fill step of internal/device.

func Str(v string) *string { return &v }
func Int(v int) *int       { return &v }
func Bool(v bool) *bool    { return &v }

func StrVal(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func IntVal(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func BoolVal(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
