package domain

import (
	"encoding/json"
	"fmt"
)

// ToDocument and FromDocument round-trip typed domain structs through
// encoding/json into the map[string]any shape internal/storage persists.
// Storage stays ignorant of Device/Config/Tenant; only the domain package
// knows how they serialize.

func ToDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("domain: marshal: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("domain: unmarshal to document: %w", err)
	}
	return doc, nil
}

func FromDocument(doc map[string]any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("domain: marshal document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("domain: unmarshal into %T: %w", out, err)
	}
	return nil
}
