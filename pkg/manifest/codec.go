package manifest

import (
	"encoding/json"
	"fmt"
)

// ToMap renders the manifest as a generic map, the shape persisted in the
// modules table and exchanged over the registration API.
func (m *ModuleManifest) ToMap() (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest map: %w", err)
	}
	return out, nil
}

// FromMap reconstructs a manifest from its generic map form.
func FromMap(raw map[string]any) (*ModuleManifest, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest map: %w", err)
	}

	var m ModuleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// ParseJSON parses a manifest from its JSON document form.
func ParseJSON(data []byte) (*ModuleManifest, error) {
	var m ModuleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
