package registry

import "fmt"

// ValidateConfig checks an installation configuration against the
// manifest's config schema. The schema maps each key to a descriptor
// with optional "type" (string, number, integer, boolean, object,
// array) and "required" fields. A nil schema accepts anything.
func ValidateConfig(schema map[string]any, config map[string]any) []string {
	if len(schema) == 0 {
		return nil
	}

	var errs []string
	for key, raw := range schema {
		desc, _ := raw.(map[string]any)

		value, present := config[key]
		if required, _ := desc["required"].(bool); required && !present {
			errs = append(errs, fmt.Sprintf("missing required config key %q", key))
			continue
		}
		if !present {
			continue
		}

		wantType, _ := desc["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesType(value, wantType) {
			errs = append(errs, fmt.Sprintf("config key %q must be of type %s", key, wantType))
		}
	}
	return errs
}

func matchesType(value any, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
