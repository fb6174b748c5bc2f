package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	nameRegex   = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)
	semverRegex = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// ValidationError describes a single violated manifest rule.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidName reports whether a module name is kebab-case and 3-50 chars.
func IsValidName(name string) bool {
	return len(name) >= 3 && len(name) <= 50 && nameRegex.MatchString(name)
}

// IsValidSemver reports whether a version string follows semantic versioning.
func IsValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}

var validModuleTypes = map[ModuleType]bool{
	ModuleTypeBusinessObject: true,
	ModuleTypeWorkflow:       true,
	ModuleTypeIntegration:    true,
	ModuleTypeReport:         true,
	ModuleTypeUIComponent:    true,
	ModuleTypeFullModule:     true,
}

var validDependencyTypes = map[DependencyType]bool{
	DependencyTypeModule:        true,
	DependencyTypeService:       true,
	DependencyTypePythonPackage: true,
	DependencyTypeSystem:        true,
}

// Validate performs schema-level checks followed by cross-field
// consistency checks and returns every violated rule.
func (m *ModuleManifest) Validate() []ValidationError {
	var errors []ValidationError

	if m.Name == "" {
		errors = append(errors, ValidationError{Field: "name", Message: "module name is required"})
	} else if !IsValidName(m.Name) {
		errors = append(errors, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("module name %q must be kebab-case (lowercase alphanumeric with hyphens), 3-50 characters", m.Name),
		})
	}

	if m.Version == "" {
		errors = append(errors, ValidationError{Field: "version", Message: "version is required"})
	} else if !IsValidSemver(m.Version) {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version %q must be semantic (X.Y.Z with optional pre-release/build metadata)", m.Version),
		})
	}

	if m.Type == "" {
		errors = append(errors, ValidationError{Field: "type", Message: "module type is required"})
	} else if !validModuleTypes[m.Type] {
		errors = append(errors, ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("invalid module type: %s", m.Type),
		})
	}

	for i, dep := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep.Name == "" {
			errors = append(errors, ValidationError{Field: field, Message: "dependency name is required"})
		}
		if !validDependencyTypes[dep.Type] {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid dependency type: %s", dep.Type),
			})
		}
	}

	for i, ep := range m.EntryPoints {
		field := fmt.Sprintf("entry_points[%d]", i)
		if ep.Name == "" {
			errors = append(errors, ValidationError{Field: field, Message: "entry point name is required"})
		}
		if ep.Handler == "" {
			errors = append(errors, ValidationError{Field: field, Message: "entry point handler reference is required"})
		}
	}

	for i, e := range m.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if e.Path == "" || !strings.HasPrefix(e.Path, "/") {
			errors = append(errors, ValidationError{Field: field, Message: "endpoint path must start with /"})
		}
		switch strings.ToUpper(e.Method) {
		case "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid HTTP method: %s", e.Method),
			})
		}
		if e.Handler == "" {
			errors = append(errors, ValidationError{Field: field, Message: "endpoint handler reference is required"})
		}
	}

	for i, h := range m.EventHandlers {
		field := fmt.Sprintf("event_handlers[%d]", i)
		if h.Handler == "" {
			errors = append(errors, ValidationError{Field: field, Message: "event handler reference is required"})
		}
		if h.Pattern == "" {
			errors = append(errors, ValidationError{Field: field, Message: "event pattern is required"})
		} else if _, err := regexp.Compile(h.Pattern); err != nil {
			// Pattern compilation failures surface at registration time,
			// not at first dispatch.
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("event pattern does not compile: %v", err),
			})
		}
	}

	errors = append(errors, m.validateTypeRequirements()...)

	return errors
}

// validateTypeRequirements enforces the per-type structural rules.
func (m *ModuleManifest) validateTypeRequirements() []ValidationError {
	var errors []ValidationError

	switch m.Type {
	case ModuleTypeBusinessObject:
		if _, ok := m.EntryPoint("main"); !ok {
			errors = append(errors, ValidationError{
				Field:   "entry_points",
				Message: "business_object modules must declare a \"main\" entry point",
			})
		}
	case ModuleTypeWorkflow:
		if len(m.EventHandlers) == 0 {
			errors = append(errors, ValidationError{
				Field:   "event_handlers",
				Message: "workflow modules must declare at least one event handler",
			})
		}
	case ModuleTypeUIComponent:
		hasUI := false
		for _, e := range m.Endpoints {
			if strings.Contains(e.Path, "/ui/") || strings.HasPrefix(e.Path, "/ui") {
				hasUI = true
				break
			}
		}
		if !hasUI {
			errors = append(errors, ValidationError{
				Field:   "endpoints",
				Message: "ui_component modules must declare at least one \"/ui/\" endpoint",
			})
		}
	}

	return errors
}

// ValidateManifest validates a manifest and collapses the result into the
// (ok, messages) contract used by the registration path.
func ValidateManifest(m *ModuleManifest) (bool, []string) {
	errs := m.Validate()
	if len(errs) == 0 {
		return true, []string{}
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return false, msgs
}

// riskyPermissionTokens flag permission names that grant broad control.
var riskyPermissionTokens = []string{"admin", "root", "system", "database_admin"}

// CheckSecurityRequirements flags risky declarations in a manifest.
// These are warnings for the stored validation summary, not hard failures.
func CheckSecurityRequirements(m *ModuleManifest) []string {
	var warnings []string

	for _, perm := range m.Permissions {
		lower := strings.ToLower(perm)
		for _, token := range riskyPermissionTokens {
			if strings.Contains(lower, token) {
				warnings = append(warnings, fmt.Sprintf("permission %q grants elevated access", perm))
				break
			}
		}
	}

	for _, dep := range m.Dependencies {
		if dep.Type == DependencyTypeService && !dep.Optional {
			warnings = append(warnings, fmt.Sprintf("module requires external service %q", dep.Name))
		}
	}

	if !m.SandboxEnabled {
		warnings = append(warnings, "sandbox is disabled for this module")
	}

	return warnings
}
