package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ModuleType categorizes what a module contributes to the suite.
type ModuleType string

const (
	ModuleTypeBusinessObject ModuleType = "business_object"
	ModuleTypeWorkflow       ModuleType = "workflow"
	ModuleTypeIntegration    ModuleType = "integration"
	ModuleTypeReport         ModuleType = "report"
	ModuleTypeUIComponent    ModuleType = "ui_component"
	ModuleTypeFullModule     ModuleType = "full_module"
)

// DependencyType categorizes a declared dependency.
type DependencyType string

const (
	DependencyTypeModule        DependencyType = "module"
	DependencyTypeService       DependencyType = "service"
	DependencyTypePythonPackage DependencyType = "python_package"
	DependencyTypeSystem        DependencyType = "system"
)

// Dependency is a single declared dependency of a module.
type Dependency struct {
	Name              string         `json:"name" yaml:"name"`
	Type              DependencyType `json:"type" yaml:"type"`
	VersionConstraint string         `json:"version_constraint,omitempty" yaml:"version_constraint,omitempty"`
	Optional          bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// EntryPoint names a callable the module exposes for lifecycle hooks.
// Handler references use the "pkg.path:function" form and are resolved
// against the module's runtime at load time.
type EntryPoint struct {
	Name    string `json:"name" yaml:"name"`
	Handler string `json:"handler" yaml:"handler"`
}

// Endpoint declares an HTTP endpoint the module wants mounted under
// /modules/{module-name}.
type Endpoint struct {
	Path          string   `json:"path" yaml:"path"`
	Method        string   `json:"method" yaml:"method"`
	Handler       string   `json:"handler" yaml:"handler"`
	RequiresAuth  bool     `json:"requires_auth,omitempty" yaml:"requires_auth,omitempty"`
	CompanyScoped bool     `json:"company_scoped,omitempty" yaml:"company_scoped,omitempty"`
	Permissions   []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// EventHandlerSpec declares a pattern-matched event subscription.
// Lower priority numbers run first.
type EventHandlerSpec struct {
	EventType string `json:"event_type" yaml:"event_type"`
	Pattern   string `json:"pattern" yaml:"pattern"`
	Handler   string `json:"handler" yaml:"handler"`
	Priority  int    `json:"priority" yaml:"priority"`
}

// ResourceLimits bounds a sandboxed module's consumption.
type ResourceLimits struct {
	MaxMemoryMB   int `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent int `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
	MaxDiskMB     int `json:"max_disk_mb,omitempty" yaml:"max_disk_mb,omitempty"`
}

// ModuleManifest is the declarative contract for a module: identity,
// entry points, endpoints, event handlers, dependencies and security
// posture. Immutable once the module is published.
type ModuleManifest struct {
	Name           string             `json:"name" yaml:"name"`
	Version        string             `json:"version" yaml:"version"`
	Type           ModuleType         `json:"type" yaml:"type"`
	Description    string             `json:"description,omitempty" yaml:"description,omitempty"`
	Author         string             `json:"author,omitempty" yaml:"author,omitempty"`
	Runtime        string             `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Dependencies   []Dependency       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	EntryPoints    []EntryPoint       `json:"entry_points,omitempty" yaml:"entry_points,omitempty"`
	Endpoints      []Endpoint         `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	EventHandlers  []EventHandlerSpec `json:"event_handlers,omitempty" yaml:"event_handlers,omitempty"`
	Permissions    []string           `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	ConfigSchema   map[string]any     `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`
	SandboxEnabled bool               `json:"sandbox_enabled" yaml:"sandbox_enabled"`
	ResourceLimits *ResourceLimits    `json:"resource_limits,omitempty" yaml:"resource_limits,omitempty"`
}

// ManifestFileName is the manifest file looked up inside a module package.
const ManifestFileName = "module.yaml"

// EntryPoint returns the named entry point, if declared.
func (m *ModuleManifest) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// LoadManifest reads and parses a manifest from a YAML file.
func LoadManifest(path string) (*ModuleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m ModuleManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &m, nil
}

// LoadManifestFromDir loads a module manifest from a directory
// (looks for module.yaml).
func LoadManifestFromDir(dir string) (*ModuleManifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFileName))
}

// SaveManifest writes a manifest to a YAML file.
func SaveManifest(m *ModuleManifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}
