package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/modhub/pkg/manifest"
)

func TestValidateDependencies(t *testing.T) {
	m := &manifest.ModuleManifest{
		Dependencies: []manifest.Dependency{
			{Name: "partner-crm", Type: manifest.DependencyTypeModule},
			{Name: "redis", Type: manifest.DependencyTypeSystem},
			{Name: "reporting", Type: manifest.DependencyTypeModule, Optional: true},
			{Name: "tax-service", Type: manifest.DependencyTypeService},
			{Name: "requests", Type: manifest.DependencyTypePythonPackage},
		},
	}

	errs := ValidateDependencies(m, []string{"partner-crm"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "tax-service")

	errs = ValidateDependencies(m, []string{"partner-crm", "tax-service"})
	assert.Empty(t, errs)
}

func TestDetectCircularDependencies(t *testing.T) {
	graph := map[string][]string{
		"sales":     {"inventory"},
		"inventory": {"partners"},
		"partners":  {},
	}
	assert.Empty(t, DetectCircularDependencies(graph))

	// Close the loop.
	graph["partners"] = []string{"sales"}
	errs := DetectCircularDependencies(graph)
	require.NotEmpty(t, errs)
	joined := ""
	for _, e := range errs {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "sales")
}

func TestDetectCircularDependencies_SelfLoop(t *testing.T) {
	errs := DetectCircularDependencies(map[string][]string{"a-module": {"a-module"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "a-module")
}

func TestValidateCompleteModule_RejectsOnCriticalFinding(t *testing.T) {
	m := &manifest.ModuleManifest{
		Name:           "widgets",
		Version:        "1.0.0",
		Type:           manifest.ModuleTypeBusinessObject,
		EntryPoints:    []manifest.EntryPoint{{Name: "main", Handler: "widgets:main"}},
		SandboxEnabled: true,
	}

	pkg := packageWith(t, map[string]string{
		"widgets/__init__.py": "eval('1+1')\n",
	})

	result := NewValidator(nil).ValidateCompleteModule(context.Background(), m, pkg, nil, nil)
	assert.False(t, result.IsValid)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, SeverityCritical, result.Findings[0].Severity)
}

func TestValidateCompleteModule_CleanModule(t *testing.T) {
	m := &manifest.ModuleManifest{
		Name:           "widgets",
		Version:        "1.0.0",
		Type:           manifest.ModuleTypeBusinessObject,
		EntryPoints:    []manifest.EntryPoint{{Name: "main", Handler: "widgets:main"}},
		SandboxEnabled: true,
	}
	pkg := packageWith(t, map[string]string{
		"widgets/__init__.py": "import json\n",
	})

	result := NewValidator(nil).ValidateCompleteModule(context.Background(), m, pkg, nil, nil)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Findings)
}

func TestValidateCompleteModule_RejectsCycleAgainstCatalog(t *testing.T) {
	m := &manifest.ModuleManifest{
		Name:    "reporting",
		Version: "1.0.0",
		Type:    manifest.ModuleTypeBusinessObject,
		Dependencies: []manifest.Dependency{
			{Name: "sales", Type: manifest.DependencyTypeModule},
		},
		SandboxEnabled: true,
	}
	// sales already depends on reporting; registering reporting closes
	// the loop.
	depGraph := map[string][]string{
		"sales": {"reporting"},
	}

	result := NewValidator(nil).ValidateCompleteModule(context.Background(), m, nil, []string{"sales"}, depGraph)
	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "circular dependency")
}

func TestValidateCompleteModule_UnmetDependencyAndWarnings(t *testing.T) {
	m := &manifest.ModuleManifest{
		Name:    "sales-portal",
		Version: "1.0.0",
		Type:    manifest.ModuleTypeFullModule,
		Dependencies: []manifest.Dependency{
			{Name: "partner-crm", Type: manifest.DependencyTypeModule},
		},
		Permissions:    []string{"system_admin"},
		SandboxEnabled: true,
	}

	result := NewValidator(nil).ValidateCompleteModule(context.Background(), m, nil, []string{}, nil)
	assert.False(t, result.IsValid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "partner-crm")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "system_admin")
}
