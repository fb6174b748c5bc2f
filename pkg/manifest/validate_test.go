package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBusinessObjectManifest() *ModuleManifest {
	return &ModuleManifest{
		Name:    "partner-crm",
		Version: "1.2.0",
		Type:    ModuleTypeBusinessObject,
		EntryPoints: []EntryPoint{
			{Name: "main", Handler: "partner_crm:main"},
			{Name: "initialize", Handler: "partner_crm:initialize"},
		},
		Endpoints: []Endpoint{
			{Path: "/partners", Method: "GET", Handler: "partner_crm.api:list_partners"},
		},
		SandboxEnabled: true,
	}
}

func TestValidateManifest_Valid(t *testing.T) {
	ok, msgs := ValidateManifest(validBusinessObjectManifest())
	assert.True(t, ok)
	assert.Empty(t, msgs)
}

func TestValidateManifest_NameRules(t *testing.T) {
	tests := []struct {
		name    string
		valid   bool
	}{
		{"partner-crm", true},
		{"abc", true},
		{"a2c", true},
		{"ab", false},           // too short
		{"Partner", false},      // uppercase
		{"1partner", false},     // must start with a letter
		{"partner-", false},     // must end alphanumeric
		{"partner_crm", false},  // underscores not allowed
		{strings.Repeat("a", 51), false},
	}

	for _, tt := range tests {
		m := validBusinessObjectManifest()
		m.Name = tt.name
		ok, _ := ValidateManifest(m)
		if ok != tt.valid {
			t.Errorf("name %q: expected valid=%v, got %v", tt.name, tt.valid, ok)
		}
	}
}

func TestValidateManifest_SemverRules(t *testing.T) {
	tests := []struct {
		version string
		valid   bool
	}{
		{"1.0.0", true},
		{"0.1.2", true},
		{"2.0.0-beta.1", true},
		{"2.0.0+build.42", true},
		{"2.0.0-rc.1+build.42", true},
		{"v1.0.0", false},
		{"1.0", false},
		{"1", false},
		{"1.0.0.0", false},
	}

	for _, tt := range tests {
		m := validBusinessObjectManifest()
		m.Version = tt.version
		ok, _ := ValidateManifest(m)
		if ok != tt.valid {
			t.Errorf("version %q: expected valid=%v, got %v", tt.version, tt.valid, ok)
		}
	}
}

func TestValidateManifest_BusinessObjectRequiresMain(t *testing.T) {
	m := validBusinessObjectManifest()
	m.EntryPoints = []EntryPoint{{Name: "initialize", Handler: "x:init"}}

	ok, msgs := ValidateManifest(m)
	require.False(t, ok)
	assert.Contains(t, strings.Join(msgs, "\n"), `business_object modules must declare a "main" entry point`)
}

func TestValidateManifest_WorkflowRequiresEventHandler(t *testing.T) {
	m := &ModuleManifest{
		Name:           "order-approval",
		Version:        "1.0.0",
		Type:           ModuleTypeWorkflow,
		SandboxEnabled: true,
	}

	ok, msgs := ValidateManifest(m)
	require.False(t, ok)
	assert.Contains(t, strings.Join(msgs, "\n"), "workflow modules must declare at least one event handler")
}

func TestValidateManifest_UIComponentRequiresUIEndpoint(t *testing.T) {
	m := &ModuleManifest{
		Name:           "sales-dashboard",
		Version:        "1.0.0",
		Type:           ModuleTypeUIComponent,
		SandboxEnabled: true,
		Endpoints: []Endpoint{
			{Path: "/data", Method: "GET", Handler: "dash:data"},
		},
	}

	ok, msgs := ValidateManifest(m)
	require.False(t, ok)
	assert.Contains(t, strings.Join(msgs, "\n"), "ui_component modules must declare at least one \"/ui/\" endpoint")

	m.Endpoints = append(m.Endpoints, Endpoint{Path: "/ui/dashboard", Method: "GET", Handler: "dash:render"})
	ok, _ = ValidateManifest(m)
	assert.True(t, ok)
}

func TestValidateManifest_BadEventPattern(t *testing.T) {
	m := &ModuleManifest{
		Name:           "order-approval",
		Version:        "1.0.0",
		Type:           ModuleTypeWorkflow,
		SandboxEnabled: true,
		EventHandlers: []EventHandlerSpec{
			{EventType: "business", Pattern: "sale\\.(", Handler: "wf:on_sale", Priority: 100},
		},
	}

	ok, msgs := ValidateManifest(m)
	require.False(t, ok)
	assert.Contains(t, strings.Join(msgs, "\n"), "does not compile")
}

func TestValidateManifest_InvalidMethodAndPath(t *testing.T) {
	m := validBusinessObjectManifest()
	m.Endpoints = []Endpoint{
		{Path: "status", Method: "FETCH", Handler: "x:y"},
	}

	ok, msgs := ValidateManifest(m)
	require.False(t, ok)
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, "endpoint path must start with /")
	assert.Contains(t, joined, "invalid HTTP method: FETCH")
}

func TestCheckSecurityRequirements(t *testing.T) {
	m := validBusinessObjectManifest()
	m.Permissions = []string{"partner.read", "database_admin"}
	m.Dependencies = []Dependency{
		{Name: "payment-gateway", Type: DependencyTypeService},
	}
	m.SandboxEnabled = false

	warnings := CheckSecurityRequirements(m)
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "database_admin")
	assert.Contains(t, warnings[1], "payment-gateway")
	assert.Contains(t, warnings[2], "sandbox is disabled")
}

func TestCheckSecurityRequirements_Clean(t *testing.T) {
	warnings := CheckSecurityRequirements(validBusinessObjectManifest())
	assert.Empty(t, warnings)
}
