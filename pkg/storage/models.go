package storage

import (
	"time"

	"github.com/stackbound/modhub/pkg/manifest"
)

// ModuleStatus is the lifecycle state of a registered module.
type ModuleStatus string

const (
	ModuleStatusDraft             ModuleStatus = "draft"
	ModuleStatusPendingValidation ModuleStatus = "pending_validation"
	ModuleStatusValidated         ModuleStatus = "validated"
	ModuleStatusPublished         ModuleStatus = "published"
	ModuleStatusRejected          ModuleStatus = "rejected"
	ModuleStatusDeprecated        ModuleStatus = "deprecated"
)

// InstallationStatus is the lifecycle state of a tenant installation.
type InstallationStatus string

const (
	InstallationStatusPending      InstallationStatus = "pending"
	InstallationStatusInstalling   InstallationStatus = "installing"
	InstallationStatusInstalled    InstallationStatus = "installed"
	InstallationStatusFailed       InstallationStatus = "failed"
	InstallationStatusUninstalling InstallationStatus = "uninstalling"
	InstallationStatusUninstalled  InstallationStatus = "uninstalled"
)

// Module is a registrable unit of functionality. Immutable once published
// except for status transitions.
type Module struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	Version           string                   `json:"version"`
	Manifest          *manifest.ModuleManifest `json:"manifest"`
	PackageData       []byte                   `json:"-"`
	PackageHash       string                   `json:"package_hash,omitempty"`
	PackageSize       int64                    `json:"package_size,omitempty"`
	Status            ModuleStatus             `json:"status"`
	ValidationSummary map[string]any           `json:"validation_summary,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// HasPackage reports whether the module carries a packaged payload.
func (m *Module) HasPackage() bool {
	return len(m.PackageData) > 0
}

// ModuleDependency is one persisted dependency row of a module.
type ModuleDependency struct {
	ModuleID          string                  `json:"module_id"`
	DependencyName    string                  `json:"dependency_name"`
	DependencyType    manifest.DependencyType `json:"dependency_type"`
	VersionConstraint string                  `json:"version_constraint,omitempty"`
	IsOptional        bool                    `json:"is_optional"`
}

// InstallationLogEntry is one entry of the ordered installation event trail.
type InstallationLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
}

// Installation binds a module version to a tenant (company).
type Installation struct {
	ID               string                 `json:"id"`
	CompanyID        string                 `json:"company_id"`
	ModuleID         string                 `json:"module_id"`
	Status           InstallationStatus     `json:"status"`
	InstalledVersion string                 `json:"installed_version,omitempty"`
	InstalledBy      string                 `json:"installed_by,omitempty"`
	Configuration    map[string]any         `json:"configuration,omitempty"`
	InstallationLog  []InstallationLogEntry `json:"installation_log,omitempty"`
	HealthStatus     string                 `json:"health_status,omitempty"`
	LastHealthCheck  *time.Time             `json:"last_health_check,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}
