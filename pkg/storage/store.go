package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint would be violated.
var ErrDuplicate = errors.New("already exists")

// Store is the persistence contract for modules, their dependency rows and
// tenant installations. Module and Installation rows are the source of
// truth for the registry; runtime state lives in the plugin loader only.
type Store interface {
	// Modules
	CreateModule(ctx context.Context, m *Module) error
	GetModule(ctx context.Context, id string) (*Module, error)
	GetModuleByName(ctx context.Context, name string) (*Module, error)
	ListModules(ctx context.Context) ([]*Module, error)
	UpdateModuleStatus(ctx context.Context, id string, status ModuleStatus) error
	SaveValidationSummary(ctx context.Context, id string, summary map[string]any) error

	// Dependency rows
	ReplaceModuleDependencies(ctx context.Context, moduleID string, deps []ModuleDependency) error
	ListModuleDependencies(ctx context.Context, moduleID string) ([]ModuleDependency, error)

	// Installations
	CreateInstallation(ctx context.Context, inst *Installation) error
	GetInstallation(ctx context.Context, id string) (*Installation, error)
	GetInstallationForModule(ctx context.Context, companyID, moduleID string) (*Installation, error)
	ListInstallationsByCompany(ctx context.Context, companyID string) ([]*Installation, error)
	UpdateInstallationStatus(ctx context.Context, id string, status InstallationStatus, errorMessage string) error
	AppendInstallationLog(ctx context.Context, id string, entry InstallationLogEntry) error
	UpdateInstallationHealth(ctx context.Context, id string, healthStatus string) error

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}
