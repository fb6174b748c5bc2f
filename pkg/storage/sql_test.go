package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/modhub/pkg/manifest"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQL("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testModule(name string) *Module {
	return &Module{
		ID:      uuid.NewString(),
		Name:    name,
		Version: "1.0.0",
		Manifest: &manifest.ModuleManifest{
			Name:    name,
			Version: "1.0.0",
			Type:    manifest.ModuleTypeBusinessObject,
			EntryPoints: []manifest.EntryPoint{
				{Name: "main", Handler: name + ":main"},
			},
			Dependencies: []manifest.Dependency{
				{Name: "partner-crm", Type: manifest.DependencyTypeModule, VersionConstraint: ">=1.0.0"},
				{Name: "reporting", Type: manifest.DependencyTypeModule, Optional: true},
			},
			SandboxEnabled: true,
		},
		PackageData: []byte("fake-package-bytes"),
		PackageHash: "abc123",
		PackageSize: 18,
		Status:      ModuleStatusPendingValidation,
	}
}

func TestSQLStore_ModuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testModule("widgets")
	require.NoError(t, store.CreateModule(ctx, m))

	got, err := store.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.Version, got.Version)
	assert.Equal(t, m.PackageData, got.PackageData)
	assert.Equal(t, m.Status, got.Status)
	assert.Equal(t, m.Manifest, got.Manifest)

	byName, err := store.GetModuleByName(ctx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byName.ID)

	// Dependency rows were derived from the manifest.
	deps, err := store.ListModuleDependencies(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "partner-crm", deps[0].DependencyName)
	assert.False(t, deps[0].IsOptional)
	assert.True(t, deps[1].IsOptional)
}

func TestSQLStore_DuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateModule(ctx, testModule("widgets")))
	err := store.CreateModule(ctx, testModule("widgets"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSQLStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetModule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.UpdateModuleStatus(ctx, "missing", ModuleStatusPublished)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_StatusAndSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testModule("widgets")
	require.NoError(t, store.CreateModule(ctx, m))

	require.NoError(t, store.UpdateModuleStatus(ctx, m.ID, ModuleStatusPublished))
	require.NoError(t, store.SaveValidationSummary(ctx, m.ID, map[string]any{
		"is_valid": true,
		"warnings": []any{"sandbox is disabled for this module"},
	}))

	got, err := store.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ModuleStatusPublished, got.Status)
	assert.Equal(t, true, got.ValidationSummary["is_valid"])
}

func TestSQLStore_InstallationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testModule("widgets")
	require.NoError(t, store.CreateModule(ctx, m))

	inst := &Installation{
		ID:               uuid.NewString(),
		CompanyID:        "company-1",
		ModuleID:         m.ID,
		Status:           InstallationStatusPending,
		InstalledVersion: "1.0.0",
		InstalledBy:      "admin@example.com",
		Configuration:    map[string]any{"batch_size": float64(25)},
	}
	require.NoError(t, store.CreateInstallation(ctx, inst))

	// Same module/company pair cannot be installed twice.
	dup := *inst
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, store.CreateInstallation(ctx, &dup), ErrDuplicate)

	require.NoError(t, store.UpdateInstallationStatus(ctx, inst.ID, InstallationStatusInstalling, ""))
	require.NoError(t, store.AppendInstallationLog(ctx, inst.ID, InstallationLogEntry{
		Timestamp: time.Now().UTC(),
		Step:      "extract",
		Message:   "package extracted",
	}))
	require.NoError(t, store.AppendInstallationLog(ctx, inst.ID, InstallationLogEntry{
		Timestamp: time.Now().UTC(),
		Step:      "initialize",
		Message:   "module initialized",
	}))
	require.NoError(t, store.UpdateInstallationStatus(ctx, inst.ID, InstallationStatusInstalled, ""))
	require.NoError(t, store.UpdateInstallationHealth(ctx, inst.ID, "healthy"))

	got, err := store.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstallationStatusInstalled, got.Status)
	assert.Equal(t, "healthy", got.HealthStatus)
	assert.NotNil(t, got.LastHealthCheck)
	assert.Equal(t, inst.Configuration, got.Configuration)
	require.Len(t, got.InstallationLog, 2)
	assert.Equal(t, "extract", got.InstallationLog[0].Step)
	assert.Equal(t, "initialize", got.InstallationLog[1].Step)

	byModule, err := store.GetInstallationForModule(ctx, "company-1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byModule.ID)

	list, err := store.ListInstallationsByCompany(ctx, "company-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLStore_FailedInstallationRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testModule("widgets")
	require.NoError(t, store.CreateModule(ctx, m))

	inst := &Installation{
		ID:        uuid.NewString(),
		CompanyID: "company-1",
		ModuleID:  m.ID,
		Status:    InstallationStatusPending,
	}
	require.NoError(t, store.CreateInstallation(ctx, inst))
	require.NoError(t, store.UpdateInstallationStatus(ctx, inst.ID, InstallationStatusFailed, "entry point main not found"))

	got, err := store.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstallationStatusFailed, got.Status)
	assert.Equal(t, "entry point main not found", got.ErrorMessage)
}

func TestSQLStore_PlaceholderRebind(t *testing.T) {
	s := &SQLStore{driver: "postgres", rebind: true}
	assert.Equal(t, `SELECT id FROM modules WHERE name = $1 AND status = $2`,
		s.q(`SELECT id FROM modules WHERE name = ? AND status = ?`))

	s = &SQLStore{driver: "sqlite3"}
	assert.Equal(t, `SELECT id FROM modules WHERE name = ?`,
		s.q(`SELECT id FROM modules WHERE name = ?`))
}

func TestSQLStore_QueryErrorPropagation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStoreFromDB(db, "sqlite3")
	mock.ExpectQuery("SELECT .* FROM modules WHERE id").
		WillReturnError(assert.AnError)

	_, err = store.GetModule(context.Background(), "any")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
