package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/stackbound/modhub/pkg/manifest"
)

// SQLStore implements Store over database/sql. The same SQL layer serves
// both the sqlite and postgres drivers; placeholders are rebound for
// postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	rebind bool
}

// OpenSQL opens a Store on the given driver ("sqlite3" or "postgres") and
// DSN, applying the schema if needed.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent installs.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		rebind: driver == "postgres",
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB wraps an existing database handle; used by tests with
// sqlmock.
func NewSQLStoreFromDB(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, rebind: driver == "postgres"}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS modules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		version TEXT NOT NULL,
		manifest TEXT NOT NULL,
		package_data BLOB,
		package_hash TEXT,
		package_size INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		validation_summary TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS module_dependencies (
		module_id TEXT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
		dependency_name TEXT NOT NULL,
		dependency_type TEXT NOT NULL,
		version_constraint TEXT,
		is_optional BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (module_id, dependency_name)
	)`,
	`CREATE TABLE IF NOT EXISTS module_installations (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		module_id TEXT NOT NULL REFERENCES modules(id),
		status TEXT NOT NULL,
		installed_version TEXT,
		installed_by TEXT,
		configuration TEXT,
		installation_log TEXT,
		health_status TEXT,
		last_health_check TIMESTAMP,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (company_id, module_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_installations_company ON module_installations(company_id)`,
}

func (s *SQLStore) migrate() error {
	stmts := schema
	if s.driver == "postgres" {
		// postgres has no BLOB type.
		stmts = make([]string, len(schema))
		for i, stmt := range schema {
			stmts[i] = strings.ReplaceAll(stmt, "BLOB", "BYTEA")
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// q rebinds ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if !s.rebind {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateModule inserts a module row together with its dependency rows.
func (s *SQLStore) CreateModule(ctx context.Context, m *Module) error {
	manifestJSON, err := json.Marshal(m.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	summaryJSON, err := marshalJSON(m.ValidationSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal validation summary: %w", err)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO modules
		(id, name, version, manifest, package_data, package_hash, package_size, status, validation_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.Name, m.Version, string(manifestJSON), m.PackageData, m.PackageHash,
		m.PackageSize, string(m.Status), summaryJSON, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("module %q: %w", m.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert module: %w", err)
	}

	if m.Manifest != nil && len(m.Manifest.Dependencies) > 0 {
		deps := make([]ModuleDependency, 0, len(m.Manifest.Dependencies))
		for _, d := range m.Manifest.Dependencies {
			deps = append(deps, ModuleDependency{
				ModuleID:          m.ID,
				DependencyName:    d.Name,
				DependencyType:    d.Type,
				VersionConstraint: d.VersionConstraint,
				IsOptional:        d.Optional,
			})
		}
		if err := s.ReplaceModuleDependencies(ctx, m.ID, deps); err != nil {
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

const moduleColumns = `id, name, version, manifest, package_data, package_hash, package_size, status, validation_summary, created_at, updated_at`

func (s *SQLStore) scanModule(row interface{ Scan(...any) error }) (*Module, error) {
	var m Module
	var manifestJSON string
	var summaryJSON, pkgHash sql.NullString
	var pkgData []byte
	var status string

	err := row.Scan(&m.ID, &m.Name, &m.Version, &manifestJSON, &pkgData, &pkgHash,
		&m.PackageSize, &status, &summaryJSON, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan module: %w", err)
	}

	m.Status = ModuleStatus(status)
	m.PackageData = pkgData
	m.PackageHash = pkgHash.String

	parsed, err := manifest.ParseJSON([]byte(manifestJSON))
	if err != nil {
		return nil, fmt.Errorf("corrupt manifest for module %s: %w", m.ID, err)
	}
	m.Manifest = parsed

	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &m.ValidationSummary); err != nil {
			return nil, fmt.Errorf("corrupt validation summary for module %s: %w", m.ID, err)
		}
	}

	return &m, nil
}

// GetModule fetches a module by id.
func (s *SQLStore) GetModule(ctx context.Context, id string) (*Module, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+moduleColumns+` FROM modules WHERE id = ?`), id)
	return s.scanModule(row)
}

// GetModuleByName fetches a module by its unique name.
func (s *SQLStore) GetModuleByName(ctx context.Context, name string) (*Module, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+moduleColumns+` FROM modules WHERE name = ?`), name)
	return s.scanModule(row)
}

// ListModules returns all modules ordered by name.
func (s *SQLStore) ListModules(ctx context.Context) ([]*Module, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var modules []*Module
	for rows.Next() {
		m, err := s.scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// UpdateModuleStatus transitions a module's lifecycle status.
func (s *SQLStore) UpdateModuleStatus(ctx context.Context, id string, status ModuleStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE modules SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update module status: %w", err)
	}
	return requireRow(res)
}

// SaveValidationSummary stores the validation findings with a module.
func (s *SQLStore) SaveValidationSummary(ctx context.Context, id string, summary map[string]any) error {
	summaryJSON, err := marshalJSON(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal validation summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE modules SET validation_summary = ?, updated_at = ? WHERE id = ?`),
		summaryJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save validation summary: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceModuleDependencies swaps the dependency rows of a module.
func (s *SQLStore) ReplaceModuleDependencies(ctx context.Context, moduleID string, deps []ModuleDependency) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM module_dependencies WHERE module_id = ?`), moduleID); err != nil {
		return fmt.Errorf("failed to clear dependencies: %w", err)
	}

	for _, d := range deps {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO module_dependencies
			(module_id, dependency_name, dependency_type, version_constraint, is_optional)
			VALUES (?, ?, ?, ?, ?)`),
			moduleID, d.DependencyName, string(d.DependencyType), d.VersionConstraint, d.IsOptional)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s: %w", d.DependencyName, err)
		}
	}

	return tx.Commit()
}

// ListModuleDependencies returns the dependency rows of a module.
func (s *SQLStore) ListModuleDependencies(ctx context.Context, moduleID string) ([]ModuleDependency, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT module_id, dependency_name, dependency_type, version_constraint, is_optional
		FROM module_dependencies WHERE module_id = ? ORDER BY dependency_name`), moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []ModuleDependency
	for rows.Next() {
		var d ModuleDependency
		var depType string
		var constraint sql.NullString
		if err := rows.Scan(&d.ModuleID, &d.DependencyName, &depType, &constraint, &d.IsOptional); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		d.DependencyType = manifest.DependencyType(depType)
		d.VersionConstraint = constraint.String
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// CreateInstallation inserts an installation row.
func (s *SQLStore) CreateInstallation(ctx context.Context, inst *Installation) error {
	configJSON, err := marshalJSON(inst.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	logJSON, err := marshalJSON(inst.InstallationLog)
	if err != nil {
		return fmt.Errorf("failed to marshal installation log: %w", err)
	}

	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO module_installations
		(id, company_id, module_id, status, installed_version, installed_by, configuration, installation_log,
		 health_status, last_health_check, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.CompanyID, inst.ModuleID, string(inst.Status), inst.InstalledVersion,
		inst.InstalledBy, configJSON, logJSON, inst.HealthStatus, inst.LastHealthCheck,
		inst.ErrorMessage, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("module already installed for company %s: %w", inst.CompanyID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert installation: %w", err)
	}
	return nil
}

const installationColumns = `id, company_id, module_id, status, installed_version, installed_by, configuration,
	installation_log, health_status, last_health_check, error_message, created_at, updated_at`

func (s *SQLStore) scanInstallation(row interface{ Scan(...any) error }) (*Installation, error) {
	var inst Installation
	var status string
	var version, by, configJSON, logJSON, health, errMsg sql.NullString
	var lastCheck sql.NullTime

	err := row.Scan(&inst.ID, &inst.CompanyID, &inst.ModuleID, &status, &version, &by,
		&configJSON, &logJSON, &health, &lastCheck, &errMsg, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan installation: %w", err)
	}

	inst.Status = InstallationStatus(status)
	inst.InstalledVersion = version.String
	inst.InstalledBy = by.String
	inst.HealthStatus = health.String
	inst.ErrorMessage = errMsg.String
	if lastCheck.Valid {
		t := lastCheck.Time
		inst.LastHealthCheck = &t
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &inst.Configuration); err != nil {
			return nil, fmt.Errorf("corrupt configuration for installation %s: %w", inst.ID, err)
		}
	}
	if logJSON.Valid && logJSON.String != "" {
		if err := json.Unmarshal([]byte(logJSON.String), &inst.InstallationLog); err != nil {
			return nil, fmt.Errorf("corrupt installation log for installation %s: %w", inst.ID, err)
		}
	}

	return &inst, nil
}

// GetInstallation fetches an installation by id.
func (s *SQLStore) GetInstallation(ctx context.Context, id string) (*Installation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+installationColumns+` FROM module_installations WHERE id = ?`), id)
	return s.scanInstallation(row)
}

// GetInstallationForModule fetches the installation binding a module to a
// company, if any.
func (s *SQLStore) GetInstallationForModule(ctx context.Context, companyID, moduleID string) (*Installation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+installationColumns+` FROM module_installations
		WHERE company_id = ? AND module_id = ?`), companyID, moduleID)
	return s.scanInstallation(row)
}

// ListInstallationsByCompany returns all installations of a tenant.
func (s *SQLStore) ListInstallationsByCompany(ctx context.Context, companyID string) ([]*Installation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+installationColumns+` FROM module_installations
		WHERE company_id = ? ORDER BY created_at`), companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	defer rows.Close()

	var installations []*Installation
	for rows.Next() {
		inst, err := s.scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		installations = append(installations, inst)
	}
	return installations, rows.Err()
}

// UpdateInstallationStatus transitions an installation's status, recording
// an error message when the transition is a failure.
func (s *SQLStore) UpdateInstallationStatus(ctx context.Context, id string, status InstallationStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE module_installations
		SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`),
		string(status), errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update installation status: %w", err)
	}
	return requireRow(res)
}

// AppendInstallationLog appends one entry to the ordered installation
// event trail. Read-modify-write is acceptable here: installs for one
// installation id are serialized by the loader's per-module lock.
func (s *SQLStore) AppendInstallationLog(ctx context.Context, id string, entry InstallationLogEntry) error {
	inst, err := s.GetInstallation(ctx, id)
	if err != nil {
		return err
	}
	log := append(inst.InstallationLog, entry)
	logJSON, err := marshalJSON(log)
	if err != nil {
		return fmt.Errorf("failed to marshal installation log: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE module_installations
		SET installation_log = ?, updated_at = ? WHERE id = ?`),
		logJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to append installation log: %w", err)
	}
	return requireRow(res)
}

// UpdateInstallationHealth records the result of a health check.
func (s *SQLStore) UpdateInstallationHealth(ctx context.Context, id string, healthStatus string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE module_installations
		SET health_status = ?, last_health_check = ?, updated_at = ? WHERE id = ?`),
		healthStatus, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update installation health: %w", err)
	}
	return requireRow(res)
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
