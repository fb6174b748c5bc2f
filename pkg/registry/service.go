// Package registry orchestrates module registration and tenant
// installation: validation, persistence, loading, endpoint mounting and
// gateway mirroring in one place.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/async"
	"github.com/stackbound/modhub/pkg/endpoints"
	"github.com/stackbound/modhub/pkg/eventbus"
	"github.com/stackbound/modhub/pkg/gateway"
	"github.com/stackbound/modhub/pkg/loader"
	"github.com/stackbound/modhub/pkg/manifest"
	"github.com/stackbound/modhub/pkg/observability"
	"github.com/stackbound/modhub/pkg/resolver"
	"github.com/stackbound/modhub/pkg/security"
	"github.com/stackbound/modhub/pkg/storage"
)

// DefaultMaxPackageSize caps uploaded packages at 50 MB.
const DefaultMaxPackageSize = 50 << 20

// ErrValidationFailed wraps a rejection; the ValidationResult carries
// the details.
var ErrValidationFailed = errors.New("module validation failed")

// ErrUnresolvable is returned when the dependency pre-flight refuses an
// install; the Plan carries the conflicts.
var ErrUnresolvable = errors.New("module dependencies unresolvable")

// ErrDeprecated is returned when installing a module that has been
// deprecated. Existing installations keep running; new ones are refused.
var ErrDeprecated = errors.New("module is deprecated")

// Service wires the registry subsystems together.
type Service struct {
	store          storage.Store
	validator      *security.Validator
	loader         *loader.Loader
	endpoints      *endpoints.Registry
	gateway        *gateway.Client
	resolver       *resolver.Service
	bus            *eventbus.Bus
	metrics        *observability.Metrics
	log            *logrus.Logger
	maxPackageSize int64
}

// Config collects the service's collaborators.
type Config struct {
	Store          storage.Store
	Validator      *security.Validator
	Loader         *loader.Loader
	Endpoints      *endpoints.Registry
	Gateway        *gateway.Client
	Resolver       *resolver.Service
	Bus            *eventbus.Bus
	Metrics        *observability.Metrics
	Log            *logrus.Logger
	MaxPackageSize int64
}

// New builds the orchestration service.
func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	if cfg.MaxPackageSize <= 0 {
		cfg.MaxPackageSize = DefaultMaxPackageSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	return &Service{
		store:          cfg.Store,
		validator:      cfg.Validator,
		loader:         cfg.Loader,
		endpoints:      cfg.Endpoints,
		gateway:        cfg.Gateway,
		resolver:       cfg.Resolver,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		log:            cfg.Log,
		maxPackageSize: cfg.MaxPackageSize,
	}
}

// RegisterModule validates and persists a module. The package bytes are
// optional for declarative modules. On rejection the ValidationResult is
// returned alongside ErrValidationFailed and nothing is persisted.
func (s *Service) RegisterModule(ctx context.Context, m *manifest.ModuleManifest, pkg []byte) (*storage.Module, *security.ValidationResult, error) {
	if int64(len(pkg)) > s.maxPackageSize {
		return nil, nil, fmt.Errorf("package exceeds maximum size of %d bytes", s.maxPackageSize)
	}

	available, depGraph, err := s.catalogSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	result := s.validator.ValidateCompleteModule(ctx, m, pkg, available, depGraph)
	if !result.IsValid {
		s.log.WithFields(logrus.Fields{
			"module": m.Name,
			"errors": len(result.Errors),
		}).Warn("module registration rejected")
		return nil, result, ErrValidationFailed
	}

	mod := &storage.Module{
		ID:          uuid.NewString(),
		Name:        m.Name,
		Version:     m.Version,
		Manifest:    m,
		PackageData: pkg,
		PackageSize: int64(len(pkg)),
		Status:      storage.ModuleStatusValidated,
	}
	if len(pkg) > 0 {
		sum := sha256.Sum256(pkg)
		mod.PackageHash = hex.EncodeToString(sum[:])
	}

	if err := s.store.CreateModule(ctx, mod); err != nil {
		return nil, result, err
	}

	deps := make([]storage.ModuleDependency, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		deps = append(deps, storage.ModuleDependency{
			ModuleID:          mod.ID,
			DependencyName:    d.Name,
			DependencyType:    d.Type,
			VersionConstraint: d.VersionConstraint,
			IsOptional:        d.Optional,
		})
	}
	if err := s.store.ReplaceModuleDependencies(ctx, mod.ID, deps); err != nil {
		return nil, result, err
	}

	summary := map[string]any{
		"is_valid":  true,
		"warnings":  result.Warnings,
		"findings":  len(result.Findings),
		"validated": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.SaveValidationSummary(ctx, mod.ID, summary); err != nil {
		return nil, result, err
	}
	mod.ValidationSummary = summary

	s.publishLifecycle(ctx, eventbus.EventModuleRegistered, mod.Name, map[string]any{
		"version": mod.Version,
	})
	s.log.WithFields(logrus.Fields{
		"module":  mod.Name,
		"version": mod.Version,
		"id":      mod.ID,
	}).Info("module registered")
	return mod, result, nil
}

// InstallModule runs the full install pipeline for one tenant. The
// returned installation reflects the final status; a non-nil error
// explains a failed or refused install.
func (s *Service) InstallModule(ctx context.Context, moduleID, companyID string, config map[string]any, installedBy string) (*storage.Installation, *resolver.Plan, error) {
	mod, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, nil, err
	}
	if mod.Status == storage.ModuleStatusDeprecated {
		return nil, nil, fmt.Errorf("module %s: %w", mod.Name, ErrDeprecated)
	}

	if _, err := s.store.GetInstallationForModule(ctx, companyID, moduleID); err == nil {
		return nil, nil, fmt.Errorf("module %s already installed for company %s: %w", mod.Name, companyID, storage.ErrDuplicate)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	plan, err := s.resolver.AnalyzeModuleDependencies(ctx, moduleID, companyID)
	if err != nil {
		return nil, nil, err
	}
	if !plan.IsResolvable {
		return nil, plan, ErrUnresolvable
	}

	if errs := ValidateConfig(mod.Manifest.ConfigSchema, config); len(errs) > 0 {
		return nil, plan, fmt.Errorf("invalid configuration: %v", errs)
	}

	inst := &storage.Installation{
		ID:               uuid.NewString(),
		CompanyID:        companyID,
		ModuleID:         moduleID,
		Status:           storage.InstallationStatusPending,
		InstalledVersion: mod.Version,
		InstalledBy:      installedBy,
		Configuration:    config,
	}
	if err := s.store.CreateInstallation(ctx, inst); err != nil {
		return nil, plan, err
	}
	s.appendLog(ctx, inst.ID, "created", "installation requested")

	if err := s.store.UpdateInstallationStatus(ctx, inst.ID, storage.InstallationStatusInstalling, ""); err != nil {
		return inst, plan, err
	}
	inst.Status = storage.InstallationStatusInstalling
	s.appendLog(ctx, inst.ID, "installing", "dependency pre-flight passed, loading module")

	start := time.Now()
	lm, err := s.loader.Load(ctx, mod, inst)
	s.metrics.ModuleLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ModuleLoads.WithLabelValues("error").Inc()
		s.metrics.Installations.WithLabelValues("failed").Inc()
		s.failInstallation(ctx, inst, fmt.Sprintf("module load failed: %v", err))
		return inst, plan, err
	}
	s.metrics.ModuleLoads.WithLabelValues("ok").Inc()
	s.metrics.ModulesLoaded.Set(float64(len(s.loader.List())))
	s.appendLog(ctx, inst.ID, "loaded", "module runtime loaded")

	if err := s.loader.SubscribeEventHandlers(lm); err != nil {
		s.metrics.Installations.WithLabelValues("failed").Inc()
		s.failInstallation(ctx, inst, fmt.Sprintf("event handler subscription failed: %v", err))
		s.loader.Unload(ctx, moduleID)
		return inst, plan, err
	}

	if mounted, err := s.endpoints.Register(lm); err != nil {
		s.log.WithError(err).WithField("module", mod.Name).Warn("endpoint registration failed")
	} else if len(mounted) > 0 {
		s.appendLog(ctx, inst.ID, "endpoints", fmt.Sprintf("%d endpoints mounted", len(mounted)))
		// Mirror to the gateway off the request path; failures only warn.
		s.mirrorAsync(mod.Manifest)
	}

	if err := s.store.UpdateInstallationStatus(ctx, inst.ID, storage.InstallationStatusInstalled, ""); err != nil {
		return inst, plan, err
	}
	inst.Status = storage.InstallationStatusInstalled
	s.appendLog(ctx, inst.ID, "installed", "installation complete")
	s.metrics.Installations.WithLabelValues("installed").Inc()

	// First successful install promotes a validated module to published;
	// from then on the module row is immutable except for its status.
	if mod.Status == storage.ModuleStatusValidated {
		if err := s.store.UpdateModuleStatus(ctx, mod.ID, storage.ModuleStatusPublished); err != nil {
			s.log.WithError(err).WithField("module", mod.Name).Warn("failed to mark module published")
		} else {
			mod.Status = storage.ModuleStatusPublished
			s.publishLifecycle(ctx, eventbus.EventModulePublished, mod.Name, map[string]any{
				"version": mod.Version,
			})
		}
	}

	s.log.WithFields(logrus.Fields{
		"module":  mod.Name,
		"company": companyID,
	}).Info("module installed")
	return inst, plan, nil
}

// UninstallModule unloads the module, unmounts its endpoints and marks
// the installation uninstalled.
func (s *Service) UninstallModule(ctx context.Context, installationID string) error {
	inst, err := s.store.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	mod, err := s.store.GetModule(ctx, inst.ModuleID)
	if err != nil {
		return err
	}

	if err := s.store.UpdateInstallationStatus(ctx, inst.ID, storage.InstallationStatusUninstalling, ""); err != nil {
		return err
	}
	s.appendLog(ctx, inst.ID, "uninstalling", "unloading module")

	s.endpoints.Unregister(mod.Name)
	s.unmirrorAsync(mod.Name)
	s.loader.Unload(ctx, mod.ID)
	s.metrics.ModulesLoaded.Set(float64(len(s.loader.List())))

	if err := s.store.UpdateInstallationStatus(ctx, inst.ID, storage.InstallationStatusUninstalled, ""); err != nil {
		return err
	}
	s.appendLog(ctx, inst.ID, "uninstalled", "installation removed")
	s.log.WithFields(logrus.Fields{
		"module":  mod.Name,
		"company": inst.CompanyID,
	}).Info("module uninstalled")
	return nil
}

// ReloadModule tears the runtime down and loads it again with the same
// installation, remounting endpoints afterwards.
func (s *Service) ReloadModule(ctx context.Context, installationID string) error {
	inst, err := s.store.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	mod, err := s.store.GetModule(ctx, inst.ModuleID)
	if err != nil {
		return err
	}

	lm, err := s.loader.Reload(ctx, mod, inst)
	if err != nil {
		s.appendLog(ctx, inst.ID, "reload_failed", err.Error())
		return err
	}
	if err := s.loader.SubscribeEventHandlers(lm); err != nil {
		return err
	}
	if _, err := s.endpoints.Register(lm); err != nil {
		s.log.WithError(err).WithField("module", mod.Name).Warn("endpoint re-registration failed")
	}
	s.appendLog(ctx, inst.ID, "reloaded", "module reloaded")
	return nil
}

// ModuleHealth reports runtime health plus the persisted installation
// status, and records the check on the installation row.
func (s *Service) ModuleHealth(ctx context.Context, installationID string) (map[string]any, error) {
	inst, err := s.store.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, err
	}

	health := s.loader.HealthCheck(ctx, inst.ModuleID)
	health["installation_status"] = string(inst.Status)

	hs, _ := health["status"].(string)
	if err := s.store.UpdateInstallationHealth(ctx, inst.ID, hs); err != nil {
		s.log.WithError(err).Warn("failed to persist health check")
	}
	return health, nil
}

// DeprecateModule marks a module deprecated. Running installations are
// untouched; new installs are refused with ErrDeprecated.
func (s *Service) DeprecateModule(ctx context.Context, moduleID string) (*storage.Module, error) {
	mod, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if mod.Status == storage.ModuleStatusDeprecated {
		return mod, nil
	}
	if err := s.store.UpdateModuleStatus(ctx, mod.ID, storage.ModuleStatusDeprecated); err != nil {
		return nil, err
	}
	mod.Status = storage.ModuleStatusDeprecated
	s.publishLifecycle(ctx, eventbus.EventModuleDeprecated, mod.Name, map[string]any{
		"version": mod.Version,
	})
	s.log.WithFields(logrus.Fields{
		"module":  mod.Name,
		"version": mod.Version,
	}).Info("module deprecated")
	return mod, nil
}

// GetModule, ListModules and GetInstallation surface storage reads to
// the API layer.
func (s *Service) GetModule(ctx context.Context, id string) (*storage.Module, error) {
	return s.store.GetModule(ctx, id)
}

func (s *Service) ListModules(ctx context.Context) ([]*storage.Module, error) {
	return s.store.ListModules(ctx)
}

func (s *Service) GetInstallation(ctx context.Context, id string) (*storage.Installation, error) {
	return s.store.GetInstallation(ctx, id)
}

// AnalyzeDependencies surfaces the resolver to the API layer.
func (s *Service) AnalyzeDependencies(ctx context.Context, moduleID, companyID string) (*resolver.Plan, error) {
	return s.resolver.AnalyzeModuleDependencies(ctx, moduleID, companyID)
}

// DetectConflicts runs the bulk pre-flight check concurrently per
// module against the same company graph.
func (s *Service) DetectConflicts(ctx context.Context, moduleIDs []string, companyID string) ([]resolver.Conflict, error) {
	return s.resolver.DetectInstallationConflicts(ctx, moduleIDs, companyID)
}

// catalogSnapshot captures the registered module names and their declared
// module-dependency edges for registration-time validation.
func (s *Service) catalogSnapshot(ctx context.Context) ([]string, map[string][]string, error) {
	mods, err := s.store.ListModules(ctx)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(mods))
	graph := make(map[string][]string, len(mods))
	for _, m := range mods {
		names = append(names, m.Name)
		var edges []string
		for _, d := range m.Manifest.Dependencies {
			if d.Type == manifest.DependencyTypeModule {
				edges = append(edges, d.Name)
			}
		}
		graph[m.Name] = edges
	}
	return names, graph, nil
}

func (s *Service) failInstallation(ctx context.Context, inst *storage.Installation, msg string) {
	if err := s.store.UpdateInstallationStatus(ctx, inst.ID, storage.InstallationStatusFailed, msg); err != nil {
		s.log.WithError(err).Error("failed to mark installation failed")
		return
	}
	inst.Status = storage.InstallationStatusFailed
	inst.ErrorMessage = msg
	s.appendLog(ctx, inst.ID, "failed", msg)
}

func (s *Service) appendLog(ctx context.Context, installationID, step, message string) {
	entry := storage.InstallationLogEntry{
		Timestamp: time.Now().UTC(),
		Step:      step,
		Message:   message,
	}
	if err := s.store.AppendInstallationLog(ctx, installationID, entry); err != nil {
		s.log.WithError(err).Warn("failed to append installation log")
	}
}

func (s *Service) publishLifecycle(ctx context.Context, eventType, moduleName string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishLifecycle(ctx, eventType, moduleName, payload); err != nil {
		s.log.WithError(err).Warn("lifecycle event publish failed")
		return
	}
	s.metrics.EventsPublished.WithLabelValues(eventbus.StreamLifecycle).Inc()
}

func (s *Service) mirrorAsync(m *manifest.ModuleManifest) {
	if s.gateway == nil || !s.gateway.Enabled() {
		return
	}
	async.SafeGo(context.Background(), 30*time.Second, "gateway mirror "+m.Name, s.log, func(ctx context.Context) error {
		s.gateway.MirrorModule(ctx, m)
		return nil
	})
}

func (s *Service) unmirrorAsync(moduleName string) {
	if s.gateway == nil || !s.gateway.Enabled() {
		return
	}
	async.SafeGo(context.Background(), 30*time.Second, "gateway unmirror "+moduleName, s.log, func(ctx context.Context) error {
		s.gateway.UnmirrorModule(ctx, moduleName)
		return nil
	})
}
