package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/archive"
	"github.com/stackbound/modhub/pkg/eventbus"
	"github.com/stackbound/modhub/pkg/manifest"
	"github.com/stackbound/modhub/pkg/storage"
)

// State is a loaded module's position in the load pipeline.
type State string

const (
	StateUnloaded     State = "unloaded"
	StateExtracting   State = "extracting"
	StateValidated    State = "structure_validated"
	StateLoaded       State = "loaded"
	StateResolved     State = "entry_points_resolved"
	StateInitializing State = "initializing"
	StateInitialized  State = "initialized"
	StateFailed       State = "failed"
)

// LoadedModule is the in-memory result of loading a module package:
// the runtime, resolved callables, and a back-reference to the
// installation. Owned exclusively by the Loader; discarded on unload.
type LoadedModule struct {
	ModuleID      string
	Name          string
	Version       string
	Manifest      *manifest.ModuleManifest
	Installation  *storage.Installation
	Dir           string
	Runtime       Runtime
	EntryPoints   map[string]EntryPointFunc      // keyed by entry point name
	EventHandlers map[string]eventbus.HandlerFunc // keyed by event pattern
	State         State
	Initialized   bool
	LoadedAt      time.Time
}

// Config returns the installation's configuration dict, never nil.
func (lm *LoadedModule) Config() map[string]any {
	if lm.Installation == nil || lm.Installation.Configuration == nil {
		return map[string]any{}
	}
	return lm.Installation.Configuration
}

// Loader extracts, validates, loads and initializes module packages and
// tracks every loaded module. Load, unload and reload for the same module
// id are serialized through a per-id lock; the shared map itself is only
// touched under a short critical section.
type Loader struct {
	workDir  string
	bus      *eventbus.Bus
	runtimes *runtimeRegistry
	log      *logrus.Logger

	mu       sync.Mutex
	modules  map[string]*LoadedModule
	keyLocks map[string]*sync.Mutex
}

// New creates a plugin loader extracting packages under workDir.
func New(workDir string, bus *eventbus.Bus, log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.New()
	}
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "modhub-modules")
	}
	return &Loader{
		workDir:  workDir,
		bus:      bus,
		runtimes: newRuntimeRegistry(),
		log:      log,
		modules:  make(map[string]*LoadedModule),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// RegisterRuntime registers a compiled-in runtime factory under a name
// manifests can select via their runtime field.
func (l *Loader) RegisterRuntime(name string, factory RuntimeFactory) error {
	return l.runtimes.register(name, factory)
}

// keyLock returns the mutex serializing operations for one module id.
func (l *Loader) keyLock(moduleID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.keyLocks[moduleID]
	if !ok {
		lock = &sync.Mutex{}
		l.keyLocks[moduleID] = lock
	}
	return lock
}

// Load runs the full pipeline for a module: extract, validate structure,
// construct runtime, resolve entry points, initialize. On success the
// LoadedModule is registered and returned. A concurrent Load for an
// already-loaded module id returns the existing LoadedModule.
func (l *Loader) Load(ctx context.Context, mod *storage.Module, inst *storage.Installation) (*LoadedModule, error) {
	lock := l.keyLock(mod.ID)
	lock.Lock()
	defer lock.Unlock()

	if existing := l.Get(mod.ID); existing != nil {
		return existing, nil
	}

	l.publishLifecycle(ctx, eventbus.EventModuleLoading, mod)

	lm, err := l.loadLocked(ctx, mod, inst)
	if err != nil {
		l.publishError(ctx, mod, err)
		return nil, err
	}

	l.mu.Lock()
	l.modules[mod.ID] = lm
	l.mu.Unlock()

	l.publishLifecycle(ctx, eventbus.EventModuleLoaded, mod)

	if err := l.Initialize(ctx, lm); err != nil {
		// The module stays loaded but uninitialized; health checks
		// report the distinction.
		return lm, err
	}

	l.log.WithFields(logrus.Fields{
		"module":  mod.Name,
		"version": mod.Version,
	}).Info("Module loaded and initialized")

	return lm, nil
}

func (l *Loader) loadLocked(ctx context.Context, mod *storage.Module, inst *storage.Installation) (*LoadedModule, error) {
	dir, err := l.ExtractPackage(mod)
	if err != nil {
		return nil, err
	}

	if err := ValidateStructure(dir, mod.Manifest); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := reconcileManifestFile(dir, mod.Manifest); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	factory, ok := l.runtimes.lookup(mod.Manifest.Runtime)
	if !ok {
		os.RemoveAll(dir)
		return nil, loadErr(mod.Name, StageRuntime, fmt.Errorf("no runtime factory registered for %q", mod.Manifest.Runtime))
	}
	rt, err := factory(dir, mod.Manifest)
	if err != nil {
		os.RemoveAll(dir)
		return nil, loadErr(mod.Name, StageRuntime, err)
	}

	entryPoints, err := resolveEntryPoints(rt, mod.Manifest)
	if err != nil {
		rt.Close()
		os.RemoveAll(dir)
		return nil, err
	}
	eventHandlers, err := resolveEventHandlers(rt, mod.Manifest)
	if err != nil {
		rt.Close()
		os.RemoveAll(dir)
		return nil, err
	}

	return &LoadedModule{
		ModuleID:      mod.ID,
		Name:          mod.Name,
		Version:       mod.Version,
		Manifest:      mod.Manifest,
		Installation:  inst,
		Dir:           dir,
		Runtime:       rt,
		EntryPoints:   entryPoints,
		EventHandlers: eventHandlers,
		State:         StateResolved,
		LoadedAt:      time.Now().UTC(),
	}, nil
}

// ExtractPackage unpacks a module's package bytes into a fresh directory
// under the loader's work dir. Fails with ErrNoPackageData when the
// module carries no payload.
func (l *Loader) ExtractPackage(mod *storage.Module) (string, error) {
	if !mod.HasPackage() {
		return "", loadErr(mod.Name, StageExtraction, ErrNoPackageData)
	}

	dir := filepath.Join(l.workDir, fmt.Sprintf("%s-%s", mod.Name, mod.ID))
	// A stale tree from a previous failed load must not leak into this one.
	if err := os.RemoveAll(dir); err != nil {
		return "", loadErr(mod.Name, StageExtraction, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", loadErr(mod.Name, StageExtraction, err)
	}

	if err := archive.Extract(mod.PackageData, dir); err != nil {
		os.RemoveAll(dir)
		return "", loadErr(mod.Name, StageExtraction, err)
	}

	return dir, nil
}

// ValidateStructure requires an __init__.py or at least one .py file
// directly under the extracted root, or inside a subdirectory matching
// the module name.
func ValidateStructure(dir string, m *manifest.ModuleManifest) error {
	candidates := []string{dir, filepath.Join(dir, strings.ReplaceAll(m.Name, "-", "_")), filepath.Join(dir, m.Name)}
	for _, c := range candidates {
		if hasPythonSource(c) {
			return nil
		}
	}
	return loadErr(m.Name, StageStructure, fmt.Errorf(
		"expected __init__.py or a .py file under the package root or a %q directory", m.Name))
}

// reconcileManifestFile cross-checks a module.yaml shipped inside the
// package against the registered manifest; a package claiming to be a
// different module must not load. Packages without one get the registered
// manifest written into the extraction dir so runtimes can introspect
// their own contract.
func reconcileManifestFile(dir string, m *manifest.ModuleManifest) error {
	path := filepath.Join(dir, manifest.ManifestFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := manifest.SaveManifest(m, path); err != nil {
			return loadErr(m.Name, StageStructure, err)
		}
		return nil
	}

	embedded, err := manifest.LoadManifestFromDir(dir)
	if err != nil {
		return loadErr(m.Name, StageStructure, err)
	}
	if embedded.Name != m.Name || embedded.Version != m.Version {
		return loadErr(m.Name, StageStructure, fmt.Errorf(
			"packaged %s declares %s@%s, registered manifest is %s@%s",
			manifest.ManifestFileName, embedded.Name, embedded.Version, m.Name, m.Version))
	}
	return nil
}

func hasPythonSource(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == "__init__.py" || filepath.Ext(e.Name()) == ".py" {
			return true
		}
	}
	return false
}

// resolveEntryPoints maps each declared entry point name to a runtime
// callable. A missing or unresolvable target fails the whole load; a
// module with unresolvable entry points must not load.
func resolveEntryPoints(rt Runtime, m *manifest.ModuleManifest) (map[string]EntryPointFunc, error) {
	available := rt.EntryPoints()
	resolved := make(map[string]EntryPointFunc, len(m.EntryPoints))
	for _, ep := range m.EntryPoints {
		fn, ok := available[ep.Handler]
		if !ok || fn == nil {
			return nil, loadErr(m.Name, StageEntryPoints,
				fmt.Errorf("entry point %q: handler %q not found in runtime", ep.Name, ep.Handler))
		}
		resolved[ep.Name] = fn
	}
	return resolved, nil
}

// resolveEventHandlers maps each declared event pattern to its runtime
// callable.
func resolveEventHandlers(rt Runtime, m *manifest.ModuleManifest) (map[string]eventbus.HandlerFunc, error) {
	available := rt.EventHandlers()
	resolved := make(map[string]eventbus.HandlerFunc, len(m.EventHandlers))
	for _, eh := range m.EventHandlers {
		fn, ok := available[eh.Handler]
		if !ok || fn == nil {
			return nil, loadErr(m.Name, StageEntryPoints,
				fmt.Errorf("event handler for pattern %q: handler %q not found in runtime", eh.Pattern, eh.Handler))
		}
		resolved[eh.Pattern] = fn
	}
	return resolved, nil
}

// Initialize calls the module's "main" and "initialize" entry points in
// order, passing the installation configuration. Any failure leaves the
// module loaded but uninitialized.
func (l *Loader) Initialize(ctx context.Context, lm *LoadedModule) error {
	lm.State = StateInitializing
	l.publishLifecycleByName(ctx, eventbus.EventModuleInitializing, lm.Name)

	for _, name := range []string{"main", "initialize"} {
		fn, ok := lm.EntryPoints[name]
		if !ok {
			continue
		}
		if _, err := fn(ctx, lm.Config()); err != nil {
			lm.State = StateFailed
			wrapped := loadErr(lm.Name, StageInitialization, fmt.Errorf("entry point %q: %w", name, err))
			l.publishErrorByName(ctx, lm.Name, wrapped)
			return wrapped
		}
	}

	lm.State = StateInitialized
	lm.Initialized = true
	l.publishLifecycleByName(ctx, eventbus.EventModuleInitialized, lm.Name)
	return nil
}

// Unload removes a module from the loader, running its cleanup entry
// point if declared. Idempotent: returns false, not an error, when the
// module was never loaded.
func (l *Loader) Unload(ctx context.Context, moduleID string) bool {
	lock := l.keyLock(moduleID)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	lm, ok := l.modules[moduleID]
	if ok {
		delete(l.modules, moduleID)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	l.publishLifecycleByName(ctx, eventbus.EventModuleUnloading, lm.Name)

	if cleanup, ok := lm.EntryPoints["cleanup"]; ok {
		if _, err := cleanup(ctx, lm.Config()); err != nil {
			l.log.WithField("module", lm.Name).Warnf("Cleanup entry point failed: %v", err)
		}
	}
	if err := lm.Runtime.Close(); err != nil {
		l.log.WithField("module", lm.Name).Warnf("Runtime close failed: %v", err)
	}
	if lm.Dir != "" {
		if err := os.RemoveAll(lm.Dir); err != nil {
			l.log.WithField("module", lm.Name).Warnf("Failed to remove extraction dir: %v", err)
		}
	}

	if l.bus != nil {
		l.bus.UnsubscribeModule(moduleID)
	}

	l.publishLifecycleByName(ctx, eventbus.EventModuleUnloaded, lm.Name)
	return true
}

// Reload unloads the current artifacts and loads the new ones. The old
// LoadedModule is fully discarded; no state survives the swap.
func (l *Loader) Reload(ctx context.Context, mod *storage.Module, inst *storage.Installation) (*LoadedModule, error) {
	l.Unload(ctx, mod.ID)
	return l.Load(ctx, mod, inst)
}

// HealthCheck reports a module's health. A never-loaded module reports
// not_loaded; a module with a declared health_check entry point is asked
// directly; everything else reports the default healthy/initialized pair.
func (l *Loader) HealthCheck(ctx context.Context, moduleID string) map[string]any {
	lm := l.Get(moduleID)
	if lm == nil {
		return map[string]any{"status": "not_loaded"}
	}

	l.publishLifecycleByName(ctx, eventbus.EventModuleHealthCheck, lm.Name)

	if fn, ok := lm.EntryPoints["health_check"]; ok {
		result, err := fn(ctx, lm.Config())
		if err != nil {
			return map[string]any{"status": "unhealthy", "error": err.Error()}
		}
		if report, ok := result.(map[string]any); ok {
			return report
		}
		return map[string]any{"status": "healthy", "detail": result}
	}

	return map[string]any{"status": "healthy", "initialized": lm.Initialized}
}

// Get returns the loaded module for an id, or nil.
func (l *Loader) Get(moduleID string) *LoadedModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modules[moduleID]
}

// IsLoaded reports whether a module id is currently loaded.
func (l *Loader) IsLoaded(moduleID string) bool {
	return l.Get(moduleID) != nil
}

// List returns every loaded module.
func (l *Loader) List() []*LoadedModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LoadedModule, 0, len(l.modules))
	for _, lm := range l.modules {
		out = append(out, lm)
	}
	return out
}

func (l *Loader) publishLifecycle(ctx context.Context, eventType string, mod *storage.Module) {
	l.publishLifecycleByName(ctx, eventType, mod.Name)
}

func (l *Loader) publishLifecycleByName(ctx context.Context, eventType, moduleName string) {
	if l.bus == nil {
		return
	}
	if err := l.bus.PublishLifecycle(ctx, eventType, moduleName, nil); err != nil {
		l.log.Warnf("Failed to publish lifecycle event %s: %v", eventType, err)
	}
}

func (l *Loader) publishError(ctx context.Context, mod *storage.Module, cause error) {
	l.publishErrorByName(ctx, mod.Name, cause)
}

func (l *Loader) publishErrorByName(ctx context.Context, moduleName string, cause error) {
	if l.bus == nil {
		return
	}
	err := l.bus.Publish(ctx, eventbus.ChannelLifecycle, eventbus.NewEvent(
		eventbus.EventModuleError, moduleName, map[string]any{"error": cause.Error()}))
	if err != nil {
		l.log.Warnf("Failed to publish module error event: %v", err)
	}
}

// SubscribeEventHandlers registers a loaded module's resolved event
// handlers on the business channel. Registration is keyed by module id so
// Unload strips everything atomically.
func (l *Loader) SubscribeEventHandlers(lm *LoadedModule) error {
	if l.bus == nil {
		return nil
	}
	for _, spec := range lm.Manifest.EventHandlers {
		fn, ok := lm.EventHandlers[spec.Pattern]
		if !ok {
			continue
		}
		ch := eventbus.ChannelBusiness
		if spec.EventType == "lifecycle" {
			ch = eventbus.ChannelLifecycle
		}
		if err := l.bus.Subscribe(lm.ModuleID, ch, spec.Pattern, spec.Priority, fn); err != nil {
			return fmt.Errorf("failed to subscribe handler for pattern %q: %w", spec.Pattern, err)
		}
	}
	return nil
}
