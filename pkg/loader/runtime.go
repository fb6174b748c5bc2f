package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackbound/modhub/pkg/eventbus"
	"github.com/stackbound/modhub/pkg/manifest"
)

// EntryPointFunc is a module lifecycle callable. The installation's
// configuration dict is passed on invocation; both fast synchronous work
// and long asynchronous work run under the supplied context.
type EntryPointFunc func(ctx context.Context, config map[string]any) (any, error)

// Runtime is the executable face of a loaded module. Handler references
// from the manifest ("pkg.path:function") are resolved by key against the
// maps the runtime exposes; the runtime populates those maps itself when
// it is constructed, so the host never walks dotted paths reflectively.
type Runtime interface {
	// EntryPoints returns the callables the module exposes, keyed by
	// handler reference.
	EntryPoints() map[string]EntryPointFunc
	// EventHandlers returns the event callables, keyed by handler
	// reference.
	EventHandlers() map[string]eventbus.HandlerFunc
	// HTTPHandlers returns the endpoint callables, keyed by handler
	// reference. Values are generic payload handlers wrapped by the
	// endpoint registry.
	HTTPHandlers() map[string]EntryPointFunc
	// Close releases any resources held by the runtime.
	Close() error
}

// RuntimeFactory constructs a runtime for a validated, extracted module
// package. Factories are compiled into the host and registered by name;
// the manifest's runtime field selects one.
type RuntimeFactory func(dir string, m *manifest.ModuleManifest) (Runtime, error)

// DefaultRuntimeName selects the declarative runtime when a manifest does
// not name one.
const DefaultRuntimeName = "declarative"

// runtimeRegistry holds the compiled-in runtime factories. Owned by the
// Loader, created at startup, never ambient package state.
type runtimeRegistry struct {
	mu        sync.RWMutex
	factories map[string]RuntimeFactory
}

func newRuntimeRegistry() *runtimeRegistry {
	r := &runtimeRegistry{factories: make(map[string]RuntimeFactory)}
	r.factories[DefaultRuntimeName] = NewDeclarativeRuntime
	return r
}

func (r *runtimeRegistry) register(name string, factory RuntimeFactory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil runtime factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("runtime factory already registered: %s", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *runtimeRegistry) lookup(name string) (RuntimeFactory, bool) {
	if name == "" {
		name = DefaultRuntimeName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// declarativeRuntime backs modules whose behavior is fully described by
// their manifest: every declared handler reference resolves to a benign
// callable that reports what it was invoked with. Packages carrying
// interpreted source are validated and stored but executed by an external
// sandbox, which is out of scope for the registry host.
type declarativeRuntime struct {
	entryPoints   map[string]EntryPointFunc
	eventHandlers map[string]eventbus.HandlerFunc
	httpHandlers  map[string]EntryPointFunc
}

// NewDeclarativeRuntime builds the default runtime from a manifest.
func NewDeclarativeRuntime(dir string, m *manifest.ModuleManifest) (Runtime, error) {
	rt := &declarativeRuntime{
		entryPoints:   make(map[string]EntryPointFunc),
		eventHandlers: make(map[string]eventbus.HandlerFunc),
		httpHandlers:  make(map[string]EntryPointFunc),
	}

	for _, ep := range m.EntryPoints {
		name := ep.Name
		rt.entryPoints[ep.Handler] = func(ctx context.Context, config map[string]any) (any, error) {
			return map[string]any{"entry_point": name, "module": m.Name}, nil
		}
	}

	for _, eh := range m.EventHandlers {
		rt.eventHandlers[eh.Handler] = func(ctx context.Context, ev *eventbus.Event) error {
			return nil
		}
	}

	for _, e := range m.Endpoints {
		path := e.Path
		rt.httpHandlers[e.Handler] = func(ctx context.Context, config map[string]any) (any, error) {
			return map[string]any{"module": m.Name, "path": path, "status": "ok"}, nil
		}
	}

	return rt, nil
}

func (r *declarativeRuntime) EntryPoints() map[string]EntryPointFunc        { return r.entryPoints }
func (r *declarativeRuntime) EventHandlers() map[string]eventbus.HandlerFunc { return r.eventHandlers }
func (r *declarativeRuntime) HTTPHandlers() map[string]EntryPointFunc       { return r.httpHandlers }
func (r *declarativeRuntime) Close() error                                  { return nil }
