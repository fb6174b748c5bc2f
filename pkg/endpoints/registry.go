// Package endpoints mounts module-declared HTTP endpoints under
// /modules/{module-name} and keeps an introspectable record of what is
// mounted. Modules register and unregister at runtime without touching
// the host's router: the host mounts the registry once, and requests are
// routed through an indirection table of per-module routers.
package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/loader"
	"github.com/stackbound/modhub/pkg/manifest"
)

// MountPrefix is where module endpoints live on the host router.
const MountPrefix = "/modules"

const openAPICacheSize = 256

// EndpointInfo describes one mounted endpoint for introspection.
type EndpointInfo struct {
	Path          string   `json:"path"`
	FullPath      string   `json:"full_path"`
	Method        string   `json:"method"`
	Handler       string   `json:"handler"`
	RequiresAuth  bool     `json:"requires_auth"`
	CompanyScoped bool     `json:"company_scoped"`
	Permissions   []string `json:"permissions,omitempty"`
}

// moduleRoutes is one module's mounted footprint.
type moduleRoutes struct {
	module    *loader.LoadedModule
	router    *mux.Router
	endpoints []EndpointInfo
}

// Registry owns the dynamic /modules subtree. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*moduleRoutes // keyed by module name
	openAPI *lru.Cache[string, map[string]any]
	log     *logrus.Logger
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	cache, _ := lru.New[string, map[string]any](openAPICacheSize)
	return &Registry{
		modules: make(map[string]*moduleRoutes),
		openAPI: cache,
		log:     log,
	}
}

// Register mounts a loaded module's declared endpoints. Endpoints whose
// handler reference does not resolve against the module's runtime are
// skipped with a warning; the rest mount normally. Re-registering a
// module replaces its previous footprint.
func (r *Registry) Register(lm *loader.LoadedModule) ([]EndpointInfo, error) {
	if lm == nil || lm.Manifest == nil {
		return nil, fmt.Errorf("cannot register nil module")
	}

	handlers := map[string]loader.EntryPointFunc{}
	if lm.Runtime != nil {
		handlers = lm.Runtime.HTTPHandlers()
	}

	router := mux.NewRouter()
	var mounted []EndpointInfo
	for _, ep := range lm.Manifest.Endpoints {
		fn, ok := handlers[ep.Handler]
		if !ok {
			r.log.WithFields(logrus.Fields{
				"module":  lm.Name,
				"path":    ep.Path,
				"handler": ep.Handler,
			}).Warn("endpoint handler not resolvable, skipping")
			continue
		}

		info := EndpointInfo{
			Path:          ep.Path,
			FullPath:      fmt.Sprintf("%s/%s%s", MountPrefix, lm.Name, ep.Path),
			Method:        strings.ToUpper(ep.Method),
			Handler:       ep.Handler,
			RequiresAuth:  ep.RequiresAuth,
			CompanyScoped: ep.CompanyScoped,
			Permissions:   ep.Permissions,
		}
		router.HandleFunc(ep.Path, r.wrap(lm, ep, fn)).Methods(info.Method)
		mounted = append(mounted, info)
	}

	r.mu.Lock()
	r.modules[lm.Name] = &moduleRoutes{module: lm, router: router, endpoints: mounted}
	r.mu.Unlock()
	r.openAPI.Remove(lm.Name)

	r.log.WithFields(logrus.Fields{
		"module":    lm.Name,
		"endpoints": len(mounted),
	}).Info("module endpoints registered")
	return mounted, nil
}

// Unregister removes a module's footprint. Returns false when the module
// had none.
func (r *Registry) Unregister(moduleName string) bool {
	r.mu.Lock()
	_, existed := r.modules[moduleName]
	delete(r.modules, moduleName)
	r.mu.Unlock()
	r.openAPI.Remove(moduleName)
	if existed {
		r.log.WithField("module", moduleName).Info("module endpoints unregistered")
	}
	return existed
}

// ModuleEndpoints returns the introspection records for one module.
func (r *Registry) ModuleEndpoints(moduleName string) ([]EndpointInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleName]
	if !ok {
		return nil, false
	}
	out := make([]EndpointInfo, len(m.endpoints))
	copy(out, m.endpoints)
	return out, true
}

// AllEndpoints returns every mounted endpoint, sorted by full path.
func (r *Registry) AllEndpoints() []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EndpointInfo
	for _, m := range r.modules {
		out = append(out, m.endpoints...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullPath != out[j].FullPath {
			return out[i].FullPath < out[j].FullPath
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Manifests returns the manifests of all registered modules; used by the
// gateway reconciler as its source of truth.
func (r *Registry) Manifests() []*manifest.ModuleManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*manifest.ModuleManifest, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.module.Manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServeHTTP routes /modules/{name}/... to the owning module's router.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, MountPrefix)
	rest = strings.TrimPrefix(rest, "/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		httputil.WriteNotFoundError(w, "module not specified")
		return
	}

	r.mu.RLock()
	m, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		httputil.WriteNotFoundError(w, fmt.Sprintf("module %q has no mounted endpoints", name))
		return
	}

	// Rewrite the path so the module router sees its declared paths.
	req2 := req.Clone(req.Context())
	req2.URL.Path = "/" + sub
	m.router.ServeHTTP(w, req2)
}

// wrap adapts a runtime payload handler to HTTP: it decodes the request,
// assembles the invocation envelope (installation config plus request
// context) and JSON-encodes the result.
func (r *Registry) wrap(lm *loader.LoadedModule, ep manifest.Endpoint, fn loader.EntryPointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if ep.RequiresAuth && req.Header.Get("Authorization") == "" {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		companyID := req.Header.Get("X-Company-ID")
		if ep.CompanyScoped && companyID == "" {
			httputil.WriteBadRequest(w, "X-Company-ID header required")
			return
		}

		var body map[string]any
		if req.Body != nil {
			data, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
			if err == nil && len(data) > 0 {
				if err := json.Unmarshal(data, &body); err != nil {
					httputil.WriteBadRequest(w, "request body must be a JSON object")
					return
				}
			}
		}

		query := map[string]string{}
		for k, v := range req.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}

		envelope := map[string]any{
			"module_id":   lm.ModuleID,
			"module_name": lm.Name,
			"company_id":  companyID,
			"config":      lm.Config(),
			"params":      mux.Vars(req),
			"query":       query,
			"body":        body,
		}

		result, err := fn(req.Context(), envelope)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"module": lm.Name,
				"path":   ep.Path,
			}).Error("module endpoint handler failed")
			httputil.WriteInternalError(w, fmt.Errorf("module handler failed"))
			return
		}
		httputil.WriteSuccess(w, result)
	}
}
