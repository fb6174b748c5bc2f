package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/modhub/pkg/eventbus"
	"github.com/stackbound/modhub/pkg/loader"
	"github.com/stackbound/modhub/pkg/manifest"
	"github.com/stackbound/modhub/pkg/storage"
)

type fakeRuntime struct {
	http map[string]loader.EntryPointFunc
}

func (f *fakeRuntime) EntryPoints() map[string]loader.EntryPointFunc         { return nil }
func (f *fakeRuntime) EventHandlers() map[string]eventbus.HandlerFunc        { return nil }
func (f *fakeRuntime) HTTPHandlers() map[string]loader.EntryPointFunc        { return f.http }
func (f *fakeRuntime) Close() error                                          { return nil }

func loadedModule(name string, endpoints []manifest.Endpoint, handlers map[string]loader.EntryPointFunc) *loader.LoadedModule {
	return &loader.LoadedModule{
		ModuleID: "mod-" + name,
		Name:     name,
		Version:  "1.0.0",
		Manifest: &manifest.ModuleManifest{
			Name:      name,
			Version:   "1.0.0",
			Endpoints: endpoints,
		},
		Installation: &storage.Installation{
			Configuration: map[string]any{"currency": "EUR"},
		},
		Runtime: &fakeRuntime{http: handlers},
	}
}

func echoHandler(ctx context.Context, envelope map[string]any) (any, error) {
	return envelope, nil
}

func TestRegisterAndServe(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{{Path: "/status", Method: "GET", Handler: "widgets.api:status"}},
		map[string]loader.EntryPointFunc{
			"widgets.api:status": func(ctx context.Context, envelope map[string]any) (any, error) {
				return map[string]any{"status": "ok"}, nil
			},
		})
	mounted, err := r.Register(lm)
	require.NoError(t, err)
	require.Len(t, mounted, 1)
	assert.Equal(t, "/modules/widgets/status", mounted[0].FullPath)

	req := httptest.NewRequest(http.MethodGet, "/modules/widgets/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestUnresolvableHandlerIsSkipped(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{
			{Path: "/status", Method: "GET", Handler: "widgets.api:status"},
			{Path: "/ghost", Method: "GET", Handler: "widgets.api:missing"},
		},
		map[string]loader.EntryPointFunc{"widgets.api:status": echoHandler})

	mounted, err := r.Register(lm)
	require.NoError(t, err)
	require.Len(t, mounted, 1, "only the resolvable endpoint mounts")
	assert.Equal(t, "/status", mounted[0].Path)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/modules/widgets/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvocationEnvelope(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{{Path: "/items/{id}", Method: "POST", Handler: "widgets.api:update"}},
		map[string]loader.EntryPointFunc{"widgets.api:update": echoHandler})
	_, err := r.Register(lm)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/modules/widgets/items/42?dry_run=true",
		strings.NewReader(`{"quantity": 3}`))
	req.Header.Set("X-Company-ID", "acme")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))

	assert.Equal(t, "widgets", envelope["module_name"])
	assert.Equal(t, "mod-widgets", envelope["module_id"])
	assert.Equal(t, "acme", envelope["company_id"])
	assert.Equal(t, map[string]any{"currency": "EUR"}, envelope["config"])
	assert.Equal(t, map[string]any{"id": "42"}, envelope["params"])
	assert.Equal(t, map[string]any{"dry_run": "true"}, envelope["query"])
	assert.Equal(t, map[string]any{"quantity": float64(3)}, envelope["body"])
}

func TestAuthAndCompanyScoping(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{{
			Path: "/secure", Method: "GET", Handler: "widgets.api:secure",
			RequiresAuth: true, CompanyScoped: true,
		}},
		map[string]loader.EntryPointFunc{"widgets.api:secure": echoHandler})
	_, err := r.Register(lm)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/modules/widgets/secure", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/modules/widgets/secure", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "company-scoped endpoint needs X-Company-ID")

	req.Header.Set("X-Company-ID", "acme")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerErrorMapsTo500(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{{Path: "/boom", Method: "GET", Handler: "widgets.api:boom"}},
		map[string]loader.EntryPointFunc{
			"widgets.api:boom": func(ctx context.Context, envelope map[string]any) (any, error) {
				return nil, assert.AnError
			},
		})
	_, err := r.Register(lm)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/modules/widgets/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{{Path: "/status", Method: "GET", Handler: "widgets.api:status"}},
		map[string]loader.EntryPointFunc{"widgets.api:status": echoHandler})
	_, err := r.Register(lm)
	require.NoError(t, err)

	assert.True(t, r.Unregister("widgets"))
	assert.False(t, r.Unregister("widgets"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/modules/widgets/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, ok := r.ModuleEndpoints("widgets")
	assert.False(t, ok)
}

func TestUnknownModuleIs404(t *testing.T) {
	r := NewRegistry(nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/modules/nope/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAllEndpointsSorted(t *testing.T) {
	r := NewRegistry(nil)

	for _, name := range []string{"zeta", "alpha"} {
		lm := loadedModule(name,
			[]manifest.Endpoint{{Path: "/status", Method: "GET", Handler: "h"}},
			map[string]loader.EntryPointFunc{"h": echoHandler})
		_, err := r.Register(lm)
		require.NoError(t, err)
	}

	all := r.AllEndpoints()
	require.Len(t, all, 2)
	assert.Equal(t, "/modules/alpha/status", all[0].FullPath)
	assert.Equal(t, "/modules/zeta/status", all[1].FullPath)
}

func TestOpenAPIFragment(t *testing.T) {
	r := NewRegistry(nil)

	lm := loadedModule("widgets",
		[]manifest.Endpoint{{Path: "/status", Method: "GET", Handler: "h", RequiresAuth: true}},
		map[string]loader.EntryPointFunc{"h": echoHandler})
	_, err := r.Register(lm)
	require.NoError(t, err)

	fragment, ok := r.OpenAPIFragment("widgets")
	require.True(t, ok)
	paths := fragment["paths"].(map[string]any)
	ops := paths["/modules/widgets/status"].(map[string]any)
	op := ops["get"].(map[string]any)
	assert.Equal(t, "widgets_get_status", op["operationId"])
	assert.Contains(t, op, "security")

	// Cached copy is invalidated on unregister.
	r.Unregister("widgets")
	_, ok = r.OpenAPIFragment("widgets")
	assert.False(t, ok)
}
