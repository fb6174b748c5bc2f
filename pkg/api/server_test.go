package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/modhub/pkg/endpoints"
	"github.com/stackbound/modhub/pkg/gateway"
	"github.com/stackbound/modhub/pkg/loader"
	"github.com/stackbound/modhub/pkg/observability"
	"github.com/stackbound/modhub/pkg/registry"
	"github.com/stackbound/modhub/pkg/resolver"
	"github.com/stackbound/modhub/pkg/security"
	"github.com/stackbound/modhub/pkg/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.OpenSQL("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eps := endpoints.NewRegistry(nil)
	metrics := observability.NewMetrics()
	svc := registry.New(registry.Config{
		Store:     store,
		Validator: security.NewValidator(nil),
		Loader:    loader.New(t.TempDir(), nil, nil),
		Endpoints: eps,
		Gateway:   gateway.New("", "", nil),
		Resolver:  resolver.New(store, nil),
		Metrics:   metrics,
	})
	health := observability.NewHealthChecker(store, nil, nil)
	return NewServer(svc, eps, health, metrics, nil)
}

func testPackage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := "import json\n\nVERSION = \"1.0.0\"\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "__init__.py", Mode: 0644, Size: int64(len(content))}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func widgetManifestJSON(t *testing.T, pkg []byte) *bytes.Reader {
	t.Helper()
	body := map[string]any{
		"manifest": map[string]any{
			"name":            "widgets",
			"version":         "1.0.0",
			"type":            "integration",
			"sandbox_enabled": true,
			"endpoints": []map[string]any{
				{"path": "/status", "method": "GET", "handler": "widgets.api:status"},
			},
		},
	}
	if pkg != nil {
		body["package_base64"] = base64.StdEncoding.EncodeToString(pkg)
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func doJSON(t *testing.T, s *Server, method, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func registerWidgets(t *testing.T, s *Server) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules", widgetManifestJSON(t, testPackage(t)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Module storage.Module `json:"module"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Module.ID
}

func TestRegisterModuleJSON(t *testing.T) {
	s := newTestServer(t)
	id := registerWidgets(t, s)
	assert.NotEmpty(t, id)

	// Duplicate name conflicts.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules", widgetManifestJSON(t, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterModuleMultipart(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mf, err := mw.CreateFormFile("manifest", "module.yaml")
	require.NoError(t, err)
	fmt.Fprintln(mf, "name: gadgets\nversion: 1.0.0\ntype: integration\nsandbox_enabled: true")
	pf, err := mw.CreateFormFile("package", "gadgets.tar.gz")
	require.NoError(t, err)
	_, err = pf.Write(testPackage(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/modules", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRegisterModuleValidationFailure(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(map[string]any{
		"manifest": map[string]any{"name": "X", "version": "oops", "type": "integration"},
	})
	require.NoError(t, err)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules", bytes.NewReader(body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["errors"])
}

func TestGetAndListModules(t *testing.T) {
	s := newTestServer(t)
	id := registerWidgets(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/modules/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/modules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, float64(1), list["count"])

	rec = doJSON(t, s, http.MethodGet, "/api/v1/modules/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func installWidgets(t *testing.T, s *Server, moduleID string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"company_id": "acme", "installed_by": "admin"})
	require.NoError(t, err)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules/"+moduleID+"/install", bytes.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Installation storage.Installation `json:"installation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, storage.InstallationStatusInstalled, resp.Installation.Status)
	return resp.Installation.ID
}

func TestInstallUninstallFlow(t *testing.T) {
	s := newTestServer(t)
	moduleID := registerWidgets(t, s)
	instID := installWidgets(t, s, moduleID)

	// The module endpoint is now live under /modules.
	rec := doJSON(t, s, http.MethodGet, "/modules/widgets/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/v1/installations/"+instID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/installations/"+instID+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])

	rec = doJSON(t, s, http.MethodPost, "/api/v1/installations/"+instID+"/uninstall", bytes.NewReader(nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/modules/widgets/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "uninstalled module endpoints disappear")
}

func TestDeprecateModuleEndpoint(t *testing.T) {
	s := newTestServer(t)
	moduleID := registerWidgets(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules/"+moduleID+"/deprecate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mod storage.Module
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mod))
	assert.Equal(t, storage.ModuleStatusDeprecated, mod.Status)

	// New installs of a deprecated module are refused.
	body, err := json.Marshal(map[string]any{"company_id": "acme"})
	require.NoError(t, err)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/modules/"+moduleID+"/install", bytes.NewReader(body))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodPost, "/api/v1/modules/missing/deprecate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstallRequiresCompany(t *testing.T) {
	s := newTestServer(t)
	moduleID := registerWidgets(t, s)

	body, _ := json.Marshal(map[string]any{})
	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules/"+moduleID+"/install", bytes.NewReader(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstallUnresolvableConflict(t *testing.T) {
	s := newTestServer(t)
	registerWidgets(t, s)

	// gizmos requires widgets at a version that is not installed for the
	// company at all.
	body, err := json.Marshal(map[string]any{
		"manifest": map[string]any{
			"name": "gizmos", "version": "1.0.0", "type": "integration",
			"sandbox_enabled": true,
			"dependencies": []map[string]any{
				{"name": "widgets", "type": "module"},
			},
		},
		"package_base64": base64.StdEncoding.EncodeToString(testPackage(t)),
	})
	require.NoError(t, err)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/modules", bytes.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Module storage.Module `json:"module"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	installBody, _ := json.Marshal(map[string]any{"company_id": "acme"})
	rec = doJSON(t, s, http.MethodPost, "/api/v1/modules/"+resp.Module.ID+"/install", bytes.NewReader(installBody))
	require.Equal(t, http.StatusConflict, rec.Code)

	var conflictResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflictResp))
	assert.NotNil(t, conflictResp["plan"])
}

func TestDependencyAnalysisEndpoint(t *testing.T) {
	s := newTestServer(t)
	moduleID := registerWidgets(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/modules/"+moduleID+"/dependencies/analysis?company_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var plan resolver.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.True(t, plan.IsResolvable)
	assert.Equal(t, []string{"widgets"}, plan.InstallOrder)
}

func TestDetectConflictsEndpoint(t *testing.T) {
	s := newTestServer(t)
	moduleID := registerWidgets(t, s)

	body, _ := json.Marshal(map[string]any{"module_ids": []string{moduleID}})
	rec := doJSON(t, s, http.MethodPost, "/api/v1/dependencies/conflicts", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/dependencies/conflicts", bytes.NewReader([]byte(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntrospectionEndpoints(t *testing.T) {
	s := newTestServer(t)
	moduleID := registerWidgets(t, s)
	installWidgets(t, s, moduleID)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/modules/"+moduleID+"/endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["mounted"])

	rec = doJSON(t, s, http.MethodGet, "/api/v1/modules/"+moduleID+"/openapi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/modules/widgets/status")
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modhub_http_request_duration_seconds")
}
