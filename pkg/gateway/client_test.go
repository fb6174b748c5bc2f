package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/modhub/pkg/manifest"
)

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]any
}

func newRecordingGateway(t *testing.T, status int) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]recordedCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		mu.Lock()
		*calls = append(*calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func widgetManifest() *manifest.ModuleManifest {
	return &manifest.ModuleManifest{
		Name:    "widgets",
		Version: "1.0.0",
		Endpoints: []manifest.Endpoint{
			{Path: "/status", Method: "GET", Handler: "widgets.api:status"},
			{Path: "/items", Method: "POST", Handler: "widgets.api:create"},
		},
	}
}

func TestMirrorModule(t *testing.T) {
	srv, calls := newRecordingGateway(t, http.StatusOK)
	c := New(srv.URL, "http://modhub:8080", nil)

	c.MirrorModule(context.Background(), widgetManifest())

	require.Len(t, *calls, 3)

	svc := (*calls)[0]
	assert.Equal(t, http.MethodPut, svc.Method)
	assert.Equal(t, "/services/module-widgets", svc.Path)
	assert.Equal(t, "http://modhub:8080", svc.Body["url"])

	route := (*calls)[1]
	assert.Equal(t, http.MethodPost, route.Method)
	assert.Equal(t, "/services/module-widgets/routes", route.Path)
	assert.Equal(t, []any{"/modules/widgets/status"}, route.Body["paths"])
	assert.Equal(t, []any{"GET"}, route.Body["methods"])
	assert.Equal(t, false, route.Body["strip_path"])
}

func TestMirrorModuleServiceFailureSkipsRoutes(t *testing.T) {
	srv, calls := newRecordingGateway(t, http.StatusBadGateway)
	c := New(srv.URL, "http://modhub:8080", nil)

	// Must not panic or return an error to the caller.
	c.MirrorModule(context.Background(), widgetManifest())

	require.Len(t, *calls, 1, "routes should not be attempted after service failure")
}

func TestUnmirrorModule(t *testing.T) {
	srv, calls := newRecordingGateway(t, http.StatusNoContent)
	c := New(srv.URL, "http://modhub:8080", nil)

	c.UnmirrorModule(context.Background(), "widgets")

	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodDelete, (*calls)[0].Method)
	assert.Equal(t, "/services/module-widgets", (*calls)[0].Path)
}

func TestSyncErrorCounter(t *testing.T) {
	srv, _ := newRecordingGateway(t, http.StatusBadGateway)
	c := New(srv.URL, "http://modhub:8080", nil)
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_gateway_sync_errors_total",
	})
	c.SetSyncErrorCounter(counter)

	// Service registration fails, routes are skipped: one counted error.
	c.MirrorModule(context.Background(), widgetManifest())
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))

	c.UnmirrorModule(context.Background(), "widgets")
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))
}

func TestDisabledClientIsNoOp(t *testing.T) {
	c := New("", "http://modhub:8080", nil)
	assert.False(t, c.Enabled())
	assert.NoError(t, c.EnsureService(context.Background(), "widgets"))
	c.MirrorModule(context.Background(), widgetManifest())
	c.UnmirrorModule(context.Background(), "widgets")
}

func TestReconcile(t *testing.T) {
	srv, calls := newRecordingGateway(t, http.StatusOK)
	c := New(srv.URL, "http://modhub:8080", nil)

	source := func(ctx context.Context) ([]*manifest.ModuleManifest, error) {
		gadgets := widgetManifest()
		gadgets.Name = "gadgets"
		return []*manifest.ModuleManifest{widgetManifest(), gadgets}, nil
	}
	r, err := NewReconciler(c, source, "", nil)
	require.NoError(t, err)

	// Modules are mirrored concurrently; only the call count is stable.
	r.Reconcile(context.Background())
	assert.Len(t, *calls, 6)
}
