// Package gateway mirrors module endpoint registrations into an external
// API gateway. Mirroring is best effort: the gateway is an edge
// convenience, and a failed call must never block a module install.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/manifest"
)

const defaultTimeout = 5 * time.Second

// Client talks to the gateway admin API.
type Client struct {
	baseURL     string
	upstreamURL string
	client      *http.Client
	syncErrors  prometheus.Counter
	log         *logrus.Logger
}

// New creates a gateway client. upstreamURL is the address the gateway
// should proxy module routes back to (this service). An empty baseURL
// disables mirroring; every method becomes a no-op.
func New(baseURL, upstreamURL string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		baseURL:     baseURL,
		upstreamURL: upstreamURL,
		client:      &http.Client{Timeout: defaultTimeout},
		log:         log,
	}
}

// SetSyncErrorCounter wires a counter incremented once per failed admin
// API call. Must be called before the first mirroring operation.
func (c *Client) SetSyncErrorCounter(counter prometheus.Counter) {
	c.syncErrors = counter
}

// Enabled reports whether a gateway is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type servicePayload struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type routePayload struct {
	Name      string   `json:"name"`
	Paths     []string `json:"paths"`
	Methods   []string `json:"methods"`
	StripPath bool     `json:"strip_path"`
}

// EnsureService upserts the gateway service entry for a module.
func (c *Client) EnsureService(ctx context.Context, moduleName string) error {
	if !c.Enabled() {
		return nil
	}
	payload := servicePayload{
		Name: serviceName(moduleName),
		URL:  c.upstreamURL,
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/services/%s", payload.Name), payload)
}

// CreateRoute registers one module endpoint as a gateway route. Paths
// are not stripped: the upstream mounts modules under the same
// /modules/{name} prefix the gateway sees.
func (c *Client) CreateRoute(ctx context.Context, moduleName string, ep manifest.Endpoint) error {
	if !c.Enabled() {
		return nil
	}
	payload := routePayload{
		Name:      routeName(moduleName, ep),
		Paths:     []string{fmt.Sprintf("/modules/%s%s", moduleName, ep.Path)},
		Methods:   []string{ep.Method},
		StripPath: false,
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/services/%s/routes", serviceName(moduleName)), payload)
}

// DeleteService removes the module's service entry; the gateway cascades
// the delete to the service's routes.
func (c *Client) DeleteService(ctx context.Context, moduleName string) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/services/%s", serviceName(moduleName)), nil)
}

// MirrorModule registers the service plus one route per declared
// endpoint. Individual route failures are logged and skipped so a flaky
// gateway cannot strand an install.
func (c *Client) MirrorModule(ctx context.Context, m *manifest.ModuleManifest) {
	if !c.Enabled() || len(m.Endpoints) == 0 {
		return
	}
	if err := c.EnsureService(ctx, m.Name); err != nil {
		c.log.WithError(err).WithField("module", m.Name).Warn("gateway service registration failed")
		return
	}
	for _, ep := range m.Endpoints {
		if err := c.CreateRoute(ctx, m.Name, ep); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"module": m.Name,
				"path":   ep.Path,
			}).Warn("gateway route registration failed")
		}
	}
}

// UnmirrorModule removes the module's gateway footprint, logging rather
// than propagating failures.
func (c *Client) UnmirrorModule(ctx context.Context, moduleName string) {
	if !c.Enabled() {
		return
	}
	if err := c.DeleteService(ctx, moduleName); err != nil {
		c.log.WithError(err).WithField("module", moduleName).Warn("gateway service removal failed")
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.countSyncError()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.countSyncError()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gateway returned %d for %s %s: %s", resp.StatusCode, method, path, bytes.TrimSpace(data))
	}
	return nil
}

func (c *Client) countSyncError() {
	if c.syncErrors != nil {
		c.syncErrors.Inc()
	}
}

func serviceName(moduleName string) string {
	return "module-" + moduleName
}

func routeName(moduleName string, ep manifest.Endpoint) string {
	path := strings.Trim(strings.ReplaceAll(ep.Path, "/", "-"), "-")
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", moduleName, ep.Method, path))
}
