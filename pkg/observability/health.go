package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/storage"
)

// DependencyStatus is the probe result for one backing dependency.
type DependencyStatus struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthStatus aggregates dependency probes.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// HealthChecker probes the storage backend and, when configured, redis.
type HealthChecker struct {
	store storage.Store
	redis redis.Cmdable
	log   *logrus.Logger
}

// NewHealthChecker builds a checker. redis may be nil when the event
// streams are disabled.
func NewHealthChecker(store storage.Store, rdb redis.Cmdable, log *logrus.Logger) *HealthChecker {
	if log == nil {
		log = logrus.New()
	}
	return &HealthChecker{store: store, redis: rdb, log: log}
}

// Check runs all probes with a shared deadline.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:       "healthy",
		Dependencies: map[string]DependencyStatus{},
	}

	start := time.Now()
	if err := h.store.HealthCheck(ctx); err != nil {
		status.Status = "unhealthy"
		status.Dependencies["storage"] = DependencyStatus{
			Status:    "unhealthy",
			LatencyMS: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		}
	} else {
		status.Dependencies["storage"] = DependencyStatus{
			Status:    "healthy",
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}

	if h.redis != nil {
		start = time.Now()
		if err := h.redis.Ping(ctx).Err(); err != nil {
			// Event streams degrade to local-only dispatch; not fatal.
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
			status.Dependencies["redis"] = DependencyStatus{
				Status:    "unhealthy",
				LatencyMS: time.Since(start).Milliseconds(),
				Error:     err.Error(),
			}
		} else {
			status.Dependencies["redis"] = DependencyStatus{
				Status:    "healthy",
				LatencyMS: time.Since(start).Milliseconds(),
			}
		}
	}

	return status
}

// Liveness always reports ok while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "alive"})
}

// Readiness reports ready only when storage answers; a degraded redis
// still serves.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	if status.Status == "unhealthy" {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	httputil.WriteSuccess(w, status)
}
