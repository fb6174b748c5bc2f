// Package api exposes the registry over HTTP: module registration and
// reads, installation lifecycle, dependency analysis and endpoint
// introspection, next to the dynamically mounted /modules subtree.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/endpoints"
	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/observability"
	"github.com/stackbound/modhub/pkg/registry"
)

// Server is the HTTP face of the registry.
type Server struct {
	service   *registry.Service
	endpoints *endpoints.Registry
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	router    *mux.Router
	log       *logrus.Logger
}

// NewServer wires the routes.
func NewServer(service *registry.Service, eps *endpoints.Registry, health *observability.HealthChecker, metrics *observability.Metrics, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		service:   service,
		endpoints: eps,
		health:    health,
		metrics:   metrics,
		router:    mux.NewRouter(),
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware, httputil.RecoveryMiddleware(s.log), s.instrument)

	// Module registration and reads
	s.router.HandleFunc("/api/v1/modules", s.registerModule).Methods("POST")
	s.router.HandleFunc("/api/v1/modules", s.listModules).Methods("GET")
	s.router.HandleFunc("/api/v1/modules/{id}", s.getModule).Methods("GET")
	s.router.HandleFunc("/api/v1/modules/{id}/deprecate", s.deprecateModule).Methods("POST")

	// Installation lifecycle
	s.router.HandleFunc("/api/v1/modules/{id}/install", s.installModule).Methods("POST")
	s.router.HandleFunc("/api/v1/installations/{id}", s.getInstallation).Methods("GET")
	s.router.HandleFunc("/api/v1/installations/{id}/uninstall", s.uninstallModule).Methods("POST")
	s.router.HandleFunc("/api/v1/installations/{id}/reload", s.reloadModule).Methods("POST")
	s.router.HandleFunc("/api/v1/installations/{id}/health", s.moduleHealth).Methods("GET")

	// Dependency analysis
	s.router.HandleFunc("/api/v1/modules/{id}/dependencies/analysis", s.analyzeDependencies).Methods("GET")
	s.router.HandleFunc("/api/v1/dependencies/conflicts", s.detectConflicts).Methods("POST")

	// Endpoint introspection
	s.router.HandleFunc("/api/v1/modules/{id}/endpoints", s.moduleEndpoints).Methods("GET")
	s.router.HandleFunc("/api/v1/modules/{id}/openapi", s.moduleOpenAPI).Methods("GET")

	// Operational surface
	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// Dynamic module endpoints
	if s.endpoints != nil {
		s.router.PathPrefix(endpoints.MountPrefix + "/").Handler(s.endpoints)
	}
}

// Router returns the configured router for mounting or testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// instrument records request latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.metrics.HTTPDuration.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
