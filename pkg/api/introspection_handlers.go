package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stackbound/modhub/pkg/endpoints"
	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/storage"
)

func (s *Server) moduleEndpoints(w http.ResponseWriter, r *http.Request) {
	mod, err := s.service.GetModule(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "module not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	infos, mounted := s.endpoints.ModuleEndpoints(mod.Name)
	if infos == nil {
		infos = []endpoints.EndpointInfo{}
	}
	httputil.WriteSuccess(w, map[string]any{
		"module":    mod.Name,
		"mounted":   mounted,
		"endpoints": infos,
	})
}

func (s *Server) moduleOpenAPI(w http.ResponseWriter, r *http.Request) {
	mod, err := s.service.GetModule(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "module not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	fragment, ok := s.endpoints.OpenAPIFragment(mod.Name)
	if !ok {
		httputil.WriteNotFoundError(w, "module has no mounted endpoints")
		return
	}
	httputil.WriteSuccess(w, fragment)
}
