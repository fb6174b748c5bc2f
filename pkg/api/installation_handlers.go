package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/registry"
	"github.com/stackbound/modhub/pkg/storage"
)

type installRequest struct {
	CompanyID   string         `json:"company_id"`
	Config      map[string]any `json:"config,omitempty"`
	InstalledBy string         `json:"installed_by,omitempty"`
}

func (s *Server) installModule(w http.ResponseWriter, r *http.Request) {
	moduleID := mux.Vars(r)["id"]

	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.CompanyID == "" {
		httputil.WriteBadRequest(w, "company_id is required")
		return
	}

	inst, plan, err := s.service.InstallModule(r.Context(), moduleID, req.CompanyID, req.Config, req.InstalledBy)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteNotFoundError(w, "module not found")
		return
	case errors.Is(err, storage.ErrDuplicate):
		httputil.WriteConflict(w, "module already installed for this company")
		return
	case errors.Is(err, registry.ErrDeprecated):
		httputil.WriteConflict(w, "module is deprecated")
		return
	case errors.Is(err, registry.ErrUnresolvable):
		httputil.WriteJSON(w, http.StatusConflict, map[string]any{
			"error": "dependencies unresolvable",
			"plan":  plan,
		})
		return
	case err != nil:
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error":        err.Error(),
			"installation": inst,
		})
		return
	}

	httputil.WriteCreated(w, map[string]any{
		"installation": inst,
		"plan":         plan,
	})
}

func (s *Server) getInstallation(w http.ResponseWriter, r *http.Request) {
	inst, err := s.service.GetInstallation(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "installation not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, inst)
}

func (s *Server) uninstallModule(w http.ResponseWriter, r *http.Request) {
	err := s.service.UninstallModule(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "installation not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) reloadModule(w http.ResponseWriter, r *http.Request) {
	err := s.service.ReloadModule(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "installation not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) moduleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.service.ModuleHealth(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "installation not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, health)
}
