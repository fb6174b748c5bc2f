package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/storage"
)

func (s *Server) analyzeDependencies(w http.ResponseWriter, r *http.Request) {
	moduleID := mux.Vars(r)["id"]
	companyID := r.URL.Query().Get("company_id")

	plan, err := s.service.AnalyzeDependencies(r.Context(), moduleID, companyID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "module not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

type conflictsRequest struct {
	ModuleIDs []string `json:"module_ids"`
	CompanyID string   `json:"company_id,omitempty"`
}

func (s *Server) detectConflicts(w http.ResponseWriter, r *http.Request) {
	var req conflictsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.ModuleIDs) == 0 {
		httputil.WriteBadRequest(w, "module_ids is required")
		return
	}

	conflicts, err := s.service.DetectConflicts(r.Context(), req.ModuleIDs, req.CompanyID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "one or more modules not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}
