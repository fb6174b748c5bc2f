package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/stackbound/modhub/pkg/httputil"
	"github.com/stackbound/modhub/pkg/manifest"
	"github.com/stackbound/modhub/pkg/registry"
	"github.com/stackbound/modhub/pkg/security"
	"github.com/stackbound/modhub/pkg/storage"
)

const maxUploadMemory = 10 << 20

type registerRequest struct {
	Manifest      *manifest.ModuleManifest `json:"manifest"`
	PackageBase64 string                   `json:"package_base64,omitempty"`
}

type registerResponse struct {
	Module   *storage.Module    `json:"module"`
	Warnings []string           `json:"warnings,omitempty"`
	Findings []security.Finding `json:"findings,omitempty"`
}

// registerModule accepts either a JSON body with an inline manifest and
// base64 package, or a multipart form with "manifest" (YAML) and
// "package" files.
func (s *Server) registerModule(w http.ResponseWriter, r *http.Request) {
	m, pkg, err := parseRegisterRequest(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if m == nil {
		httputil.WriteBadRequest(w, "manifest is required")
		return
	}

	mod, result, err := s.service.RegisterModule(r.Context(), m, pkg)
	switch {
	case errors.Is(err, registry.ErrValidationFailed):
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "validation failed",
			"errors":   result.Errors,
			"warnings": result.Warnings,
			"findings": result.Findings,
		})
		return
	case errors.Is(err, storage.ErrDuplicate):
		httputil.WriteConflict(w, "a module with this name already exists")
		return
	case err != nil:
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, registerResponse{
		Module:   mod,
		Warnings: result.Warnings,
		Findings: result.Findings,
	})
}

func parseRegisterRequest(r *http.Request) (*manifest.ModuleManifest, []byte, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			return nil, nil, errors.New("invalid multipart form")
		}

		mf, _, err := r.FormFile("manifest")
		if err != nil {
			return nil, nil, errors.New("manifest file is required")
		}
		defer mf.Close()
		data, err := io.ReadAll(mf)
		if err != nil {
			return nil, nil, err
		}
		var m manifest.ModuleManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, nil, errors.New("manifest is not valid YAML")
		}

		var pkg []byte
		if pf, _, err := r.FormFile("package"); err == nil {
			defer pf.Close()
			if pkg, err = io.ReadAll(pf); err != nil {
				return nil, nil, err
			}
		}
		return &m, pkg, nil
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, errors.New("invalid JSON body")
	}
	var pkg []byte
	if req.PackageBase64 != "" {
		var err error
		pkg, err = base64.StdEncoding.DecodeString(req.PackageBase64)
		if err != nil {
			return nil, nil, errors.New("package_base64 is not valid base64")
		}
	}
	return req.Manifest, pkg, nil
}

func (s *Server) deprecateModule(w http.ResponseWriter, r *http.Request) {
	mod, err := s.service.DeprecateModule(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "module not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, mod)
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.service.ListModules(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"modules": mods, "count": len(mods)})
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	mod, err := s.service.GetModule(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "module not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, mod)
}
