package api

import (
	"encoding/json"
	"net/http"

	"github.com/Mindburn-Labs/wmag/pkg/auth"
)

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "missing principal")
		return false
	}
	if !p.HasRole("admin") {
		WriteForbidden(w, "admin role required")
		return false
	}
	return true
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "registry is read-only in this deployment")
		return
	}
	raw, err := s.admin.Base()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handlePutRegistry(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "registry is read-only in this deployment")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := s.admin.SetBase(raw); err != nil {
		WriteBadRequest(w, "registry rejected: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// handleEffectiveRegistry returns the caller's merged registry view.
func (s *Server) handleEffectiveRegistry(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "missing principal")
		return
	}
	snap, err := s.provider.Effective(r.Context(), p.OrgID, p.TenantID, p.UserID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if snap.Raw != nil {
		writeJSON(w, http.StatusOK, snap.Raw)
		return
	}
	writeJSON(w, http.StatusOK, snap.Doc)
}
