package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleListAuditKeys(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.keyring == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "audit keyring is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_kid": s.keyring.ActiveKID(),
		"keys":       s.keyring.Keys(),
	})
}

// RotateKeyRequest adds or activates a signing key.
type RotateKeyRequest struct {
	KID        string `json:"kid"`
	Secret     string `json:"secret"`
	MakeActive bool   `json:"make_active"`
}

func (s *Server) handleRotateAuditKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.keyring == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "audit keyring is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := s.keyring.Rotate(req.KID, req.Secret, req.MakeActive); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.store.SaveAuditKeys(r.Context(), s.keyring.Export()); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_kid": s.keyring.ActiveKID(),
		"keys":       s.keyring.Keys(),
	})
}

func (s *Server) handleRefreshViews(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.refresher == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "read models are not materialized in this deployment")
		return
	}
	if err := s.refresher.RefreshOnce(r.Context()); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed"})
}
