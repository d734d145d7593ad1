package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/wmag/pkg/auth"
)

// LoginRequest exchanges an API key for a token pair.
type LoginRequest struct {
	APIKey string `json:"api_key"`
}

// RefreshRequest rotates a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authSvc == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "authentication is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		WriteBadRequest(w, "missing api_key")
		return
	}
	pair, err := s.authSvc.Login(r.Context(), req.APIKey)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		WriteUnauthorized(w, "invalid credentials")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.authSvc == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "authentication is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		WriteBadRequest(w, "missing refresh_token")
		return
	}
	pair, err := s.authSvc.Refresh(r.Context(), req.RefreshToken)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		WriteUnauthorized(w, "invalid credentials")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.authSvc == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "authentication is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		WriteBadRequest(w, "missing refresh_token")
		return
	}
	if err := s.authSvc.Logout(r.Context(), req.RefreshToken); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
