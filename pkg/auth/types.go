// Package auth implements the kernel's authentication surface: API-key
// login exchanging for short-lived HS256 JWTs, refresh-token sessions
// persisted in the store, and the HTTP middleware that puts the caller's
// principal on the request context.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
)

// Identity is what an API key resolves to.
type Identity struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	OrgID    string   `json:"org_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID   string
	TenantID string
	OrgID    string
	Roles    []string
}

// HasRole reports whether the principal carries the role. The "admin"
// role implies everything.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

// APIKeys maps raw API keys to identities.
type APIKeys map[string]Identity

// APIKeysFromEnv parses API_KEYS_JSON, a JSON object of key to identity.
func APIKeysFromEnv() (APIKeys, error) {
	raw := os.Getenv("API_KEYS_JSON")
	if raw == "" {
		return APIKeys{}, nil
	}
	var keys APIKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("auth: parsing API_KEYS_JSON: %w", err)
	}
	return keys, nil
}
