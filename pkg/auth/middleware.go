package auth

import (
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Middleware validates the access token and attaches the principal. The
// token comes from the Authorization header or, failing that, the
// access_token query parameter. public lists exact paths served without
// authentication; a nil issuer rejects every non-public request.
func Middleware(issuer *Issuer, public []string, reject func(w http.ResponseWriter, r *http.Request, detail string)) func(http.Handler) http.Handler {
	isPublic := func(path string) bool {
		for _, p := range public {
			if path == p {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if issuer == nil {
				reject(w, r, "authentication is not configured")
				return
			}
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				// EventSource cannot set headers; SSE clients pass the
				// token as a query parameter instead.
				raw = r.URL.Query().Get("access_token")
			}
			if raw == "" {
				reject(w, r, "missing bearer token")
				return
			}
			claims, err := issuer.Validate(raw)
			if err != nil {
				reject(w, r, "invalid token")
				return
			}
			p := Principal{
				UserID:   claims.Subject,
				TenantID: claims.TenantID,
				OrgID:    claims.OrgID,
				Roles:    claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequestID ensures every response carries an X-Request-ID, generating
// one when the caller did not send it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflight requests and sets origin headers. Allowed
// origins come from CORS_ORIGINS (comma separated); empty allows all.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
			for _, o := range strings.Split(origins, ",") {
				allowedOrigins = append(allowedOrigins, strings.TrimSpace(o))
			}
		}
	}
	allowed := func(origin string) bool {
		if len(allowedOrigins) == 0 {
			return true
		}
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
