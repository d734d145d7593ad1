package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/wmag/pkg/auth"
	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/ratelimit"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
	"github.com/Mindburn-Labs/wmag/pkg/store"
	"github.com/Mindburn-Labs/wmag/pkg/stream"
)

// RegistryAdmin is the writable registry surface, satisfied by
// *registry.FSProvider. Nil when the deployment serves a static registry.
type RegistryAdmin interface {
	Base() (map[string]any, error)
	SetBase(raw map[string]any) error
}

// Refresher refreshes read-model projections on demand, satisfied by
// *store.MVRefresher. Nil on the memory store.
type Refresher interface {
	RefreshOnce(ctx context.Context) error
}

// Server is the kernel HTTP API.
type Server struct {
	store     store.Store
	hub       *stream.Hub
	provider  registry.Provider
	admin     RegistryAdmin
	authSvc   *auth.Service
	issuer    *auth.Issuer
	limiter   *ratelimit.Limiter
	keyring   *hashchain.Keyring
	refresher Refresher
	heartbeat time.Duration
	logger    *slog.Logger
}

// Options carries the server's optional collaborators.
type Options struct {
	RegistryAdmin RegistryAdmin
	AuthService   *auth.Service
	Issuer        *auth.Issuer
	Limiter       *ratelimit.Limiter
	Keyring       *hashchain.Keyring
	Refresher     Refresher
	// Heartbeat is the SSE keepalive interval.
	Heartbeat time.Duration
}

// NewServer wires the API.
func NewServer(st store.Store, hub *stream.Hub, provider registry.Provider, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Server{
		store:     st,
		hub:       hub,
		provider:  provider,
		admin:     opts.RegistryAdmin,
		authSvc:   opts.AuthService,
		issuer:    opts.Issuer,
		limiter:   opts.Limiter,
		keyring:   opts.Keyring,
		refresher: opts.Refresher,
		heartbeat: opts.Heartbeat,
		logger:    logger,
	}
}

// publicPaths are served without authentication.
var publicPaths = []string{
	"/health",
	"/v1/auth/login",
	"/v1/auth/refresh",
}

// Handler builds the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/auth/logout", s.handleLogout)

	mux.HandleFunc("POST /v1/missions", s.withCap(capRunsWrite, s.handleCreateMission))
	mux.HandleFunc("GET /v1/runs", s.withCap(capRunsRead, s.handleListRuns))
	mux.HandleFunc("GET /v1/runs/{id}", s.withCap(capRunsRead, s.handleGetRun))
	mux.HandleFunc("PATCH /v1/runs/{id}", s.withCap(capRunsWrite, s.handlePatchRun))
	mux.HandleFunc("GET /v1/runs/{id}/events", s.withCap(capRunsRead, s.handleRunEvents))
	mux.HandleFunc("GET /v1/runs/{id}/export", s.withCap(capRunsRead, s.handleRunExport))
	mux.HandleFunc("GET /v1/runs/{id}/verify", s.withCap(capRunsRead, s.handleRunVerify))
	mux.HandleFunc("GET /v1/runs/{id}/subscribe", s.withCap(capRunsRead, s.handleSubscribe))
	mux.HandleFunc("POST /v1/runs/{id}/approve", s.withCap(capApprovalsWrite, s.handleApproval))

	mux.HandleFunc("GET /v1/approvals", s.withCap(capRunsRead, s.handleListApprovals))

	mux.HandleFunc("GET /v1/registry", s.withCap(capRegistryRead, s.handleGetRegistry))
	mux.HandleFunc("PUT /v1/registry", s.withCap(capRegistryWrite, s.handlePutRegistry))
	mux.HandleFunc("GET /v1/registry/effective", s.withCap(capRegistryRead, s.handleEffectiveRegistry))

	mux.HandleFunc("GET /v1/admin/audit-keys", s.handleListAuditKeys)
	mux.HandleFunc("POST /v1/admin/audit-keys/rotate", s.handleRotateAuditKey)
	mux.HandleFunc("POST /v1/admin/refresh-views", s.handleRefreshViews)

	reject := func(w http.ResponseWriter, r *http.Request, detail string) {
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", detail)
	}

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = auth.Middleware(s.issuer, publicPaths, reject)(h)
	h = auth.CORS(nil)(h)
	h = auth.RequestID(h)
	return h
}

// Route capabilities, granted through registry roles.
const (
	capRunsRead       = "runs:read"
	capRunsWrite      = "runs:write"
	capApprovalsWrite = "approvals:write"
	capRegistryRead   = "registry:read"
	capRegistryWrite  = "registry:write"
)

// withCap enforces a capability resolved from the caller's effective
// registry roles. The admin role implies every capability.
func (s *Server) withCap(capability string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.PrincipalFrom(r.Context())
		if err != nil {
			WriteUnauthorized(w, "missing principal")
			return
		}
		if !p.HasRole("admin") {
			snap, err := s.provider.Effective(r.Context(), p.OrgID, p.TenantID, p.UserID)
			if err != nil {
				WriteInternal(w, err)
				return
			}
			if !snap.Doc.Capabilities(p.Roles)[capability] {
				WriteForbidden(w, "missing capability "+capability)
				return
			}
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// rateLimit applies the tenant/org/user fixed-window limits from the
// caller's effective registry. No limiter configured means no limits.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := auth.PrincipalFrom(r.Context())
		if err != nil {
			// Unauthenticated paths are not rate limited per tenant.
			next.ServeHTTP(w, r)
			return
		}
		snap, err := s.provider.Effective(r.Context(), p.OrgID, p.TenantID, p.UserID)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		limits := snap.Doc.Limits
		decision, err := s.limiter.Allow(r.Context(), []ratelimit.Scope{
			{Name: ratelimit.ScopeTenant, ID: p.TenantID, RPM: limits.TenantRPM},
			{Name: ratelimit.ScopeOrg, ID: p.OrgID, RPM: limits.OrgRPM},
			{Name: ratelimit.ScopeUser, ID: p.UserID, RPM: limits.UserRPM},
		})
		if err != nil {
			WriteInternal(w, err)
			return
		}
		if !decision.Allowed {
			WriteTooManyRequests(w, 60, "rate limit exceeded for "+decision.Scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}
