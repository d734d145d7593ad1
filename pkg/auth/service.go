package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/wmag/pkg/store"
)

// ErrInvalidCredentials covers unknown API keys and unknown or expired
// refresh tokens. Callers map it to 401 without leaking which.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// TokenPair is the login/refresh response.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Service exchanges API keys for token pairs and rotates refresh tokens.
type Service struct {
	keys       APIKeys
	issuer     *Issuer
	store      store.Store
	refreshTTL time.Duration
	clock      func() time.Time
}

// NewService wires the auth service. refreshTTL defaults to 30 days.
func NewService(keys APIKeys, issuer *Issuer, st store.Store, refreshTTL time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Service{keys: keys, issuer: issuer, store: st, refreshTTL: refreshTTL, clock: time.Now}
}

// WithClock overrides the time source. Test seam.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Login exchanges an API key for a token pair and opens a session.
func (s *Service) Login(ctx context.Context, apiKey string) (*TokenPair, error) {
	id, ok := s.keys[apiKey]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return s.issuePair(ctx, id)
}

// Refresh rotates a refresh token: the old session is deleted and a new
// pair is issued. A reused token therefore fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sess, err := s.store.GetSession(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: loading session: %w", err)
	}
	if s.clock().UTC().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, refreshToken)
		return nil, ErrInvalidCredentials
	}
	if err := s.store.DeleteSession(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("auth: rotating session: %w", err)
	}
	return s.issuePair(ctx, Identity{
		UserID: sess.UserID, TenantID: sess.TenantID, OrgID: sess.OrgID, Roles: sess.Roles,
	})
}

// Logout deletes the session behind a refresh token. Unknown tokens are
// not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	err := s.store.DeleteSession(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) issuePair(ctx context.Context, id Identity) (*TokenPair, error) {
	access, err := s.issuer.Issue(id)
	if err != nil {
		return nil, fmt.Errorf("auth: signing access token: %w", err)
	}
	refresh := "rt_" + uuid.NewString()
	sess := &store.Session{
		SessionID:    "sess_" + uuid.NewString(),
		UserID:       id.UserID,
		TenantID:     id.TenantID,
		OrgID:        id.OrgID,
		Roles:        id.Roles,
		RefreshToken: refresh,
		ExpiresAt:    s.clock().UTC().Add(s.refreshTTL),
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("auth: saving session: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.issuer.TTL().Seconds()),
	}, nil
}
