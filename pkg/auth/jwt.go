package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by kernel access tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	OrgID    string   `json:"org_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Issuer mints and validates HS256 access tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewIssuer builds an issuer. ttl defaults to 15 minutes.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: secret, ttl: ttl, clock: time.Now}
}

// WithClock overrides the time source. Test seam.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// TTL is the access-token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints an access token for the identity.
func (i *Issuer) Issue(id Identity) (string, error) {
	now := i.clock().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    "wmag",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		TenantID: id.TenantID,
		OrgID:    id.OrgID,
		Roles:    id.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Validate parses and verifies an access token.
func (i *Issuer) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.clock().UTC() }))
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}
