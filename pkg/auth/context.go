package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// ErrNoPrincipal is returned when a request context carries no caller.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// WithPrincipal attaches the caller to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the caller from the context.
func PrincipalFrom(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
