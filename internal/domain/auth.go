package domain

import (
	"context"
	"time"
)

// AuthContext is derived from one validated credential and lives for a single call.
type AuthContext struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
	// Anonymous is set when authentication is disabled.
	Anonymous bool
}

// HasScope reports whether scope was granted.
func (a AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// WithAuthContext attaches an AuthContext to ctx.
func WithAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthContextFrom returns the AuthContext attached to ctx, if any.
func AuthContextFrom(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}
