// ABOUTME: Authentication context for carrying the caller's participant id
// ABOUTME: Provides WithAuth/FromContext for propagating identity via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	ParticipantID string
	DisplayName   string
	DevMode       bool // identity taken from a header, not a token
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
