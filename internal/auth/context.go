// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides roles, WithAuth/FromContext and role checks for handlers

package auth

import (
	"context"
	"slices"
)

// Role is what a principal may do.
type Role string

const (
	// RoleObserver reports foreground focus changes.
	RoleObserver Role = "observer"
	// RolePrompter renders prompts and reports credentials.
	RolePrompter Role = "prompter"
	// RoleAdmin may do everything, including logout and status reads.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleObserver, RolePrompter, RoleAdmin:
		return true
	}
	return false
}

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	Role    Role
}

// Allows reports whether the principal holds one of roles. Admins hold every
// role.
func (a *AuthContext) Allows(roles ...Role) bool {
	if a == nil {
		return false
	}
	return a.Role == RoleAdmin || slices.Contains(roles, a.Role)
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
