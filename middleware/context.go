package middleware

import (
	"context"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ClaimsKey is the context key for JWT claims
	ClaimsKey contextKey = "claims"

	// PrincipalKey is the context key for the resolved principal id
	PrincipalKey contextKey = "principal"
)

// Claims represents JWT claims extracted from the token
type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Exp  int64  `json:"exp"`
	Iat  int64  `json:"iat"`
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetPrincipalFromContext retrieves the resolved principal id. For
// unauthenticated requests this is the anon_<ip> identity set by the
// policy middleware.
func GetPrincipalFromContext(ctx context.Context) string {
	if val := ctx.Value(PrincipalKey); val != nil {
		if principal, ok := val.(string); ok {
			return principal
		}
	}
	return ""
}

// WithPrincipal adds the resolved principal id to the context
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}
