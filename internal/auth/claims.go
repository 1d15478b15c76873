// Package auth binds the platform bearer-token verifier to this service's
// routes and scopes.
package auth

import (
	"context"

	authlib "example.com/trisync/internal/platform/auth"
)

// Claims mirrors the platform claims type for service convenience.
type Claims = authlib.Claims

// Config mirrors the platform verifier config.
type Config = authlib.Config

// WithClaims stores the claims in the request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return authlib.WithClaims(ctx, claims)
}

// FromContext retrieves claims from context.
func FromContext(ctx context.Context) (*Claims, bool) {
	return authlib.FromContext(ctx)
}
