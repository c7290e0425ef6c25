// Package auth verifies request identity. Three modes: disabled (every
// request is "anonymous"), jwks (bearer JWTs against a remote key set) and
// secret (bearer JWTs against a shared HMAC secret). The resolved identity
// is the owner string every repository scopes by.
package auth

import "context"

// AnonymousSubject is the identity of every request when auth is disabled.
const AnonymousSubject = "anonymous"

// Identity is a verified caller.
type Identity struct {
	// Subject is the resolved owner identity (the configured identity
	// claim, "sub" by default).
	Subject string

	// Email is carried along when the token provides it.
	Email string

	// Claims holds the token's private claims for downstream consumers
	// (MCP token exchange forwards some of them).
	Claims map[string]any
}

// Anonymous returns the identity used when verification is disabled.
func Anonymous() *Identity {
	return &Identity{Subject: AnonymousSubject}
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	identityContextKey contextKey = "strand_identity"
	rawTokenContextKey contextKey = "strand_raw_token"
)

// ContextWithIdentity returns a new context carrying the identity.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext extracts the verified identity, nil if absent.
func IdentityFromContext(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return identity
	}
	return nil
}

// OwnerFromContext returns the owner string for repository scoping.
// Falls back to anonymous so storage predicates never see an empty owner.
func OwnerFromContext(ctx context.Context) string {
	if identity := IdentityFromContext(ctx); identity != nil && identity.Subject != "" {
		return identity.Subject
	}
	return AnonymousSubject
}

// ContextWithBearerToken carries the caller's raw bearer token through the
// request. The MCP token exchange forwards it to servers that require auth;
// nothing else should read it.
func ContextWithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, rawTokenContextKey, token)
}

// BearerTokenFromContext returns the raw bearer token set by the auth
// middleware, empty when the request carried none.
func BearerTokenFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(rawTokenContextKey).(string); ok {
		return token
	}
	return ""
}
