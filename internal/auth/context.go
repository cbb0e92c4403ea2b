package auth

import "context"

type identityContextKey struct{}

// WithIdentity attaches the resolved caller to the context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the caller resolved by the middleware.
// Requests that never passed through it resolve to Anonymous.
func IdentityFromContext(ctx context.Context) Identity {
	if identity, ok := ctx.Value(identityContextKey{}).(Identity); ok {
		return identity
	}
	return Anonymous
}
