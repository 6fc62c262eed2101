package api

import (
	"context"
)

// uidContextKey is the context key for the authenticated uid.
type uidContextKey struct{}

// WithUID returns a new context carrying the authenticated uid.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidContextKey{}, uid)
}

// UIDFromContext returns the authenticated uid, or "" if the request
// did not pass AuthMiddleware.
func UIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(uidContextKey{}).(string)
	return uid
}
