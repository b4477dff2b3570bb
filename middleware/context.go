package middleware

import (
	"context"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// IdentityKey is the context key for the verified request identity
	IdentityKey contextKey = "identity"
)

// Identity is who issued the request, as asserted by the upstream gateway
// token or, in development, by trusted headers. The service never mints
// identities; it only consumes them.
type Identity struct {
	// UserID is the human (or service account) behind the request
	UserID string

	// ConstructID is set when the request was made on behalf of a construct
	ConstructID string

	// Runner is true for requests authenticated with the runner token
	Runner bool

	// RunnerID identifies the reporting runner instance
	RunnerID string
}

// Actor returns the identity string used for audit attribution
func (i Identity) Actor() string {
	if i.Runner {
		return i.RunnerID
	}
	return i.UserID
}

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetIdentityFromContext retrieves the verified identity from context
func GetIdentityFromContext(ctx context.Context) *Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*Identity); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds a verified identity to the context
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}
