// Package identity provides identity-resolution middleware for the admission
// pipeline.
//
// The middleware resolves who is making a request (from an API key header or
// a bearer token) and attaches the resolved identity id to the request
// context, where the admission key strategy picks it up for per-user quota
// keying. Resolution is not authorization: by default an unresolved request
// continues anonymously and is keyed by client IP instead.
package identity

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const identityKey contextKey = "identity_id"

// APIKeyResolver maps an API key to an identity id.
// Return ok=false for unknown keys.
type APIKeyResolver func(key string) (id string, ok bool)

// BearerResolver maps a bearer token to an identity id.
// Return ok=false for invalid tokens.
type BearerResolver func(token string) (id string, ok bool)

// APIKeyConfig configures the APIKey middleware.
type APIKeyConfig struct {
	Header   string
	Resolver APIKeyResolver
	Required bool
}

// APIKey returns middleware that resolves an identity from an API key header
// (default X-API-Key) and stores it in the request context. Requests without
// a resolvable key continue anonymously unless RequireAPIKey is set, in which
// case they are rejected with 401.
func APIKey(resolver APIKeyResolver, opts ...APIKeyOption) func(http.Handler) http.Handler {
	config := APIKeyConfig{
		Header:   "X-API-Key",
		Resolver: resolver,
	}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(config.Header)

			if key == "" {
				if config.Required {
					http.Error(w, "Missing API key", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, ok := config.Resolver(key)
			if !ok {
				if config.Required {
					http.Error(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*APIKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from.
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *APIKeyConfig) {
		c.Header = header
	}
}

// RequireAPIKey rejects requests whose key is missing or unresolvable.
func RequireAPIKey() APIKeyOption {
	return func(c *APIKeyConfig) {
		c.Required = true
	}
}

// BearerConfig configures the Bearer middleware.
type BearerConfig struct {
	Resolver BearerResolver
	Required bool
}

// Bearer returns middleware that resolves an identity from the Authorization
// header's bearer token and stores it in the request context. Requests
// without a resolvable token continue anonymously unless RequireBearer is
// set, in which case they are rejected with 401.
func Bearer(resolver BearerResolver, opts ...BearerOption) func(http.Handler) http.Handler {
	config := BearerConfig{
		Resolver: resolver,
	}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) || len(auth) == len(prefix) {
				if config.Required {
					http.Error(w, "Missing bearer token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, ok := config.Resolver(strings.TrimPrefix(auth, prefix))
			if !ok {
				if config.Required {
					http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// BearerOption configures Bearer middleware.
type BearerOption func(*BearerConfig)

// RequireBearer rejects requests whose token is missing or unresolvable.
func RequireBearer() BearerOption {
	return func(c *BearerConfig) {
		c.Required = true
	}
}

// WithIdentity returns a context carrying the resolved identity id.
// Use this to integrate an upstream auth layer that has already resolved the
// caller.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the resolved identity id from the request context.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey).(string)
	return id, ok && id != ""
}
