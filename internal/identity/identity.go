// Package identity provides session token primitives.
//
// A token is an opaque, unguessable UUIDv4. Possessing it is the only
// credential a client needs.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TokenQueryParam is the query parameter clients pass their token in.
const TokenQueryParam = "token"

type contextKey int

const tokenKey contextKey = iota

// NewToken generates a fresh session token.
func NewToken() string {
	return uuid.NewString()
}

// TokenFromRequest extracts the trimmed token query parameter.
func TokenFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}

// TokenFromContext extracts the token injected by Middleware.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// WithToken returns a copy of ctx carrying token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// Middleware injects the request's token (possibly empty) into the context.
// It does not authenticate; handlers decide what a missing or unknown token
// means for them.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithToken(r.Context(), TokenFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
