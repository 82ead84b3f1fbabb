// Package middleware provides HTTP middleware for the chat gateway.
package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	allowedMethods = "GET, POST, OPTIONS"
	defaultHeaders = "Content-Type, Authorization"
)

// CORS returns middleware that handles CORS headers. An entry of "*" allows
// any origin; credentials are only allowed for explicitly listed origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := origin != "" && slices.Contains(allowedOrigins, origin)

			if origin != "" && (wildcard || explicit) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", allowedMethods)

				headers := defaultHeaders
				if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
					headers = strings.TrimSpace(requested)
				}
				h.Set("Access-Control-Allow-Headers", headers)

				// A wildcard-echoed origin with credentials enables CSRF.
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
