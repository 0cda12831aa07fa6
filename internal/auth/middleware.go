// Package auth guards the HTTP endpoints with a static API key.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const ctxRemoteIP contextKey = iota

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that requires
// "Authorization: Bearer <apiKey>". An empty apiKey disables the check
// but the client IP is still recorded in the request context.
func Middleware(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	// Both sides are hashed so the comparison is constant time regardless
	// of length.
	want := sha256.Sum256([]byte(apiKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if apiKey != "" {
				authHeader := r.Header.Get("Authorization")

				if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
					logger.Debug("middleware: no bearer token",
						slog.String("ip", ip),
						slog.String("path", r.URL.Path),
					)
					w.Header().Set("WWW-Authenticate", "Bearer")
					w.WriteHeader(http.StatusUnauthorized)

					return
				}

				got := sha256.Sum256([]byte(strings.TrimPrefix(authHeader, "Bearer ")))
				if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
					logger.Debug("middleware: invalid API key",
						slog.String("ip", ip),
						slog.String("path", r.URL.Path),
					)
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
					w.WriteHeader(http.StatusUnauthorized)

					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
