package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// Role is the privilege level a request authenticated with.
type Role int

const (
	RoleAnonymous Role = iota
	RoleUser
	RoleAdmin
)

type roleKey struct{}

// RoleFrom returns the role Auth attached to ctx.
func RoleFrom(ctx context.Context) Role {
	r, _ := ctx.Value(roleKey{}).(Role)
	return r
}

// Auth validates a Bearer token or X-API-Key header against the user and
// admin keys and records the matching role on the request context. The admin
// key is accepted wherever the user key is. With both keys empty every
// request runs as admin.
func Auth(apiKey, adminKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && adminKey == "" {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, RoleAdmin)))
				return
			}

			token := extractToken(r)
			if token == "" && apiKey != "" {
				writeStatus(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			role := RoleAnonymous
			switch {
			case adminKey != "" && equal(token, adminKey):
				role = RoleAdmin
			case apiKey != "" && equal(token, apiKey):
				role = RoleUser
			case apiKey == "":
				// Only admin routes are protected.
				role = RoleUser
			default:
				logger.WarnContext(r.Context(), "rejected api token",
					slog.String("path", r.URL.Path),
					slog.String("client_ip", extractClientIP(r)),
				)
				writeStatus(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
		})
	}
}

// AdminOnly rejects requests Auth did not mark as admin.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RoleFrom(r.Context()) != RoleAdmin {
			writeStatus(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
