package chi

import (
	"context"
	"net/http"
	"strings"
)

type ownerKey struct{}

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// ContextWithOwner stores the authenticated owner id in the context.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext extracts the authenticated owner id from the context.
// Returns "" when the request bypassed authentication.
func OwnerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok {
		return owner
	}
	return ""
}

// UserIDMiddleware returns a middleware that requires the X-User-ID
// header and places its value in the request context. Every document is
// scoped to this identity; there is no cross-owner access.
func UserIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exempt paths
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if owner == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing X-User-ID header")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithOwner(r.Context(), owner)))
		})
	}
}
