// Package middleware holds the HTTP middleware shared by all API routes.
package middleware

import (
	"context"
	"net/http"
)

// Principal identifies the authenticated uploader. The collector sits
// behind an authenticating gateway that resolves the token and forwards
// the identity in headers.
type Principal struct {
	UserID   string
	Username string
}

type principalKey struct{}

// HeaderUserID and HeaderUsername are the identity headers the gateway
// injects after token validation.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUsername = "X-User-Name"
)

// RequirePrincipal rejects requests missing the gateway identity
// headers and stores the principal in the request context otherwise.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{
			UserID:   r.Header.Get(HeaderUserID),
			Username: r.Header.Get(HeaderUsername),
		}
		if p.UserID == "" || p.Username == "" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"title":"Unauthorized","status":401,"detail":"missing identity headers"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// PrincipalFrom returns the principal stored by RequirePrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
