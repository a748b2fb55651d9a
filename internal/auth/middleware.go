package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

type contextKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the caller, or nil for anonymous requests.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// OptionalAuth attaches the principal when a valid token is present and
// otherwise lets the request through as anonymous (read-only).
func (v *TokenVerifier) OptionalAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if p, err := v.Verify(TokenFromRequest(r)); err == nil {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next(w, r, ps)
	}
}
