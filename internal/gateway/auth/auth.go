// Package auth carries the gateway's two credential gates: bearer tokens or
// the session cookie for clients, API keys for host daemons.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sesshub/sesshub/internal/hubproto"
	"github.com/sesshub/sesshub/internal/identity"
)

// SessionCookie is the cookie browsers carry after signing in.
const SessionCookie = "sesshub_session"

type contextKey struct{}

// UserFromContext returns the authenticated user installed by RequireUser.
func UserFromContext(ctx context.Context) (identity.User, bool) {
	user, ok := ctx.Value(contextKey{}).(identity.User)
	return user, ok
}

// Credential extracts the client credential from a request. A bearer token
// in the Authorization header takes precedence over the session cookie.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// RequireUser rejects requests without a valid client credential with an
// AUTH_REQUIRED envelope.
func RequireUser(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := Credential(r)
			if token == "" {
				hubproto.WriteHTTPError(w, hubproto.AuthRequired())
				return
			}
			user, err := provider.VerifySession(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrUnknownCredential) {
					hubproto.WriteHTTPError(w, hubproto.AuthRequired())
					return
				}
				hubproto.WriteHTTPError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
		})
	}
}

// OptionalUser installs the user when a valid credential is present and
// passes the request through anonymously otherwise. Invalid credentials
// degrade to anonymous rather than 401.
func OptionalUser(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := Credential(r); token != "" {
				if user, err := provider.VerifySession(r.Context(), token); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), contextKey{}, user))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
