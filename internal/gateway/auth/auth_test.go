package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sesshub/sesshub/internal/hubproto"
	"github.com/sesshub/sesshub/internal/identity"
)

func provider() identity.Provider {
	return identity.NewStaticProvider(nil, []identity.StaticToken{
		{Token: "tok-good", UserID: "u1"},
	})
}

// echoUser answers with the authenticated user id, or "anonymous".
func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := UserFromContext(r.Context()); ok {
			w.Write([]byte(user.UserID))
			return
		}
		w.Write([]byte("anonymous"))
	})
}

func get(t *testing.T, h http.Handler, prep func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	if prep != nil {
		prep(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func requireAuthRequired(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var env hubproto.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, hubproto.CodeAuthRequired, env.Error.Code)
}

func TestRequireUser(t *testing.T) {
	h := RequireUser(provider())(echoUser())

	t.Run("missing credential", func(t *testing.T) {
		requireAuthRequired(t, get(t, h, nil))
	})

	t.Run("unknown bearer", func(t *testing.T) {
		requireAuthRequired(t, get(t, h, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer nope")
		}))
	})

	t.Run("valid bearer", func(t *testing.T) {
		rec := get(t, h, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer tok-good")
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", rec.Body.String())
	})

	t.Run("valid cookie", func(t *testing.T) {
		rec := get(t, h, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "tok-good"})
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", rec.Body.String())
	})

	t.Run("bearer outranks cookie", func(t *testing.T) {
		rec := get(t, h, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer nope")
			r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "tok-good"})
		})
		requireAuthRequired(t, rec)
	})

	t.Run("non-bearer authorization ignored", func(t *testing.T) {
		rec := get(t, h, func(r *http.Request) {
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "tok-good"})
		})
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestOptionalUser(t *testing.T) {
	h := OptionalUser(provider())(echoUser())

	t.Run("missing credential passes through", func(t *testing.T) {
		rec := get(t, h, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "anonymous", rec.Body.String())
	})

	t.Run("invalid credential degrades to anonymous", func(t *testing.T) {
		rec := get(t, h, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer nope")
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "anonymous", rec.Body.String())
	})

	t.Run("valid bearer installs the user", func(t *testing.T) {
		rec := get(t, h, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer tok-good")
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", rec.Body.String())
	})
}
