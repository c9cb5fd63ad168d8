package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProviderVerifyAPIKey(t *testing.T) {
	p := NewStaticProvider([]StaticKey{
		{APIKey: "key-alpha", HostID: "h1", UserID: "u1"},
		{APIKey: "key-beta", HostID: "h2", UserID: "u2"},
	}, nil)

	t.Run("known key", func(t *testing.T) {
		host, err := p.VerifyAPIKey(context.Background(), "key-beta")
		require.NoError(t, err)
		assert.Equal(t, "h2", host.HostID)
		assert.Equal(t, "u2", host.UserID)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := p.VerifyAPIKey(context.Background(), "key-gamma")
		assert.ErrorIs(t, err, ErrUnknownCredential)
	})

	t.Run("empty key never matches", func(t *testing.T) {
		p := NewStaticProvider([]StaticKey{{APIKey: "", HostID: "h1", UserID: "u1"}}, nil)
		_, err := p.VerifyAPIKey(context.Background(), "")
		assert.ErrorIs(t, err, ErrUnknownCredential)
	})
}

func TestStaticProviderVerifySession(t *testing.T) {
	p := NewStaticProvider(nil, []StaticToken{
		{Token: "tok-1", UserID: "u1"},
	})

	t.Run("known token", func(t *testing.T) {
		user, err := p.VerifySession(context.Background(), "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", user.UserID)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := p.VerifySession(context.Background(), "tok-2")
		assert.ErrorIs(t, err, ErrUnknownCredential)
	})
}
