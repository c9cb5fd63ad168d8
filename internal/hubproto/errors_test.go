package hubproto

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelopeRoundTrip(t *testing.T) {
	in := ValidationError("missing field %q", "sessionId")
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Error
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, CodeRequestValidationFailed, out.Code)
	assert.Equal(t, ScopeRequest, out.Scope)
	assert.Equal(t, `missing field "sessionId"`, out.Message)
	assert.False(t, out.Retryable)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{RegistrationError("dup"), http.StatusBadRequest},
		{AuthRequired(), http.StatusUnauthorized},
		{InvalidKey(), http.StatusUnauthorized},
		{AuthorizationError("not yours"), http.StatusForbidden},
		{SessionNotFoundError("s1"), http.StatusNotFound},
		{CapabilityNotSupported("load"), http.StatusConflict},
		{TimeoutError("session:create"), http.StatusGatewayTimeout},
		{InternalError("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	err := TimeoutError("message:send")
	assert.True(t, err.Retryable)
	assert.Equal(t, ScopeTransport, err.Scope)
}

func TestAsError(t *testing.T) {
	t.Run("unwraps through fmt chain", func(t *testing.T) {
		wrapped := fmt.Errorf("routing request: %w", SessionNotFoundError("s1"))
		got := AsError(wrapped)
		assert.Equal(t, CodeSessionNotFound, got.Code)
	})

	t.Run("plain errors map to internal", func(t *testing.T) {
		got := AsError(assert.AnError)
		assert.Equal(t, CodeInternalError, got.Code)
		assert.Equal(t, ScopeService, got.Scope)
		assert.Contains(t, got.Message, assert.AnError.Error())
	})
}
