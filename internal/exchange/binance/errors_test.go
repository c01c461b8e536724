package binance

import (
	"errors"
	"net"
	"net/url"
	"testing"

	"gridarena/pkg/apperrors"
	"gridarena/pkg/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProtocolError(t *testing.T) {
	err := normalizeError("placeOrder", &httpclient.APIError{
		StatusCode: 400,
		Body:       []byte(`{"code":-2019,"msg":"Margin is insufficient."}`),
	})

	var protoErr *apperrors.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, -2019, protoErr.Code)
	assert.Equal(t, "Margin is insufficient.", protoErr.Message)
}

func TestNormalizeRateLimit(t *testing.T) {
	for _, status := range []int{429, 418} {
		err := normalizeError("klines", &httpclient.APIError{StatusCode: status})
		var rlErr *apperrors.RateLimitError
		require.ErrorAs(t, err, &rlErr)
		assert.Equal(t, status, rlErr.StatusCode)
		assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	}
}

func TestNormalizeTransportError(t *testing.T) {
	err := normalizeError("account", errors.New("dial tcp: connection refused"))
	var trErr *apperrors.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "account", trErr.Op)
}

func TestIsConnectError(t *testing.T) {
	dialErr := &url.Error{
		Op:  "Post",
		URL: "https://example.test",
		Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")},
	}
	assert.True(t, isConnectError(dialErr))

	readErr := &url.Error{
		Op:  "Post",
		URL: "https://example.test",
		Err: &net.OpError{Op: "read", Err: errors.New("connection reset")},
	}
	assert.False(t, isConnectError(readErr), "a reset after send is ambiguous, never replayed")

	assert.False(t, isConnectError(errors.New("some other failure")))
}
