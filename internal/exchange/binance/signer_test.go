package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRequestAppendsSignatureLast(t *testing.T) {
	signer := NewSigner("test-key", "test-secret", 5000)
	signer.now = func() time.Time { return time.UnixMilli(1700000000000) }

	req, err := http.NewRequest(http.MethodPost, "https://example.test/fapi/v1/order?symbol=BTCUSDT&side=BUY", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req))

	raw := req.URL.RawQuery
	idx := strings.Index(raw, "&signature=")
	require.Greater(t, idx, 0, "signature must be present")
	assert.NotContains(t, raw[idx+1:], "&", "signature must be the final parameter")

	payload := raw[:idx]
	assert.Contains(t, payload, "timestamp=1700000000000")
	assert.Contains(t, payload, "recvWindow=5000")
	assert.Contains(t, payload, "symbol=BTCUSDT")

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, "signature="+want, raw[idx+1:])

	assert.Equal(t, "test-key", req.Header.Get("X-MBX-APIKEY"))
}

func TestSignRequestIsDeterministicForFixedClock(t *testing.T) {
	mk := func() string {
		signer := NewSigner("k", "s", 0)
		signer.now = func() time.Time { return time.UnixMilli(42) }
		req, _ := http.NewRequest(http.MethodGet, "https://example.test/fapi/v2/account", nil)
		_ = signer.SignRequest(req)
		return req.URL.RawQuery
	}
	assert.Equal(t, mk(), mk())
}
