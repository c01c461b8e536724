package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// Signer signs USD-M futures requests: the full query string is HMAC-SHA256
// signed with the account secret, a millisecond timestamp is mandatory, and
// the signature must be the final parameter.
type Signer struct {
	apiKey       string
	secretKey    string
	recvWindowMs int
	now          func() time.Time
}

// NewSigner creates a request signer
func NewSigner(apiKey, secretKey string, recvWindowMs int) *Signer {
	return &Signer{
		apiKey:       apiKey,
		secretKey:    secretKey,
		recvWindowMs: recvWindowMs,
		now:          time.Now,
	}
}

// SignRequest implements httpclient.Signer
func (s *Signer) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	if s.recvWindowMs > 0 {
		q.Set("recvWindow", strconv.Itoa(s.recvWindowMs))
	}

	payload := q.Encode()
	req.URL.RawQuery = payload + "&signature=" + s.sign(payload)
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
