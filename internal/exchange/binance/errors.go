package binance

import (
	"encoding/json"
	"errors"
	"net"
	"net/url"

	"gridarena/pkg/apperrors"
	"gridarena/pkg/httpclient"
)

type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// normalizeError maps a gateway call failure onto the platform taxonomy:
// RateLimitError for 429/418, ProtocolError for any other well-formed
// rejection, TransportError for everything that failed before a response.
func normalizeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode == 418 {
			return &apperrors.RateLimitError{StatusCode: apiErr.StatusCode}
		}

		var body errorBody
		if jsonErr := json.Unmarshal(apiErr.Body, &body); jsonErr == nil && body.Code != 0 {
			return &apperrors.ProtocolError{Code: body.Code, Message: body.Msg}
		}
		return &apperrors.ProtocolError{Code: apiErr.StatusCode, Message: string(apiErr.Body)}
	}

	return &apperrors.TransportError{Op: op, Err: err}
}

// isConnectError reports whether the failure happened before the request
// could have been sent. Only these failures are safe to blindly retry on
// order-mutating endpoints.
func isConnectError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) && opErr.Op == "dial" {
			return true
		}
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
