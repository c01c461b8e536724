package apperrors

import (
	"errors"
	"fmt"
)

// Standardized exchange and platform errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrNotFound              = errors.New("not found")
	ErrProviderUnavailable   = errors.New("decision provider unavailable")
)

// ProtocolError is a well-formed exchange rejection: the request reached the
// exchange and was refused with a machine-readable code.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// TransportError is a failure before a well-formed response arrived. The
// request may or may not have reached the exchange.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError carries the HTTP status that triggered throttling (429) or
// an IP ban (418).
type RateLimitError struct {
	StatusCode int
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// ResponseParseError wraps an unparseable decision-provider reply. The raw
// text is preserved for the decision record.
type ResponseParseError struct {
	Raw    string
	Reason string
}

func (e *ResponseParseError) Error() string {
	return fmt.Sprintf("unparseable provider response: %s", e.Reason)
}

// ValidationError reports a rejected configuration or request field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s=%v: %s", e.Field, e.Value, e.Message)
}

// InvariantViolation signals internal state that should be impossible. It is
// logged and surfaced, never silently repaired.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated (%s): %s", e.Invariant, e.Detail)
}
