package exchange

import (
	"errors"
	"fmt"
)

// ErrAlreadyRedeemed reports that the position's payout was claimed by an
// earlier call. Callers treat it as success, not failure.
var ErrAlreadyRedeemed = errors.New("exchange: already redeemed")

// NetworkError is a transient transport-level failure (timeouts, connection
// resets, 5xx, rate limiting). Safe to retry with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("exchange: %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a business error reported by the exchange (insufficient balance,
// invalid order, market closed). Not retryable; surfaced to the operator.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: api error %d (%s): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange: api error %d: %s", e.Status, e.Msg)
}

// AuthError is an authentication/authorization failure. Fatal for the worker;
// never retried, retrying amplifies lockouts.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("exchange: auth error %d: %s", e.Status, e.Msg)
}

// IsTransient reports whether err is retryable with backoff.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
