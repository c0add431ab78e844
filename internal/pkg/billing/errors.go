package billing

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrPaymentNotFound      = errors.New("billing: payment not found")
	ErrWebhookAuditNotFound = errors.New("billing: webhook audit event not found")

	ErrTerminalState     = errors.New("billing: subscription is canceled")
	ErrInvalidTransition = errors.New("billing: invalid subscription transition")

	// ErrNoMatch is returned by lookups that found nothing for the query.
	ErrNoMatch = errors.New("billing: no matching provider record")
	// ErrLookupUnsupported is returned by lookups a provider cannot answer.
	ErrLookupUnsupported = errors.New("billing: lookup not supported by provider")

	ErrUnknownProvider = errors.New("billing: unknown provider")
	ErrInvalidCheckout = errors.New("billing: invalid checkout")
	// ErrReplayRefused is returned when replaying a delivery that was rejected on receipt.
	ErrReplayRefused = errors.New("billing: delivery was rejected on receipt and cannot be replayed")
)

// AuthenticationError is a permanent webhook rejection: the signature did not
// verify.
type AuthenticationError struct {
	Provider string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s webhook authentication failed: %s", e.Provider, e.Reason)
}

// MalformedPayloadError is a permanent rejection of a payload that cannot be
// decoded into a provider event.
type MalformedPayloadError struct {
	Provider string
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("%s webhook payload malformed: %v", e.Provider, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// ProviderError wraps a failed call to a provider API.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed status=%d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the call may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

func IsAuthenticationError(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func IsMalformedPayload(err error) bool {
	var target *MalformedPayloadError
	return errors.As(err, &target)
}

func IsProviderError(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}
