package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload marks input rejected before any state change.
	ErrMalformedPayload = errors.New("billing: malformed payload")
	// ErrSignatureInvalid marks a push whose authenticity could not be proven.
	ErrSignatureInvalid = errors.New("billing: signature invalid")
	// ErrUnsupportedKind marks notifications that are acknowledged and dropped.
	ErrUnsupportedKind = errors.New("billing: unsupported notification kind")
	// ErrProviderUnavailable marks transient provider failures; the
	// idempotency key is left unclaimed so the work can be retried.
	ErrProviderUnavailable = errors.New("billing: provider unavailable")
	// ErrDeferred wraps a processing failure whose event was handed to the
	// Deferrer for a later run.
	ErrDeferred = errors.New("billing: event deferred")
	// ErrSubscriptionNotFound is returned by gateways when the provider does
	// not know the referenced subscription.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	// ErrCancelUnsupported is returned by gateways that cannot cancel
	// subscriptions server-side.
	ErrCancelUnsupported = errors.New("billing: cancellation not supported by provider")
	// ErrAttestationUnsupported is returned by gateways without an integrity API.
	ErrAttestationUnsupported = errors.New("billing: attestation not supported by provider")
	// ErrAlreadyCommitted is returned by the writer when another run committed
	// the same idempotency key first.
	ErrAlreadyCommitted = errors.New("billing: idempotency key already committed")
	// ErrIdentityConflict is returned when a payer identity is already bound
	// to another user with an active entitlement.
	ErrIdentityConflict = errors.New("billing: payer identity bound to another user")
)

// ConflictError carries the user that already holds the payer identity.
type ConflictError struct {
	PayerIdentity     string
	ConflictingUserID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("billing: payer identity %q already bound to user %s", e.PayerIdentity, e.ConflictingUserID)
}

func (e *ConflictError) Unwrap() error { return ErrIdentityConflict }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
