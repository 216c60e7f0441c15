package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialIO is fatal to the session-initialization attempt that hit it.
	ErrCredentialIO = errors.New("credential store i/o error")
	// ErrProviderUnavailable means the provider's transport cannot be reached at
	// all; no session state was created and the caller may retry.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrDeliveryFailed      = errors.New("delivery failed")
	// ErrSupervisorExhausted means the restart budget is spent and the embedded
	// runtime stays down until an operator restarts the host.
	ErrSupervisorExhausted = errors.New("supervisor restart budget exhausted")

	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidSessionKey = errors.New("invalid session key")
	ErrInvalidPayload    = errors.New("invalid message payload")
	ErrUnknownProvider   = errors.New("unknown provider kind")
)

// DeliveryError carries the provider-supplied reason for a failed send.
type DeliveryError struct {
	Reason string
	Err    error
}

func NewDeliveryError(reason string, err error) *DeliveryError {
	return &DeliveryError{Reason: reason, Err: err}
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDeliveryFailed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDeliveryFailed, e.Reason)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func NewCredentialIOError(op string, key SessionKey, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrCredentialIO, op, key, err)
}
