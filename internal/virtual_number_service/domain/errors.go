package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnreachable covers network failures and 5xx/unexpected provider responses.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrInsufficientBalance is returned when the provider account cannot pay for a purchase.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrProductUnavailable is returned when no number is available for the selection.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrInvalidStateTransition is returned when an action does not fit the current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrUnauthorized is returned when the provider rejects the credentials.
	ErrUnauthorized = errors.New("provider unauthorized")
	// ErrNotFound indicates an unknown session or provider.
	ErrNotFound = errors.New("resource not found")
	// ErrPollInFlight is returned when a check is requested while one is outstanding.
	ErrPollInFlight = errors.New("status check already in flight")
)

// ProviderError carries the provider context of a gateway failure.
// It unwraps to one of the sentinel errors above.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Kind       error
	Detail     string
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// IsTransient reports whether err should be retried on the next poll tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnreachable)
}
