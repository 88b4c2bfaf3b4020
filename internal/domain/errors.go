package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before any side effect.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks an illegal lifecycle call; no state change happened.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a concurrent update that invalidated the request.
	ErrConflict = errors.New("conflict")
	// ErrDeliveryExhausted marks a recipient for whom every channel and retry is spent.
	ErrDeliveryExhausted = errors.New("delivery exhausted")
)
