package domain

import "errors"

// Token guard failures. Non-retryable: the candidate has to request a new invitation.
var (
	ErrTokenExpired  = errors.New("invitation token expired")
	ErrTokenReplayed = errors.New("invitation token already used")
	ErrTokenUnknown  = errors.New("invitation token unknown")
)

// Ingestion anomalies. Logged and discarded, never fatal.
var (
	ErrUnknownCall        = errors.New("unknown call")
	ErrOutOfOrderEvent    = errors.New("out of order event")
	ErrProviderIDConflict = errors.New("provider call id conflict")
)

// ErrProviderUnavailable is returned when a provider cannot create a call.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrBookingConflict means the slot was taken concurrently.
var ErrBookingConflict = errors.New("booking conflict")
