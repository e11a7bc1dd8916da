package services

import (
	"errors"
	"fmt"
)

var (
	ErrDonationNotFound = errors.New("donation not found")
	ErrInvalidCallback  = errors.New("invalid provider callback payload")
	ErrPollTimeout      = errors.New("settlement poll timed out")

	// ErrOutcomeUnknown marks a provider call that may have been acted on even though no usable reply came back.
	ErrOutcomeUnknown = errors.New("provider outcome unknown")
)

// ValidationError is returned for bad initiation input. No record exists when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ProviderAuthError means the credential exchange with a provider failed.
type ProviderAuthError struct {
	Provider string
	Err      error
}

func (e *ProviderAuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *ProviderAuthError) Unwrap() error {
	return e.Err
}

// ProviderRequestError means the provider rejected a request or answered with something unusable.
type ProviderRequestError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderRequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if errors.Is(e.Err, ErrOutcomeUnknown) {
		return fmt.Sprintf("%s request outcome unknown: %s", e.Provider, msg)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s request rejected (%s): %s", e.Provider, e.Code, msg)
	}
	return fmt.Sprintf("%s request rejected: %s", e.Provider, msg)
}

func (e *ProviderRequestError) Unwrap() error {
	return e.Err
}

// PollTimeoutError is returned when the poll loop exhausts its attempts. The donation stays pending.
type PollTimeoutError struct {
	CorrelationID string
	Attempts      int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("no terminal result for %s after %d attempts", e.CorrelationID, e.Attempts)
}

func (e *PollTimeoutError) Is(target error) bool {
	return target == ErrPollTimeout
}

func validationErr(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
