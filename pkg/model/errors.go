package model

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Error taxonomy. Concrete errors wrap one of these so callers can
// classify with errors.Is.
var (
	// ErrTransientBackend marks failures of the search, index or embedding
	// backend that may succeed on retry (unavailable, rate limited).
	ErrTransientBackend = errors.New("transient backend error")

	// ErrPermanentEvent marks events that can never be processed
	// (malformed, permanently rejected content).
	ErrPermanentEvent = errors.New("permanent event error")

	// ErrConfiguration marks missing or invalid startup configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrDeadlineExceeded marks a HOT path call that ran past its budget.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrMissingScope is returned by stores for calls without tenant or user.
	ErrMissingScope = errors.New("tenant and user scope required")

	// ErrQueueFull is returned when a partition cannot accept more events.
	ErrQueueFull = errors.New("queue partition full")
)

// Transient wraps err as a retryable backend failure.
func Transient(err error, msg string, opts ...goerr.Option) error {
	if err == nil {
		return nil
	}
	return goerr.Wrap(errors.Join(ErrTransientBackend, err), msg, opts...)
}

// Permanent wraps err as a non-retryable event failure.
func Permanent(err error, msg string, opts ...goerr.Option) error {
	if err == nil {
		return nil
	}
	return goerr.Wrap(errors.Join(ErrPermanentEvent, err), msg, opts...)
}

// IsTransient reports whether err should be retried.
//
// A deadline hit inside a backend call counts as transient. Cancellation of
// the caller's own context does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentEvent) {
		return false
	}
	return errors.Is(err, ErrTransientBackend) || errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err must go straight to the dead-letter sink.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}
