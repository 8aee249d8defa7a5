package errs

import (
	"errors"
)

// Error classes shared across packages. Wrap with fmt.Errorf("...: %w") and
// test with errors.Is.
var (
	// ErrTransport marks a provider-level send failure. It is recorded as a
	// failed attempt and never aborts a tick.
	ErrTransport = errors.New("mail transport failed")
	// ErrPersistence marks a store write or read failure.
	ErrPersistence = errors.New("persistence failed")
	// ErrConfiguration marks invalid configuration or an invalid stored
	// descriptor such as a non-positive recurrence interval.
	ErrConfiguration = errors.New("invalid configuration")

	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("record changed concurrently")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidParameter  = errors.New("invalid parameter")
)
