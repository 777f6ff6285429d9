package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConfiguration    = errors.New("channel not configured")
	ErrSuppressed       = errors.New("target is suppressed")
	ErrQuotaExceeded    = errors.New("daily quota exceeded")
	ErrSequenceInactive = errors.New("sequence is not active")
	ErrInvalidSequence  = errors.New("invalid sequence")
	ErrJobBusy          = errors.New("job already processing")
)

// TransportError wraps a failure from an external provider or transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from a transport and may be retried.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
