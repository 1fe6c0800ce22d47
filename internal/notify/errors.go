package notify

import (
	"errors"
)

var ErrUnsupported = errors.New("unsupported channel")

// NoRetry marks an error as permanent.
//
// Channel adapters wrap failures that retrying cannot fix (invalid
// recipient, unregistered chat) so the executor stops after one attempt.
// Unmarked errors are treated as transient.
//
// Example:
//
//	return notify.NoRetry(fmt.Errorf("invalid phone %q", n.RecipientPhone))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }
