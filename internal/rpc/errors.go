package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no reply arrived before the deadline. A destination
	// with no live responder also ends here.
	ErrTimeout = errors.New("rpc: timeout")
	// ErrTransport wraps publish/subscribe failures. They are not retried.
	ErrTransport = errors.New("rpc: transport fault")
	ErrClosed    = errors.New("rpc: correlator not running")
)

// Error codes carried in ErrorDescriptor.
const (
	CodeNotFound     = "not_found"
	CodeInvalid      = "invalid"
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodeConflict     = "conflict"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"
)

// RemoteError is a failure reported by the responder side.
type RemoteError struct {
	Destination string
	Code        string
	Message     string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc: %s failed: %s", e.Destination, e.Code)
	}
	return fmt.Sprintf("rpc: %s failed: %s: %s", e.Destination, e.Code, e.Message)
}

// DomainError is returned by operations to send a structured failure to the
// caller instead of a generic internal error.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func NewDomainError(code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRemote returns the RemoteError in err's chain, if any.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
