package secchan

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock is returned in non-blocking mode when an operation cannot
	// make progress until an external event happens. ContinueAction tells the
	// caller which event to wait for.
	ErrWouldBlock = errors.New("secchan: operation would block")

	// ErrClosed is returned by operations attempted after close completed.
	ErrClosed = errors.New("secchan: channel closed")

	// ErrAsyncClose is returned when a close started while the operation was
	// running or about to start.
	ErrAsyncClose = errors.New("secchan: channel closed asynchronously")

	// ErrInterrupted is returned when a wait for a concurrent operation was
	// cut short.
	ErrInterrupted = errors.New("secchan: interrupted while waiting")

	// ErrTruncated is reported by an engine whose inbound side was closed
	// before the peer's close_notify arrived.
	ErrTruncated = errors.New("secchan: inbound closed before receiving peer's close_notify")

	ErrPeerNotTrusted   = errors.New("secchan: peer is not trusted")
	ErrHostnameMismatch = errors.New("secchan: hostname does not match peer certificate")
	ErrOutboundClosed   = errors.New("secchan: outbound side already closed")
	ErrInvalidConfig    = errors.New("secchan: invalid configuration")

	// ErrInvariant is matched by every *InvariantError.
	ErrInvariant = errors.New("secchan: invariant violation")
)

// SecureError reports a failure of the secure session: a handshake failure,
// a rejected peer, a bad record or a write after the outbound side closed.
// The channel cannot be used after a SecureError and must be closed.
type SecureError struct {
	Op  string
	Err error
}

func (e *SecureError) Error() string {
	return fmt.Sprintf("secchan: %s: %v", e.Op, e.Err)
}

func (e *SecureError) Unwrap() error {
	return e.Err
}

func newSecureError(op string, err error) error {
	var se *SecureError
	if errors.As(err, &se) {
		return err
	}
	return &SecureError{Op: op, Err: err}
}

// IsSecureError returns true if the error is a *SecureError.
func IsSecureError(err error) bool {
	var se *SecureError
	return errors.As(err, &se)
}

// InvariantError signals a defect in the calling code, such as entering an
// unwrap step with the application buffer lock held.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "secchan: invariant violation: " + e.Detail
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariant
}

// CloseError is returned by Close when the graceful sequence failed and the
// forceful fallback failed too.
type CloseError struct {
	Err       error
	Secondary error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("%v (forceful close: %v)", e.Err, e.Secondary)
}

func (e *CloseError) Unwrap() []error {
	return []error{e.Err, e.Secondary}
}
