package devtools

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies why an attach attempt failed.
type ErrorKind int

const (
	// Timeout means the endpoint did not answer within the deadline; the
	// browser may still be starting.
	Timeout ErrorKind = iota + 1
	// Unreachable means the connection was refused or reset.
	Unreachable
	// ProtocolMismatch means something answered, but not with DevTools
	// identity data.
	ProtocolMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Unreachable:
		return "unreachable"
	case ProtocolMismatch:
		return "protocol_mismatch"
	default:
		return "unknown"
	}
}

// AttachError is returned by Client.Attach. It matches the Err* sentinels
// with errors.Is by kind.
type AttachError struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

var (
	ErrTimeout          = &AttachError{Kind: Timeout}
	ErrUnreachable      = &AttachError{Kind: Unreachable}
	ErrProtocolMismatch = &AttachError{Kind: ProtocolMismatch}
)

func (e *AttachError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("devtools endpoint %s", e.Kind)
	}
	return fmt.Sprintf("devtools endpoint %s %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

func (e *AttachError) Is(target error) bool {
	t, ok := target.(*AttachError)
	return ok && t.Err == nil && t.Endpoint == "" && t.Kind == e.Kind
}

// classify maps a transport error to an AttachError. Cancellation of the
// caller's context is passed through untouched.
func classify(ctx context.Context, endpoint string, err error) error {
	if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &AttachError{Kind: Timeout, Endpoint: endpoint, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &AttachError{Kind: Timeout, Endpoint: endpoint, Err: err}
	}
	return &AttachError{Kind: Unreachable, Endpoint: endpoint, Err: err}
}

func mismatch(endpoint string, format string, args ...any) error {
	return &AttachError{Kind: ProtocolMismatch, Endpoint: endpoint, Err: fmt.Errorf(format, args...)}
}
