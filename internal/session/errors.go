package session

import (
	"fmt"
)

// LaunchErrorKind says why Launch failed.
type LaunchErrorKind int

const (
	NotFound LaunchErrorKind = iota + 1
	AlreadyActive
	SpawnFailed
	AttachTimeout
	InvalidRequest
	// Canceled means a Close or the caller's context ended the launch
	// before the endpoint was confirmed.
	Canceled
)

var launchKindNames = map[LaunchErrorKind]string{
	NotFound:       "not_found",
	AlreadyActive:  "already_active",
	SpawnFailed:    "spawn_failed",
	AttachTimeout:  "attach_timeout",
	InvalidRequest: "invalid_request",
	Canceled:       "canceled",
}

func (k LaunchErrorKind) String() string {
	if s, ok := launchKindNames[k]; ok {
		return s
	}
	return "unknown"
}

type LaunchError struct {
	Kind LaunchErrorKind
	Name string
	Err  error
}

var (
	ErrNotFound       = &LaunchError{Kind: NotFound}
	ErrAlreadyActive  = &LaunchError{Kind: AlreadyActive}
	ErrSpawnFailed    = &LaunchError{Kind: SpawnFailed}
	ErrAttachTimeout  = &LaunchError{Kind: AttachTimeout}
	ErrInvalidRequest = &LaunchError{Kind: InvalidRequest}
	ErrCanceled       = &LaunchError{Kind: Canceled}
)

func (e *LaunchError) Error() string {
	msg := "launch"
	if e.Name != "" {
		msg += fmt.Sprintf(" %q", e.Name)
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Is matches the Err* sentinels by kind.
func (e *LaunchError) Is(target error) bool {
	t, ok := target.(*LaunchError)
	return ok && t.Err == nil && t.Name == "" && t.Kind == e.Kind
}

type CloseErrorKind int

const (
	// ForcedTermination: the process ignored the graceful request and was
	// killed. The session is closed.
	ForcedTermination CloseErrorKind = iota + 1
	// ProcessUnresponsive: the process survived a kill. The session stays
	// Closing until a later Close succeeds.
	ProcessUnresponsive
)

func (k CloseErrorKind) String() string {
	switch k {
	case ForcedTermination:
		return "forced_termination"
	case ProcessUnresponsive:
		return "process_unresponsive"
	default:
		return "unknown"
	}
}

type CloseError struct {
	Kind CloseErrorKind
	PID  int
	Err  error
}

var (
	ErrForcedTermination   = &CloseError{Kind: ForcedTermination}
	ErrProcessUnresponsive = &CloseError{Kind: ProcessUnresponsive}
)

func (e *CloseError) Error() string {
	msg := "close: " + e.Kind.String()
	if e.PID != 0 {
		msg += fmt.Sprintf(" (pid %d)", e.PID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CloseError) Unwrap() error { return e.Err }

func (e *CloseError) Is(target error) bool {
	t, ok := target.(*CloseError)
	return ok && t.Err == nil && t.PID == 0 && t.Kind == e.Kind
}
