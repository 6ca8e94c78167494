package tmux

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is returned when a target already runs the maximum number of sessions.
	ErrCapacity = errors.New("session capacity reached for target")
	// ErrSessionNotFound is returned when a session does not exist on the target.
	ErrSessionNotFound = errors.New("session not found")
)

// Session error kinds.
const (
	KindTimeout = "timeout"
	KindStage   = "stage"
	KindSend    = "send"
)

// SessionError is returned by SendToSession.
type SessionError struct {
	Kind    string
	Session string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.Session, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a SessionError of kind timeout.
func IsTimeout(err error) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Kind == KindTimeout
}
