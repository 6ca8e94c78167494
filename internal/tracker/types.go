// Package tracker persists asynchronous request state on disk so that
// in-flight requests survive a restart.
package tracker

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidID         = errors.New("invalid request id or workspace")
)

// State of a tracked request.
type State string

const (
	StateCreated    State = "created"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateTimeout    State = "timeout"
)

// rank orders states; transitions must strictly increase it.
func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateProcessing:
		return 1
	case StateCompleted, StateError, StateTimeout:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s.rank() == 2 }

// Request is the persisted record. Optional fields are omitted when unset.
type Request struct {
	RequestID           string     `json:"requestId"`
	ChatID              string     `json:"chatId"`
	Workspace           string     `json:"workspace"`
	State               State      `json:"state"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastUpdatedAt       time.Time  `json:"lastUpdatedAt"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ExitCode            *int       `json:"exitCode,omitempty"`
	TimedOut            bool       `json:"timedOut"`
	PreviousState       *State     `json:"previousState,omitempty"`
}

func (r *Request) clone() *Request {
	c := *r
	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	if r.PreviousState != nil {
		v := *r.PreviousState
		c.PreviousState = &v
	}
	return &c
}

// Filter narrows ListRequests. Zero fields match everything.
type Filter struct {
	State  State
	ChatID string
}

func (f Filter) match(r *Request) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.ChatID != "" && r.ChatID != f.ChatID {
		return false
	}
	return true
}

// Update carries optional fields for UpdateState.
type Update struct {
	ExitCode *int
}

// RecoveryStats summarizes a RecoverState pass.
type RecoveryStats struct {
	Scanned  int `json:"scanned"`
	Deleted  int `json:"deleted"`
	TimedOut int `json:"timedOut"`
	Corrupt  int `json:"corrupt"`
}

var safeName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)
