// Package bus fans request, session and breaker lifecycle changes out to
// in-process listeners or, when several gateways share state, a NATS cluster.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification. Workspace is set for request and
// session events so subscribers can filter without decoding Data.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Workspace string                 `json:"workspace,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(eventType, source, workspace string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Workspace: workspace,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event. Errors are logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes events to subjects and delivers them to subscribers
// whose pattern matches. Patterns use NATS wildcards: "*" matches one
// dot-separated token, a trailing ">" matches one or more.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(pattern string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// SubjectMatches reports whether subject matches pattern.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
