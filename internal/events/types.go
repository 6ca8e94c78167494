// Package events defines the subjects published on the event bus.
package events

// Request tracker subjects
const (
	RequestCreated      = "request.created"
	RequestStateChanged = "request.state_changed"
	RequestDeleted      = "request.deleted"
	RequestsRecovered   = "request.recovered"
)

// Session subjects
const (
	SessionCreated = "session.created"
	SessionKilled  = "session.killed"

	PoolSessionCreated = "session.pool.created"
	PoolSessionRemoved = "session.pool.removed"
)

// Transport subjects
const (
	BreakerStateChanged = "transport.breaker.state_changed"
)
