// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ShutdownTimeout bounds graceful shutdown of the HTTP server and the
	// session components.
	ShutdownTimeout = 15 * time.Second

	// TargetResolveTimeout is the maximum time to resolve an instance name
	// to a container id.
	TargetResolveTimeout = 10 * time.Second

	// DiscoveryTimeout bounds startup discovery of pre-existing sessions.
	DiscoveryTimeout = 30 * time.Second

	// RecoveryTimeout bounds the request tracker startup recovery pass.
	RecoveryTimeout = 2 * time.Minute
)
