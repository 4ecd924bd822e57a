package main

import "time"

// Operational limits — named constants for values that were previously
// scattered across multiple source files.
const (
	// defaultVoicePort and defaultVideoPort are the SFU's fixed UDP ports
	// (§4.6): clients dial them directly, they are never negotiated.
	defaultVoicePort = 40000
	defaultVideoPort = 40001

	// defaultBridgeAddr is where the HTTP bridge (§4.7) listens.
	defaultBridgeAddr = ":8080"

	// defaultControlRateLimit is the per-connection control-message budget
	// in records/sec before excess droppable records are discarded (§4.5).
	defaultControlRateLimit = 50

	// defaultMaxConnections and defaultPerIPLimit are Supplement 2's
	// accept-time caps. 0 would mean unlimited; both default to a nonzero
	// value so a bare invocation is hardened out of the box.
	defaultMaxConnections = 2000
	defaultPerIPLimit     = 32

	// defaultIdleTimeout closes a connection that sends nothing, not even
	// a Ping, for this long.
	defaultIdleTimeout = 2 * time.Minute

	// metricsInterval is how often main.go logs aggregate stats (§9).
	metricsInterval = 30 * time.Second

	// shutdownGrace bounds how long graceful shutdown waits for in-flight
	// connections to drain before the process exits anyway.
	shutdownGrace = 5 * time.Second
)
