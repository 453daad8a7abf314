package config

import "time"

// Default timing configurations used throughout the bridge
const (
	// DefaultReapInterval is how often the reaper sweeps the session registry
	DefaultReapInterval = 30 * time.Second

	// DefaultIdleAfter is how long a session may be quiet before it is marked idle
	DefaultIdleAfter = 5 * time.Minute

	// DefaultIdleTimeout is how long a session may be quiet before it is reclaimed.
	// Zero disables idle reclamation.
	DefaultIdleTimeout = 1 * time.Hour

	// DefaultTerminateGrace is how long a child gets to exit after SIGTERM
	DefaultTerminateGrace = 5 * time.Second

	// DefaultKillTimeout is how long to wait for a child to disappear after SIGKILL
	DefaultKillTimeout = 2 * time.Second

	// DefaultWriteTimeout bounds a single input write, including queueing
	DefaultWriteTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the initial protocol handshake of framed sessions
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultCallTimeout bounds a request/response call to a framed session
	DefaultCallTimeout = 30 * time.Second

	// DefaultDrainTimeout is how long the reader keeps draining output after the child exits
	DefaultDrainTimeout = 250 * time.Millisecond

	// DefaultTokenTTL is the lifetime of a terminal connection token
	DefaultTokenTTL = 5 * time.Minute

	// DefaultTokenCleanupInterval is how often expired terminal tokens are purged
	DefaultTokenCleanupInterval = 1 * time.Minute

	// DefaultWebSocketWriteWait bounds a single websocket frame write
	DefaultWebSocketWriteWait = 10 * time.Second

	// DefaultHealthInterval is how often serving status is re-evaluated
	DefaultHealthInterval = 5 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown of servers and sessions
	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultOwner is the identity of MCP stdio clients
const DefaultOwner = "local"

// Default sizes and limits
const (
	// DefaultMaxSessionsPerOwner caps concurrent sessions for a single owner
	DefaultMaxSessionsPerOwner = 5

	// DefaultHistoryCap is the number of inputs kept per session
	DefaultHistoryCap = 100

	// DefaultLogLines is the number of output lines kept per session
	DefaultLogLines = 1000

	// DefaultReadBufferSize is the reader's batch size for process output
	DefaultReadBufferSize = 32 * 1024

	// DefaultSendQueue is the per-connection outbound frame queue length
	DefaultSendQueue = 256

	// DefaultAuditBuffer is the audit logger's queue length
	DefaultAuditBuffer = 1024

	// DefaultTerminalRows is the initial pseudo-terminal height
	DefaultTerminalRows = 24

	// DefaultTerminalCols is the initial pseudo-terminal width
	DefaultTerminalCols = 80
)
