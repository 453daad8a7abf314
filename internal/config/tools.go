package config

// Tool defines the MCP tools exposed by the bridge
const (
	// ToolSessionStart starts a new session from a launch profile
	ToolSessionStart = "session.start"
	// ToolSessionInput writes input to a session
	ToolSessionInput = "session.input"
	// ToolSessionCall issues a JSON-RPC request to a framed session
	ToolSessionCall = "session.call"
	// ToolSessionResize resizes a pseudo-terminal session
	ToolSessionResize = "session.resize"
	// ToolSessionClose tears a session down
	ToolSessionClose = "session.close"
	// ToolSessionList lists the caller's sessions
	ToolSessionList = "session.list"
	// ToolSessionHistory returns a session's recent input history
	ToolSessionHistory = "session.history"
	// ToolSessionLogs returns a session's recent output lines
	ToolSessionLogs = "session.logs"
	// ToolSessionRestart replaces a session with a fresh one of the same profile
	ToolSessionRestart = "session.restart"
)

// AllTools returns a slice of all available tool names
func AllTools() []string {
	return []string{
		ToolSessionStart,
		ToolSessionInput,
		ToolSessionCall,
		ToolSessionResize,
		ToolSessionClose,
		ToolSessionList,
		ToolSessionHistory,
		ToolSessionLogs,
		ToolSessionRestart,
	}
}
