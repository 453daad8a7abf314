package config

// Error and status messages used throughout the bridge
const (
	// ErrInvalidValue is the format string for rejected configuration values
	ErrInvalidValue = "invalid value for %s: %v"
	// ErrUnknownProfile is the format string for missing launch profiles
	ErrUnknownProfile = "unknown launch profile: %s"
	// ErrMissingCommand indicates a launch profile without a command
	ErrMissingCommand = "launch profile has no command"
	// ErrSessionError is the format string for session errors returned to clients
	ErrSessionError = "session error: %v"
	// MsgSessionStarted is the format string for session start confirmations
	MsgSessionStarted = "Session %s started (pid %d)"
	// MsgSessionRestarted is the format string for session restart confirmations
	MsgSessionRestarted = "Session %s restarted as %s (pid %d)"
	// MsgSessionClosed is the format string for session close confirmations
	MsgSessionClosed = "Session %s closed"
	// MsgInputEcho prefixes echoed input lines
	MsgInputEcho = "> "
)
