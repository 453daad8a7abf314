package config

import (
	"fmt"
	"time"
)

// IO modes and framings accepted in launch profiles
const (
	IOModePipe = "pipe"
	IOModePTY  = "pty"

	FramingRaw     = "raw"
	FramingJSONRPC = "jsonrpc"
)

// MCP transports
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Config is the complete sessionbridge configuration
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Sessions   SessionConfig            `yaml:"sessions"`
	Supervisor SupervisorConfig         `yaml:"supervisor"`
	Bridge     BridgeConfig             `yaml:"bridge"`
	Reaper     ReaperConfig             `yaml:"reaper"`
	Auth       AuthConfig               `yaml:"auth"`
	Delivery   DeliveryConfig           `yaml:"delivery"`
	Profiles   map[string]ProfileConfig `yaml:"profiles"`
}

// ServerConfig holds listener and identity settings
type ServerConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	HTTPPort     string `yaml:"http_port"`
	GRPCPort     string `yaml:"grpc_port"`
	MCPTransport string `yaml:"mcp_transport"`
	// RuntimeDir holds PID tracking files; empty disables tracking
	RuntimeDir string `yaml:"runtime_dir"`
}

// SessionConfig holds registry policy
type SessionConfig struct {
	// MaxPerOwner is the concurrent session cap per owner; 0 means unlimited
	MaxPerOwner int `yaml:"max_per_owner"`
	// HistoryCap is the number of inputs retained per session
	HistoryCap int `yaml:"history_cap"`
	// LogLines is the number of recent output lines retained per session
	LogLines int `yaml:"log_lines"`
	// IdleAfter marks a quiet session idle
	IdleAfter time.Duration `yaml:"idle_after"`
	// IdleTimeout reclaims a quiet session; 0 disables
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// EchoInput emits session_input_echo events for line input
	EchoInput bool `yaml:"echo_input"`
	// DefaultOwner is used for MCP stdio clients, which carry no identity
	DefaultOwner string `yaml:"default_owner"`
	// DefaultProfile is used when a start request names no profile
	DefaultProfile string `yaml:"default_profile"`
}

// SupervisorConfig holds process teardown settings
type SupervisorConfig struct {
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	KillTimeout    time.Duration `yaml:"kill_timeout"`
}

// BridgeConfig holds I/O settings
type BridgeConfig struct {
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
}

// ReaperConfig holds sweep settings
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AuthConfig holds authorization settings
type AuthConfig struct {
	// AllowedOwners restricts session creation; empty allows any non-empty owner
	AllowedOwners []string      `yaml:"allowed_owners"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// DeliveryConfig holds realtime delivery settings
type DeliveryConfig struct {
	// NATSURL enables event fan-out to NATS when set
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	SendQueue     int           `yaml:"send_queue"`
	WriteWait     time.Duration `yaml:"write_wait"`
}

// ProfileConfig describes what to launch for a named profile
type ProfileConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Dir         string            `yaml:"dir"`
	IOMode      string            `yaml:"io_mode"`
	Framing     string            `yaml:"framing"`
	Handshake   bool              `yaml:"handshake"`
	MergeStderr bool              `yaml:"merge_stderr"`
}

// DefaultServerConfig returns default listener settings
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:         "sessionbridge",
		Version:      "0.1.0",
		HTTPPort:     "8080",
		GRPCPort:     "50051",
		MCPTransport: TransportStdio,
	}
}

// DefaultSessionConfig returns default registry policy
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxPerOwner:    DefaultMaxSessionsPerOwner,
		HistoryCap:     DefaultHistoryCap,
		LogLines:       DefaultLogLines,
		IdleAfter:      DefaultIdleAfter,
		IdleTimeout:    DefaultIdleTimeout,
		EchoInput:      true,
		DefaultOwner:   DefaultOwner,
		DefaultProfile: "shell",
	}
}

// DefaultSupervisorConfig returns default teardown timing
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		TerminateGrace: DefaultTerminateGrace,
		KillTimeout:    DefaultKillTimeout,
	}
}

// DefaultBridgeConfig returns default I/O settings
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CallTimeout:      DefaultCallTimeout,
		DrainTimeout:     DefaultDrainTimeout,
		ReadBufferSize:   DefaultReadBufferSize,
	}
}

// DefaultReaperConfig returns default sweep settings
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: DefaultReapInterval,
	}
}

// DefaultAuthConfig returns default authorization settings
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		TokenTTL: DefaultTokenTTL,
	}
}

// DefaultDeliveryConfig returns default delivery settings
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		SubjectPrefix: "sessionbridge.events",
		SendQueue:     DefaultSendQueue,
		WriteWait:     DefaultWebSocketWriteWait,
	}
}

// DefaultProfiles returns the built-in launch profiles
func DefaultProfiles() map[string]ProfileConfig {
	return map[string]ProfileConfig{
		"shell": {
			Command: "/bin/sh",
			Args:    []string{"-i"},
			Env:     map[string]string{"TERM": "xterm-256color"},
			IOMode:  IOModePTY,
			Framing: FramingRaw,
		},
		"echo": {
			Command: "/bin/cat",
			IOMode:  IOModePipe,
			Framing: FramingRaw,
		},
	}
}

// Default returns a complete configuration with every section defaulted
func Default() Config {
	return Config{
		Server:     DefaultServerConfig(),
		Sessions:   DefaultSessionConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Bridge:     DefaultBridgeConfig(),
		Reaper:     DefaultReaperConfig(),
		Auth:       DefaultAuthConfig(),
		Delivery:   DefaultDeliveryConfig(),
		Profiles:   DefaultProfiles(),
	}
}

// Validate rejects configurations the bridge cannot run with
func (c Config) Validate() error {
	if c.Sessions.MaxPerOwner < 0 {
		return fmt.Errorf(ErrInvalidValue, "sessions.max_per_owner", c.Sessions.MaxPerOwner)
	}
	if c.Sessions.HistoryCap < 0 {
		return fmt.Errorf(ErrInvalidValue, "sessions.history_cap", c.Sessions.HistoryCap)
	}
	if c.Sessions.LogLines < 0 {
		return fmt.Errorf(ErrInvalidValue, "sessions.log_lines", c.Sessions.LogLines)
	}
	if c.Sessions.IdleTimeout < 0 {
		return fmt.Errorf(ErrInvalidValue, "sessions.idle_timeout", c.Sessions.IdleTimeout)
	}
	if c.Supervisor.TerminateGrace <= 0 {
		return fmt.Errorf(ErrInvalidValue, "supervisor.terminate_grace", c.Supervisor.TerminateGrace)
	}
	if c.Supervisor.KillTimeout <= 0 {
		return fmt.Errorf(ErrInvalidValue, "supervisor.kill_timeout", c.Supervisor.KillTimeout)
	}
	if c.Bridge.WriteTimeout <= 0 {
		return fmt.Errorf(ErrInvalidValue, "bridge.write_timeout", c.Bridge.WriteTimeout)
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf(ErrInvalidValue, "reaper.interval", c.Reaper.Interval)
	}
	switch c.Server.MCPTransport {
	case TransportStdio, TransportSSE:
	default:
		return fmt.Errorf(ErrInvalidValue, "server.mcp_transport", c.Server.MCPTransport)
	}
	for name, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	if c.Sessions.DefaultProfile != "" {
		if _, ok := c.Profiles[c.Sessions.DefaultProfile]; !ok {
			return fmt.Errorf(ErrUnknownProfile, c.Sessions.DefaultProfile)
		}
	}
	return nil
}

// Validate checks a single launch profile
func (p ProfileConfig) Validate() error {
	if p.Command == "" {
		return fmt.Errorf(ErrMissingCommand)
	}
	switch p.IOMode {
	case IOModePipe, IOModePTY:
	default:
		return fmt.Errorf(ErrInvalidValue, "io_mode", p.IOMode)
	}
	switch p.Framing {
	case FramingRaw:
		if p.Handshake {
			return fmt.Errorf("handshake requires jsonrpc framing")
		}
	case FramingJSONRPC:
		if p.IOMode != IOModePipe {
			return fmt.Errorf("jsonrpc framing requires pipe io_mode")
		}
	default:
		return fmt.Errorf(ErrInvalidValue, "framing", p.Framing)
	}
	return nil
}
