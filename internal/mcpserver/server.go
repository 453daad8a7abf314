// Package mcpserver exposes the session registry as MCP tools. Each MCP
// client session is one owner, and session events reach it as
// notifications.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/delivery"
	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// stdioSessionID is the client session id mcp-go assigns to stdio
const stdioSessionID = "stdio"

// NotificationPrefix is prepended to event names to form notification methods
const NotificationPrefix = "notifications/"

// Sessions is the registry surface the tools drive
type Sessions interface {
	Create(ctx context.Context, owner string, req session.CreateRequest) (*session.Session, error)
	Get(ctx context.Context, id, owner string) (*session.Session, error)
	WriteInput(ctx context.Context, id, owner string, data []byte) error
	Resize(ctx context.Context, id, owner string, rows, cols uint16) error
	Call(ctx context.Context, id, owner, method string, params json.RawMessage) (json.RawMessage, error)
	Close(ctx context.Context, id, owner string) error
	List(owner string) []session.Info
	Logs(ctx context.Context, id, owner string, n int) ([]string, error)
	Restart(ctx context.Context, id, owner string) (*session.Session, error)
	DestroyOwner(ctx context.Context, owner, reason string) int
}

// Config holds configuration for the MCP server
type Config struct {
	Name    string
	Version string
	// DefaultOwner identifies clients without a session of their own (stdio)
	DefaultOwner string
}

// ConfigFromConfig builds server settings from the loaded configuration
func ConfigFromConfig(cfg config.Config) Config {
	return Config{
		Name:         cfg.Server.Name,
		Version:      cfg.Server.Version,
		DefaultOwner: cfg.Sessions.DefaultOwner,
	}
}

// MCPServer wraps the mcp-go server with the session tools
type MCPServer struct {
	server   *server.MCPServer
	sessions Sessions
	hub      *delivery.Hub
	cfg      Config
	logger   *slog.Logger
}

// NewMCPServer creates and configures a new MCP server. Events for MCP
// clients are routed through hub, which must also be the registry's deliverer.
func NewMCPServer(cfg Config, sessions Sessions, hub *delivery.Hub, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultOwner == "" {
		cfg.DefaultOwner = config.DefaultOwner
	}

	ms := &MCPServer{
		sessions: sessions,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, cs server.ClientSession) {
		ms.attachClient(cs.SessionID())
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		ms.detachClient(context.WithoutCancel(ctx), cs.SessionID())
	})

	ms.server = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)

	ms.registerTools()

	return ms
}

// Server returns the underlying mcp-go server
func (ms *MCPServer) Server() *server.MCPServer {
	return ms.server
}

// attachClient routes events for a client session to its notifications
func (ms *MCPServer) attachClient(clientID string) {
	ms.hub.Register(clientID, &notificationSink{server: ms.server, clientID: clientID})
	ms.logger.Debug("MCP client attached", "client_id", clientID)
}

// detachClient tears down every session a departed client owned
func (ms *MCPServer) detachClient(ctx context.Context, clientID string) {
	ms.hub.Unregister(clientID)
	closed := ms.sessions.DestroyOwner(ctx, ms.ownerFor(clientID), session.ReasonDisconnected)
	ms.logger.Info("MCP client detached", "client_id", clientID, "sessions_closed", closed)
}

// getClientID extracts the calling client's session id from context
func (ms *MCPServer) getClientID(ctx context.Context) string {
	// SSE and stdio transports inject the client session
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return cs.SessionID()
	}
	return stdioSessionID
}

// ownerFor maps a client session to the owner it acts as
func (ms *MCPServer) ownerFor(clientID string) string {
	if clientID == "" || clientID == stdioSessionID {
		return ms.cfg.DefaultOwner
	}
	return clientID
}
