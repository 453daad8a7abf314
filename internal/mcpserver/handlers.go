package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// StartResponse is returned by session.start
type StartResponse struct {
	SessionID string    `json:"session_id"`
	Profile   string    `json:"profile"`
	PID       int       `json:"pid"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse is returned by session.history
type HistoryResponse struct {
	SessionID string                 `json:"session_id"`
	Entries   []session.HistoryEntry `json:"entries"`
}

// LogsResponse is returned by session.logs
type LogsResponse struct {
	SessionID string   `json:"session_id"`
	Lines     []string `json:"lines"`
}

func (ms *MCPServer) caller(ctx context.Context) (clientID, owner string) {
	clientID = ms.getClientID(ctx)
	return clientID, ms.ownerFor(clientID)
}

func (ms *MCPServer) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID, owner := ms.caller(ctx)
	rows, err := dimension(request, "rows", false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cols, err := dimension(request, "cols", false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// callers outside a registered mcp-go session still get their events
	if !ms.hub.Has(clientID) {
		ms.attachClient(clientID)
	}

	s, err := ms.sessions.Create(ctx, owner, session.CreateRequest{
		Profile: request.GetString("profile", ""),
		Client:  clientID,
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}

	info := s.Info()
	return jsonResult(StartResponse{
		SessionID: info.ID,
		Profile:   info.Profile,
		PID:       info.PID,
		Message:   fmt.Sprintf(config.MsgSessionStarted, info.ID, info.PID),
		CreatedAt: info.CreatedAt,
	})
}

func (ms *MCPServer) handleRestart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s, err := ms.sessions.Restart(ctx, id, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}

	info := s.Info()
	return jsonResult(StartResponse{
		SessionID: info.ID,
		Profile:   info.Profile,
		PID:       info.PID,
		Message:   fmt.Sprintf(config.MsgSessionRestarted, id, info.ID, info.PID),
		CreatedAt: info.CreatedAt,
	})
}

func (ms *MCPServer) handleInput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := request.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := ms.sessions.WriteInput(ctx, id, owner, []byte(data)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to session %s", len(data), id)), nil
}

func (ms *MCPServer) handleCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	method, err := request.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var params json.RawMessage
	if raw := request.GetString("params", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("params must be valid JSON"), nil
		}
		params = json.RawMessage(raw)
	}

	result, err := ms.sessions.Call(ctx, id, owner, method, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return mcp.NewToolResultText(string(result)), nil
}

func (ms *MCPServer) handleResize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := dimension(request, "rows", true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cols, err := dimension(request, "cols", true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := ms.sessions.Resize(ctx, id, owner, rows, cols); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("resized session %s to %dx%d", id, rows, cols)), nil
}

func (ms *MCPServer) handleClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := ms.sessions.Close(ctx, id, owner); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(config.MsgSessionClosed, id)), nil
}

func (ms *MCPServer) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	return jsonResult(map[string]any{"sessions": ms.sessions.List(owner)})
}

func (ms *MCPServer) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s, err := ms.sessions.Get(ctx, id, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}
	return jsonResult(HistoryResponse{SessionID: id, Entries: s.History()})
}

func (ms *MCPServer) handleLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, owner := ms.caller(ctx)
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := request.GetInt("lines", 0)
	if n < 0 {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrInvalidValue, "lines", n)), nil
	}

	lines, err := ms.sessions.Logs(ctx, id, owner, n)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}
	if lines == nil {
		lines = []string{}
	}
	return jsonResult(LogsResponse{SessionID: id, Lines: lines})
}

// dimension reads a terminal size argument
func dimension(request mcp.CallToolRequest, name string, required bool) (uint16, error) {
	var (
		v   int
		err error
	)
	if required {
		v, err = request.RequireInt(name)
		if err != nil {
			return 0, err
		}
	} else {
		v = request.GetInt(name, 0)
	}
	if v < 0 || v > math.MaxUint16 {
		return 0, fmt.Errorf(config.ErrInvalidValue, name, v)
	}
	return uint16(v), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
