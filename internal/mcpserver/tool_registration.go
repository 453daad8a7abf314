package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/sessionbridge/internal/config"
)

// registerTools registers every session tool with the mcp-go server
func (ms *MCPServer) registerTools() {
	ms.server.AddTools(ms.sessionTools()...)
}

// sessionTools pairs each tool definition with the handler that serves it
func (ms *MCPServer) sessionTools() []server.ServerTool {
	var tools []server.ServerTool
	add := func(tool mcp.Tool, handler server.ToolHandlerFunc) {
		tools = append(tools, server.ServerTool{Tool: tool, Handler: handler})
	}

	add(mcp.NewTool(config.ToolSessionStart,
		mcp.WithDescription("Start a session running a launch profile. Output arrives as notifications/session_output."),
		mcp.WithString("profile",
			mcp.Description("Launch profile to run (defaults to the server's default profile)"),
		),
		mcp.WithNumber("rows",
			mcp.Description("Terminal rows for pty profiles"),
		),
		mcp.WithNumber("cols",
			mcp.Description("Terminal columns for pty profiles"),
		),
	), ms.handleStart)

	add(mcp.NewTool(config.ToolSessionInput,
		mcp.WithDescription("Write input to a session's stdin"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to write to"),
		),
		mcp.WithString("data",
			mcp.Required(),
			mcp.Description("Bytes to write, including any trailing newline"),
		),
	), ms.handleInput)

	add(mcp.NewTool(config.ToolSessionCall,
		mcp.WithDescription("Send a JSON-RPC request to a framed session and wait for the response"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to call"),
		),
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("JSON-RPC method name"),
		),
		mcp.WithString("params",
			mcp.Description("JSON-encoded request params"),
		),
	), ms.handleCall)

	add(mcp.NewTool(config.ToolSessionResize,
		mcp.WithDescription("Resize a pty session's terminal"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to resize"),
		),
		mcp.WithNumber("rows",
			mcp.Required(),
			mcp.Description("Terminal rows"),
		),
		mcp.WithNumber("cols",
			mcp.Required(),
			mcp.Description("Terminal columns"),
		),
	), ms.handleResize)

	add(mcp.NewTool(config.ToolSessionClose,
		mcp.WithDescription("Terminate a session and release its process"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to close"),
		),
	), ms.handleClose)

	add(mcp.NewTool(config.ToolSessionList,
		mcp.WithDescription("List the caller's sessions"),
	), ms.handleList)

	add(mcp.NewTool(config.ToolSessionHistory,
		mcp.WithDescription("Return a session's recent input history, oldest first"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to inspect"),
		),
	), ms.handleHistory)

	add(mcp.NewTool(config.ToolSessionLogs,
		mcp.WithDescription("Return a session's most recent output lines, oldest first"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to inspect"),
		),
		mcp.WithNumber("lines",
			mcp.Description("Maximum number of lines to return (default: all retained lines)"),
		),
	), ms.handleLogs)

	add(mcp.NewTool(config.ToolSessionRestart,
		mcp.WithDescription("Terminate a session and start a replacement from the same profile. Returns the new session id."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to restart"),
		),
	), ms.handleRestart)

	return tools
}
