// Package terminal serves browser terminals over WebSocket. Each connection
// starts and drives its own sessions and receives only their events.
package terminal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/sessionbridge/internal/auth"
	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/delivery"
	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// UserHeader carries the authenticated user set by the fronting proxy
const UserHeader = "X-Bridge-User"

const maxFrameSize = 1 << 20

// Sessions is the part of the session registry the terminal adapter drives
type Sessions interface {
	Create(ctx context.Context, owner string, req session.CreateRequest) (*session.Session, error)
	WriteInput(ctx context.Context, id, owner string, data []byte) error
	Resize(ctx context.Context, id, owner string, rows, cols uint16) error
	Close(ctx context.Context, id, owner string) error
	Destroy(ctx context.Context, id, reason string) error
	List(owner string) []session.Info
	Logs(ctx context.Context, id, owner string, n int) ([]string, error)
	Restart(ctx context.Context, id, owner string) (*session.Session, error)
}

// Tokens issues and redeems terminal tokens
type Tokens interface {
	Issue(ctx context.Context, owner string) (auth.Token, error)
	Redeem(ctx context.Context, value string) (string, error)
}

// Options tune the handler
type Options struct {
	SendQueue int
	WriteWait time.Duration
}

// OptionsFromConfig builds handler options from the loaded configuration
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SendQueue: cfg.Delivery.SendQueue,
		WriteWait: cfg.Delivery.WriteWait,
	}
}

// Handler serves the token endpoint, the terminal socket and session listing
type Handler struct {
	sessions Sessions
	hub      *delivery.Hub
	tokens   Tokens
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a terminal handler. Events for its connections are
// routed through hub, which must also be the registry's deliverer.
func NewHandler(sessions Sessions, hub *delivery.Hub, tokens Tokens, opts Options, logger *slog.Logger) *Handler {
	if opts.SendQueue <= 0 {
		opts.SendQueue = config.DefaultSendQueue
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = config.DefaultWebSocketWriteWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		hub:      hub,
		tokens:   tokens,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// Register adds the handler's routes to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/terminal/token", h.handleToken)
	mux.HandleFunc("GET /ws/terminal", h.handleSocket)
	mux.HandleFunc("GET /api/sessions", h.handleList)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(UserHeader)
	if owner == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return
	}

	tok, err := h.tokens.Issue(r.Context(), owner)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Debug("Terminal token issued", "owner", owner, "expires_at", tok.ExpiresAt)
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(UserHeader)
	if owner == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return
	}
	logLines := 0
	if v := r.URL.Query().Get("logs"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid logs parameter")
			return
		}
		logLines = n
	}

	infos := h.sessions.List(owner)
	if logLines > 0 {
		for i := range infos {
			// A session that ended since List simply reports no lines.
			lines, err := h.sessions.Logs(r.Context(), infos[i].ID, owner, logLines)
			if err == nil {
				infos[i].Logs = lines
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	owner, err := h.tokens.Redeem(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "owner", owner, "error", err)
		return
	}

	c := newConnection(h, conn, owner)
	h.hub.Register(c.id, c)
	h.logger.Info("Terminal connected", "connection_id", c.id, "owner", owner)

	go c.writePump()
	c.readLoop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
