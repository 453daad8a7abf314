package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/sessionbridge/internal/session"
)

var errConnectionClosed = errors.New("terminal connection closed")

// connection is one browser terminal socket
type connection struct {
	id      string
	owner   string
	handler *Handler
	conn    *websocket.Conn

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	started map[string]struct{}
}

func newConnection(h *Handler, conn *websocket.Conn, owner string) *connection {
	return &connection{
		id:      uuid.NewString(),
		owner:   owner,
		handler: h,
		conn:    conn,
		sendCh:  make(chan []byte, h.opts.SendQueue),
		done:    make(chan struct{}),
		started: make(map[string]struct{}),
	}
}

// Send implements delivery.Sink. It blocks while the send queue is full so
// a slow client slows its own session's reader, and fails once the
// connection is gone.
func (c *connection) Send(_ context.Context, ev session.Event) error {
	if ev.Name == session.EventTerminated {
		c.mu.Lock()
		delete(c.started, ev.SessionID)
		c.mu.Unlock()
	}
	return c.enqueue(frameFromEvent(ev))
}

func (c *connection) enqueue(frame ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	}
}

func (c *connection) sendError(sessionID string, err error) {
	_ = c.enqueue(ServerFrame{
		Type:      FrameError,
		SessionID: sessionID,
		Message:   err.Error(),
		Time:      time.Now(),
	})
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump drains the send queue to the socket
func (c *connection) writePump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.handler.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.handler.logger.Debug("Terminal write failed", "connection_id", c.id, "error", err)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.handler.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop dispatches client frames until the socket fails, then tears down
// every session this connection started.
func (c *connection) readLoop() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.logger.Debug("Terminal read failed", "connection_id", c.id, "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", fmt.Errorf("malformed frame: %w", err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *connection) dispatch(frame ClientFrame) {
	ctx := context.Background()
	sessions := c.handler.sessions

	switch frame.Type {
	case FrameStart:
		s, err := sessions.Create(ctx, c.owner, session.CreateRequest{
			Profile: frame.Profile,
			Client:  c.id,
			Rows:    frame.Rows,
			Cols:    frame.Cols,
		})
		if err != nil {
			c.sendError("", err)
			return
		}
		c.mu.Lock()
		c.started[s.ID] = struct{}{}
		c.mu.Unlock()

	case FrameRestart:
		s, err := sessions.Restart(ctx, frame.SessionID, c.owner)
		if err != nil {
			c.sendError(frame.SessionID, err)
			return
		}
		c.mu.Lock()
		delete(c.started, frame.SessionID)
		c.started[s.ID] = struct{}{}
		c.mu.Unlock()

	case FrameInput:
		if err := sessions.WriteInput(ctx, frame.SessionID, c.owner, []byte(frame.Data)); err != nil {
			c.sendError(frame.SessionID, err)
		}

	case FrameResize:
		if err := sessions.Resize(ctx, frame.SessionID, c.owner, frame.Rows, frame.Cols); err != nil {
			c.sendError(frame.SessionID, err)
		}

	case FrameClose:
		if err := sessions.Close(ctx, frame.SessionID, c.owner); err != nil {
			c.sendError(frame.SessionID, err)
		}

	case FramePing:
		_ = c.enqueue(ServerFrame{Type: FramePong, Time: time.Now()})

	default:
		c.sendError(frame.SessionID, fmt.Errorf("unknown frame type %q", frame.Type))
	}
}

func (c *connection) disconnect() {
	c.close()
	c.handler.hub.Unregister(c.id)

	c.mu.Lock()
	ids := make([]string, 0, len(c.started))
	for id := range c.started {
		ids = append(ids, id)
	}
	c.started = make(map[string]struct{})
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = c.handler.sessions.Destroy(context.Background(), id, session.ReasonDisconnected)
		}(id)
	}
	wg.Wait()

	c.handler.logger.Info("Terminal disconnected",
		"connection_id", c.id,
		"owner", c.owner,
		"sessions_closed", len(ids),
	)
}
