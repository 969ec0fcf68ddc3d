package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// State 连接生命周期。
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection wraps one websocket. It is the only writer to ws.
type connection struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	subject string

	closeOnce sync.Once
}

func newConnection(id string, ws *websocket.Conn, logger *slog.Logger) *connection {
	return &connection{
		id:     id,
		ws:     ws,
		logger: logger.With("conn_id", id),
		state:  StateConnecting,
	}
}

func (c *connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = s
}

func (c *connection) authenticated(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.subject = subject
	c.state = StateAuthenticated
}

// emit writes one event. It is a no-op once the connection is closed.
func (c *connection) emit(event string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		c.logger.Debug("dropping event for closed connection", "event", event)
		return
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(outgoing{Event: event, Data: data}); err != nil {
		c.logger.Warn("write failed", "event", event, "error", err)
	}
}

// close sends a close frame and releases the socket. Safe to call repeatedly.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		c.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
		c.logger.Info("connection closed", "previous_state", prev.String(), "code", code)
	})
}

// pingLoop 定期发送 ping，直到连接结束。
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
