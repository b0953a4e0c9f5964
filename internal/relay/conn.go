// Package relay implements the websocket leg of the service: the connection
// pumps and the inbound message protocol.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/config"
)

// ErrSendBufferFull is returned by Send when the outbound queue is full.
// A client that cannot drain its queue is treated as broken by callers.
var ErrSendBufferFull = errors.New("send buffer full")

// MessageFunc is invoked for every inbound data frame.
type MessageFunc func(data []byte)

// CloseFunc is invoked exactly once when the read side ends, with the close
// code reported by the peer or 1011 when the connection failed abnormally.
type CloseFunc func(code int)

// Conn wraps a websocket connection with buffered writes and keepalive.
// It satisfies the registry transport contract.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	cfg    config.RelayConfig
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn creates a connection wrapper around an upgraded websocket.
//
// Precondition: ws must be a freshly upgraded connection not yet read from;
// logger must be non-nil.
func NewConn(ws *websocket.Conn, cfg config.RelayConfig, logger *zap.Logger) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, cfg.SendBuffer),
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send queues a text frame for delivery. It never blocks.
func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame with the given code and reason, then tears the
// underlying connection down. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			err = werr
		}
		if cerr := c.ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Run drives the connection until the peer disconnects or the transport
// fails. It starts the write pump, then reads frames on the calling
// goroutine, invoking onMessage per frame and onClose once at the end.
//
// Postcondition: the underlying websocket is closed and both pumps have
// stopped when Run returns.
func (c *Conn) Run(onMessage MessageFunc, onClose CloseFunc) {
	go c.writePump()
	c.readPump(onMessage, onClose)
}

func (c *Conn) readPump(onMessage MessageFunc, onClose CloseFunc) {
	defer func() {
		close(c.done)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			code := websocket.CloseInternalServerErr
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			onClose(code)
			return
		}
		onMessage(data)
	}
}

func (c *Conn) writePump() {
	pingPeriod := c.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
