package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn wraps a websocket connection behind core.SignalConnection.
// Writes go through a bounded channel drained by writePump; a full channel
// means the client is too slow and the frame is refused.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "relay").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay").Msg("readPump closing")
		ctl.Presence.Unregister(c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Msg("readPump read error")
				return
			}
			ctl.handleFrame(c, data)
		}
	}
}
