package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/signaling"
)

var ErrNotConnected = errors.New("signaling channel not connected")

const (
	writeTimeout     = 5 * time.Second
	reconnectBackoff = 2 * time.Second
	maxBackoff       = 30 * time.Second
)

// Channel is the client end of the signaling transport. It re-announces the
// stored identity automatically after every reconnect: presence at the relay
// is connection-scoped, not identity-scoped.
type Channel struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	identity *signaling.Announce

	onMessage    func([]byte)
	onDisconnect func(error)

	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(url string) *Channel {
	return &Channel{
		url:  url,
		done: make(chan struct{}),
	}
}

// OnMessage registers the single inbound frame handler. Set before Connect.
func (ch *Channel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

// OnDisconnect registers a handler fired every time the transport drops,
// before any reconnect attempt.
func (ch *Channel) OnDisconnect(fn func(error)) {
	ch.mu.Lock()
	ch.onDisconnect = fn
	ch.mu.Unlock()
}

// Connect dials the relay. The initial dial is synchronous so the caller
// learns immediately whether the relay is reachable; afterwards the channel
// keeps itself connected with backoff until Close.
func (ch *Channel) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ch.url, nil)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()

	ch.announceIdentity()
	go ch.run(ctx, conn)
	return nil
}

func (ch *Channel) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := ch.readLoop(conn)
		ch.mu.Lock()
		ch.conn = nil
		onDisconnect := ch.onDisconnect
		ch.mu.Unlock()

		select {
		case <-ch.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		log.Warn().Err(err).Str("module", "call.channel").Msg("signaling transport dropped")
		if onDisconnect != nil {
			onDisconnect(err)
		}

		conn = ch.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (ch *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ch.mu.Lock()
		fn := ch.onMessage
		ch.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (ch *Channel) reconnect(ctx context.Context) *websocket.Conn {
	backoff := reconnectBackoff
	for {
		select {
		case <-ch.done:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, ch.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "call.channel").Dur("backoff", backoff).Msg("reconnect failed")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		ch.mu.Lock()
		ch.conn = conn
		ch.mu.Unlock()
		log.Info().Str("module", "call.channel").Msg("reconnected")
		ch.announceIdentity()
		return conn
	}
}

// Announce stores the identity and registers it with the relay. Idempotent;
// the stored identity is re-sent on every reconnect.
func (ch *Channel) Announce(a signaling.Announce) error {
	a.Type = signaling.TypeAnnounce
	ch.mu.Lock()
	ch.identity = &a
	ch.mu.Unlock()
	return ch.Send(a)
}

func (ch *Channel) announceIdentity() {
	ch.mu.Lock()
	identity := ch.identity
	ch.mu.Unlock()
	if identity == nil {
		return
	}
	if err := ch.Send(*identity); err != nil {
		log.Warn().Err(err).Str("module", "call.channel").Msg("re-announce failed")
	}
}

func (ch *Channel) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return ErrNotConnected
	}
	if err := ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ch.conn.WriteMessage(websocket.TextMessage, b)
}

func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.mu.Lock()
		if ch.conn != nil {
			_ = ch.conn.Close()
			ch.conn = nil
		}
		ch.mu.Unlock()
	})
}
