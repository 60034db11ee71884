package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/core"
	"github.com/carebridge/telecall/internal/signaling"
)

// Controller accepts websocket signaling connections and routes call-control
// frames between announced identities. It never touches media: once the two
// peers finish their offer/answer exchange, audio and video flow directly
// between them.
type Controller struct {
	Presence *Presence
	Invites  *InviteRateLimiter
}

func NewController(presence *Presence) *Controller {
	return &Controller{
		Presence: presence,
		Invites:  NewInviteRateLimiter(10, time.Minute),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "relay").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}

func (ctl *Controller) handleFrame(c *wsConn, data []byte) {
	t, err := signaling.TypeOf(data)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad frame")
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "bad_payload"})
		return
	}

	switch t {
	case signaling.TypeAnnounce:
		ctl.handleAnnounce(c, data)
	case signaling.TypeCallInvite:
		ctl.handleInvite(c, data)
	case signaling.TypeCallAnswer:
		ctl.handleAnswer(c, data)
	case signaling.TypeCallReject:
		ctl.handleReject(c, data)
	case signaling.TypeCallEnd:
		ctl.handleEnd(c, data)
	case signaling.TypePing:
		ctl.sendJSON(c, struct {
			Type signaling.MsgType `json:"type"`
		}{signaling.TypePong})
	default:
		log.Warn().Str("module", "relay").Str("type", string(t)).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
