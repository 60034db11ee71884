package relay

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/domain"
	"github.com/carebridge/telecall/internal/signaling"
)

func (ctl *Controller) handleAnnounce(c *wsConn, data []byte) {
	var p signaling.Announce
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad announce payload")
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "bad_payload"})
		return
	}
	if p.UserID == "" {
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "missing user_id"})
		return
	}

	ctl.Presence.Register(p.UserID, p.Role, p.DisplayName, c)
	ctl.sendJSON(c, signaling.AnnounceAck{Type: signaling.TypeAnnounceAck, UserID: p.UserID})
}

func (ctl *Controller) handleInvite(c *wsConn, data []byte) {
	var p signaling.CallInvite
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad invite payload")
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "bad_payload"})
		return
	}

	callerID, caller, ok := ctl.Presence.Lookup(c)
	if !ok {
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "not_announced"})
		return
	}
	if !ctl.Invites.Allow(callerID) {
		log.Warn().Str("module", "relay").Str("caller", string(callerID)).Msg("invite rate limited")
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "rate_limited"})
		return
	}

	// Caller identity is stamped from presence, not trusted from the payload.
	delivered := p
	delivered.Target = ""
	delivered.CallerID = callerID
	delivered.CallerName = caller.DisplayName

	log.Info().
		Str("module", "relay").
		Str("session", string(p.SessionID)).
		Str("caller", string(callerID)).
		Str("target", string(p.Target)).
		Msg("invite")

	ctl.deliver(c, p.Target, p.SessionID, delivered, true)
}

func (ctl *Controller) handleAnswer(c *wsConn, data []byte) {
	var p signaling.CallAnswer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad answer payload")
		ctl.sendJSON(c, signaling.Error{Type: signaling.TypeError, Error: "bad_payload"})
		return
	}

	delivered := p
	delivered.Target = ""
	ctl.deliver(c, p.Target, p.SessionID, delivered, true)
}

func (ctl *Controller) handleReject(c *wsConn, data []byte) {
	var p signaling.CallReject
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad reject payload")
		return
	}

	ctl.deliver(c, p.Target, p.SessionID, signaling.CallRejected{
		Type:      signaling.TypeCallRejected,
		SessionID: p.SessionID,
		Reason:    p.Reason,
	}, false)
}

func (ctl *Controller) handleEnd(c *wsConn, data []byte) {
	var p signaling.CallEnd
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad end payload")
		return
	}

	ctl.deliver(c, p.Target, p.SessionID, signaling.CallEnded{
		Type:      signaling.TypeCallEnded,
		SessionID: p.SessionID,
	}, false)
}

// deliver routes v to target. When the target is offline and notifyOffline is
// set, the sender gets a recipient-offline notice so its dialing state can
// revert instead of hanging forever. Reject/end paths fail silently: an
// offline peer has nothing left to tear down.
func (ctl *Controller) deliver(from *wsConn, target domain.UserID, sid domain.SessionID, v any, notifyOffline bool) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("deliver marshal")
		return
	}
	if err := ctl.Presence.RouteTo(target, b); err != nil {
		log.Info().
			Err(err).
			Str("module", "relay").
			Str("target", string(target)).
			Str("session", string(sid)).
			Msg("deliver failed")
		if notifyOffline && errors.Is(err, ErrRecipientOffline) {
			ctl.sendJSON(from, signaling.RecipientOffline{
				Type:      signaling.TypeRecipientOffline,
				SessionID: sid,
				Target:    target,
			})
		}
	}
}
