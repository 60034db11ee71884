package call

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/domain"
	"github.com/carebridge/telecall/internal/rtc"
	"github.com/carebridge/telecall/internal/signaling"
)

func (m *Machine) handleInvite(data []byte) {
	var p signaling.CallInvite
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad invite payload")
		return
	}

	m.mu.Lock()
	if m.sess != nil {
		// Already engaged; auto-reject the second caller without touching the
		// current session.
		m.mu.Unlock()
		log.Info().Str("module", "call").Str("caller", string(p.CallerID)).Msg("busy, auto-rejecting invite")
		_ = m.ch.Send(signaling.CallReject{
			Type:      signaling.TypeCallReject,
			SessionID: p.SessionID,
			Target:    p.CallerID,
			Reason:    "busy",
		})
		return
	}

	m.sess = &domain.CallSession{
		ID:    p.SessionID,
		Local: m.cfg.Self,
		Remote: domain.User{
			ID:          p.CallerID,
			DisplayName: p.CallerName,
		},
		Direction:       domain.DirectionIncoming,
		State:           domain.StateRinging,
		Kind:            p.Kind,
		ConsultationRef: p.ConsultationRef,
	}
	m.remoteSDP = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	sid := m.sess.ID
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("session", string(sid)).Str("caller", string(p.CallerID)).Msg("incoming call")
	m.startRingTimer(sid)
	m.notify("incoming call")
}

func (m *Machine) handleAnswer(data []byte) {
	var p signaling.CallAnswer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad answer payload")
		return
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.ID != p.SessionID || m.sess.State != domain.StateDialing || m.engine == nil {
		m.mu.Unlock()
		log.Warn().Str("module", "call").Str("session", string(p.SessionID)).Msg("answer for no dialing session, ignored")
		return
	}
	sid := m.sess.ID
	eng := m.engine
	m.stopRingTimer()
	m.mu.Unlock()

	if err := eng.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", string(sid)).Msg("apply answer")
		m.failSession(sid, err)
		return
	}

	m.mu.Lock()
	if m.sess != nil && m.sess.ID == sid {
		m.sess.State = domain.StateConnected
	}
	m.mu.Unlock()
	m.notify("call connected")
}

func (m *Machine) handleRejected(data []byte) {
	var p signaling.CallRejected
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad rejected payload")
		return
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.ID != p.SessionID || m.sess.State != domain.StateDialing {
		m.mu.Unlock()
		return
	}
	snapshot := *m.sess
	eng := m.engine
	m.stopRingTimer()
	m.sess = nil
	m.engine = nil
	m.mu.Unlock()

	if eng != nil {
		eng.Destroy()
	}

	reason := p.Reason
	if reason == "" {
		reason = "call rejected"
	}
	snapshot.State = domain.StateRejected
	m.emit(StateChange{State: domain.StateRejected, Session: &snapshot, Reason: reason})
	m.notify(reason)
}

func (m *Machine) handleEnded(data []byte) {
	var p signaling.CallEnded
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad ended payload")
		return
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.ID != p.SessionID {
		m.mu.Unlock()
		return
	}
	state := m.sess.State
	snapshot := *m.sess
	eng := m.engine
	m.stopRingTimer()
	m.sess = nil
	m.engine = nil
	m.mu.Unlock()

	if eng != nil {
		eng.Destroy()
	}

	switch state {
	case domain.StateConnected:
		snapshot.State = domain.StateEnded
		m.emit(StateChange{State: domain.StateEnded, Session: &snapshot, Reason: "remote hung up"})
		m.notify("call over")
	case domain.StateRinging:
		// Caller gave up before we answered.
		m.notify("caller canceled")
	default:
		m.notify("call over")
	}
}

func (m *Machine) handleRecipientOffline(data []byte) {
	var p signaling.RecipientOffline
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad offline payload")
		return
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.ID != p.SessionID || m.sess.State != domain.StateDialing {
		m.mu.Unlock()
		return
	}
	eng := m.engine
	m.stopRingTimer()
	m.sess = nil
	m.engine = nil
	m.mu.Unlock()

	if eng != nil {
		eng.Destroy()
	}
	log.Info().Str("module", "call").Str("target", string(p.Target)).Msg("recipient offline")
	m.notify("user unavailable")
}

// wireEngine binds failure and remote-stream callbacks scoped to one session
// id, so a late callback from a superseded engine cannot touch a newer call.
func (m *Machine) wireEngine(eng Engine, sid domain.SessionID) {
	eng.OnFailure(func(err error) {
		m.failSession(sid, err)
	})
	eng.OnRemoteStream(func(rs *rtc.RemoteStream) {
		m.mu.Lock()
		match := m.sess != nil && m.sess.ID == sid
		fn := m.onRemote
		m.mu.Unlock()
		if match && fn != nil {
			fn(rs)
		}
	})
}

// failSession forces Failed then Idle for the matching non-idle session.
func (m *Machine) failSession(sid domain.SessionID, err error) {
	m.mu.Lock()
	if m.sess == nil || m.sess.ID != sid {
		m.mu.Unlock()
		return
	}
	snapshot := *m.sess
	eng := m.engine
	m.stopRingTimer()
	m.sess = nil
	m.engine = nil
	m.mu.Unlock()

	if eng != nil {
		eng.Destroy()
	}

	log.Error().Err(err).Str("module", "call").Str("session", string(sid)).Msg("negotiation failed")
	snapshot.State = domain.StateFailed
	m.emit(StateChange{State: domain.StateFailed, Session: &snapshot, Reason: err.Error()})
	m.notify("call failed")
}

// clearSession drops the matching session back to Idle without a terminal
// notification (used for aborted setups where the peer never rang).
func (m *Machine) clearSession(sid domain.SessionID, reason string) {
	m.mu.Lock()
	if m.sess == nil || m.sess.ID != sid {
		m.mu.Unlock()
		return
	}
	m.stopRingTimer()
	m.sess = nil
	m.engine = nil
	m.mu.Unlock()
	m.notify(reason)
}

func (m *Machine) startRingTimer(sid domain.SessionID) {
	m.mu.Lock()
	m.stopRingTimer()
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.ringTimedOut(sid)
	})
	m.mu.Unlock()
}

// stopRingTimer must be called with m.mu held.
func (m *Machine) stopRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// ringTimedOut cancels a call that nobody answered within the ring timeout,
// notifying the peer so both sides settle back to Idle.
func (m *Machine) ringTimedOut(sid domain.SessionID) {
	m.mu.Lock()
	if m.sess == nil || m.sess.ID != sid ||
		(m.sess.State != domain.StateDialing && m.sess.State != domain.StateRinging) {
		m.mu.Unlock()
		return
	}
	remote := m.sess.Remote
	snapshot := *m.sess
	eng := m.engine
	m.ringTimer = nil
	m.sess = nil
	m.engine = nil
	m.mu.Unlock()

	_ = m.ch.Send(signaling.CallEnd{
		Type:      signaling.TypeCallEnd,
		SessionID: sid,
		Target:    remote.ID,
	})
	if eng != nil {
		eng.Destroy()
	}

	log.Info().Str("module", "call").Str("session", string(sid)).Msg("ring timeout")
	snapshot.State = domain.StateFailed
	m.emit(StateChange{State: domain.StateFailed, Session: &snapshot, Reason: "no answer"})
	m.notify("no answer")
}

// notify emits the current state to the observer.
func (m *Machine) notify(reason string) {
	m.mu.Lock()
	var sess *domain.CallSession
	state := domain.StateIdle
	if m.sess != nil {
		cp := *m.sess
		sess = &cp
		state = m.sess.State
	}
	m.mu.Unlock()
	m.emit(StateChange{State: state, Session: sess, Reason: reason})
}

// emit invokes the observer outside the machine lock.
func (m *Machine) emit(sc StateChange) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(sc)
	}
}
