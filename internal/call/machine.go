// Package call orchestrates 1:1 call sessions. The Machine is the single
// source of truth for call state: UI layers dispatch intents (PlaceCall,
// Answer, Reject, HangUp, ToggleVideo, ToggleAudio) and subscribe to state;
// they never touch the negotiation engine or the transport directly.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/telecall/internal/domain"
	"github.com/carebridge/telecall/internal/rtc"
	"github.com/carebridge/telecall/internal/signaling"
)

var (
	ErrCallInProgress = errors.New("another call is in progress")
	ErrNotRinging     = errors.New("no incoming call to act on")
	ErrCallSuperseded = errors.New("call superseded before setup finished")
)

const DefaultRingTimeout = 45 * time.Second

// Engine is what the machine needs from a negotiation engine. One engine
// instance serves exactly one session.
type Engine interface {
	CreateOffer(ctx context.Context, stream mediadevices.MediaStream) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, stream mediadevices.MediaStream, remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(remote webrtc.SessionDescription) error
	OnRemoteStream(func(*rtc.RemoteStream))
	OnFailure(func(error))
	SetVideoEnabled(on bool) error
	SetAudioEnabled(on bool) error
	Destroy()
}

// EngineFactory builds a fresh engine per session.
type EngineFactory func() (Engine, error)

// Devices is what the machine needs from the media device controller.
type Devices interface {
	Acquire(ctx context.Context) (mediadevices.MediaStream, error)
	SetVideoEnabled(on bool)
	SetAudioEnabled(on bool)
	VideoEnabled() bool
	AudioEnabled() bool
	Release()
}

// Sender is what the machine needs from the signaling channel.
type Sender interface {
	Send(v any) error
}

// StateChange is delivered to the observer on every transition. Terminal
// states are reported once and immediately followed by the reset to Idle.
type StateChange struct {
	State   domain.CallState
	Session *domain.CallSession
	Reason  string
}

type Config struct {
	Self        domain.User
	RingTimeout time.Duration
}

type Machine struct {
	cfg       Config
	ch        Sender
	devices   Devices
	newEngine EngineFactory

	mu        sync.Mutex
	sess      *domain.CallSession
	engine    Engine
	remoteSDP webrtc.SessionDescription
	ringTimer *time.Timer

	onChange func(StateChange)
	onRemote func(*rtc.RemoteStream)
}

func NewMachine(cfg Config, ch Sender, devices Devices, newEngine EngineFactory) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &Machine{
		cfg:       cfg,
		ch:        ch,
		devices:   devices,
		newEngine: newEngine,
	}
}

// OnStateChange registers the single state observer. Set before use; the
// callback runs outside the machine lock and may call back into the machine.
func (m *Machine) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnRemoteStream registers the observer for the remote media stream of the
// active session.
func (m *Machine) OnRemoteStream(fn func(*rtc.RemoteStream)) {
	m.mu.Lock()
	m.onRemote = fn
	m.mu.Unlock()
}

// State returns the current state and a copy of the active session, if any.
func (m *Machine) State() (domain.CallState, *domain.CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return domain.StateIdle, nil
	}
	cp := *m.sess
	return m.sess.State, &cp
}

// PlaceCall starts an outgoing call. Local capture is acquired before any
// signaling: a device failure aborts here and the peer never rings.
func (m *Machine) PlaceCall(ctx context.Context, target domain.User, kind domain.CallKind, consultationRef string) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	sess := &domain.CallSession{
		ID:              domain.SessionID(uuid.NewString()),
		Local:           m.cfg.Self,
		Remote:          target,
		Direction:       domain.DirectionOutgoing,
		State:           domain.StateDialing,
		Kind:            kind,
		ConsultationRef: consultationRef,
	}
	m.sess = sess
	sid := sess.ID
	m.mu.Unlock()
	m.notify("placing call")

	stream, err := m.devices.Acquire(ctx)
	if err != nil {
		m.clearSession(sid, "local capture failed")
		return err
	}

	eng, err := m.newEngine()
	if err != nil {
		m.clearSession(sid, "engine setup failed")
		return err
	}
	m.wireEngine(eng, sid)

	offer, err := eng.CreateOffer(ctx, stream)
	if err != nil {
		eng.Destroy()
		m.clearSession(sid, "negotiation setup failed")
		return err
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.ID != sid || m.sess.State != domain.StateDialing {
		m.mu.Unlock()
		eng.Destroy()
		return ErrCallSuperseded
	}
	m.engine = eng
	m.mu.Unlock()

	invite := signaling.CallInvite{
		Type:            signaling.TypeCallInvite,
		SessionID:       sid,
		Target:          target.ID,
		Kind:            kind,
		SDP:             offer.SDP,
		ConsultationRef: consultationRef,
	}
	if err := m.ch.Send(invite); err != nil {
		eng.Destroy()
		m.clearSession(sid, "signaling send failed")
		return err
	}

	log.Info().Str("module", "call").Str("session", string(sid)).Str("target", string(target.ID)).Msg("invite sent")
	m.startRingTimer(sid)
	return nil
}

// Answer accepts the ringing incoming call.
func (m *Machine) Answer(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.State != domain.StateRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	sid := m.sess.ID
	caller := m.sess.Remote
	remote := m.remoteSDP
	m.mu.Unlock()

	stream, err := m.devices.Acquire(ctx)
	if err != nil {
		// Still Ringing; the user can retry or reject.
		return err
	}

	eng, err := m.newEngine()
	if err != nil {
		return err
	}
	m.wireEngine(eng, sid)

	answer, err := eng.CreateAnswer(ctx, stream, remote)
	if err != nil {
		eng.Destroy()
		_ = m.ch.Send(signaling.CallReject{
			Type:      signaling.TypeCallReject,
			SessionID: sid,
			Target:    caller.ID,
			Reason:    "negotiation-failed",
		})
		m.failSession(sid, err)
		return err
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.ID != sid || m.sess.State != domain.StateRinging {
		m.mu.Unlock()
		eng.Destroy()
		return ErrCallSuperseded
	}
	m.engine = eng
	m.sess.State = domain.StateConnected
	m.stopRingTimer()
	m.mu.Unlock()

	if err := m.ch.Send(signaling.CallAnswer{
		Type:      signaling.TypeCallAnswer,
		SessionID: sid,
		Target:    caller.ID,
		SDP:       answer.SDP,
	}); err != nil {
		eng.Destroy()
		m.clearSession(sid, "signaling send failed")
		return err
	}

	m.notify("call answered")
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.sess == nil || m.sess.State != domain.StateRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	sid := m.sess.ID
	caller := m.sess.Remote
	m.stopRingTimer()
	m.sess = nil
	m.mu.Unlock()

	_ = m.ch.Send(signaling.CallReject{
		Type:      signaling.TypeCallReject,
		SessionID: sid,
		Target:    caller.ID,
	})
	m.notify("call rejected")
	return nil
}

// HangUp ends the connected call, or cancels the outgoing one while it is
// still dialing. A no-op in any other state.
func (m *Machine) HangUp() {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	state := m.sess.State
	if state != domain.StateConnected && state != domain.StateDialing {
		m.mu.Unlock()
		return
	}
	sid := m.sess.ID
	remote := m.sess.Remote
	eng := m.engine
	snapshot := *m.sess
	m.stopRingTimer()
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

	if state == domain.StateConnected {
		snapshot.State = domain.StateEnded
		m.emit(StateChange{State: domain.StateEnded, Session: &snapshot, Reason: "hung up"})
	}
	m.notify("call over")
}

// ToggleVideo flips the local video flag without renegotiation. Returns the
// new enabled state.
func (m *Machine) ToggleVideo() bool {
	on := !m.devices.VideoEnabled()
	m.devices.SetVideoEnabled(on)
	m.mu.Lock()
	eng := m.engine
	m.mu.Unlock()
	if eng != nil {
		if err := eng.SetVideoEnabled(on); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("toggle video")
		}
	}
	return on
}

// ToggleAudio flips the local audio flag without renegotiation. Returns the
// new enabled state.
func (m *Machine) ToggleAudio() bool {
	on := !m.devices.AudioEnabled()
	m.devices.SetAudioEnabled(on)
	m.mu.Lock()
	eng := m.engine
	m.mu.Unlock()
	if eng != nil {
		if err := eng.SetAudioEnabled(on); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("toggle audio")
		}
	}
	return on
}

// Reset forces the machine back to Idle from any state, destroying the
// negotiation engine and clearing session fields. Unrelated application
// state is untouched.
func (m *Machine) Reset() {
	m.mu.Lock()
	eng := m.engine
	m.stopRingTimer()
	m.sess = nil
	m.engine = nil
	m.remoteSDP = webrtc.SessionDescription{}
	m.mu.Unlock()
	if eng != nil {
		eng.Destroy()
	}
	m.notify("reset")
}

// Shutdown resets the machine and releases the capture devices.
func (m *Machine) Shutdown() {
	m.HangUp()
	m.Reset()
	m.devices.Release()
}

// HandleFrame consumes one inbound signaling frame. Wire it to the channel's
// OnMessage. Events not valid for the current state are logged no-ops.
func (m *Machine) HandleFrame(data []byte) {
	t, err := signaling.TypeOf(data)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad frame")
		return
	}

	switch t {
	case signaling.TypeCallInvite:
		m.handleInvite(data)
	case signaling.TypeCallAnswer:
		m.handleAnswer(data)
	case signaling.TypeCallRejected:
		m.handleRejected(data)
	case signaling.TypeCallEnded:
		m.handleEnded(data)
	case signaling.TypeRecipientOffline:
		m.handleRecipientOffline(data)
	case signaling.TypeAnnounceAck, signaling.TypePong:
		// keepalive traffic
	case signaling.TypeError:
		log.Warn().Str("module", "call").RawJSON("frame", data).Msg("relay error")
	default:
		log.Warn().Str("module", "call").Str("type", string(t)).Msg("unhandled signal")
	}
}

// HandleTransportDown reacts to a dropped signaling transport. A connected
// call cannot be resumed mid-flight with non-trickle negotiation, so it is
// ended locally; dialing and ringing cannot proceed either.
func (m *Machine) HandleTransportDown(err error) {
	m.mu.Lock()
	if m.sess == nil {
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

	log.Warn().Err(err).Str("module", "call").Str("state", string(state)).Msg("transport down during call")
	if state == domain.StateConnected {
		snapshot.State = domain.StateEnded
		m.emit(StateChange{State: domain.StateEnded, Session: &snapshot, Reason: "signaling transport lost"})
	} else {
		snapshot.State = domain.StateFailed
		m.emit(StateChange{State: domain.StateFailed, Session: &snapshot, Reason: "signaling transport lost"})
	}
	m.notify("transport lost")
}
