package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/telecall/internal/domain"
	"github.com/carebridge/telecall/internal/rtc"
	"github.com/carebridge/telecall/internal/signaling"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (s *fakeSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, v)
	return nil
}

func (s *fakeSender) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSender) invites() []signaling.CallInvite {
	var out []signaling.CallInvite
	for _, v := range s.messages() {
		if inv, ok := v.(signaling.CallInvite); ok {
			out = append(out, inv)
		}
	}
	return out
}

func (s *fakeSender) rejects() []signaling.CallReject {
	var out []signaling.CallReject
	for _, v := range s.messages() {
		if r, ok := v.(signaling.CallReject); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSender) ends() []signaling.CallEnd {
	var out []signaling.CallEnd
	for _, v := range s.messages() {
		if e, ok := v.(signaling.CallEnd); ok {
			out = append(out, e)
		}
	}
	return out
}

type fakeEngine struct {
	mu         sync.Mutex
	offerErr   error
	answerErr  error
	applyErr   error
	applyCalls int
	destroyed  int
	onFailure  func(error)
	onRemote   func(*rtc.RemoteStream)
}

func (e *fakeEngine) CreateOffer(_ context.Context, _ mediadevices.MediaStream) (webrtc.SessionDescription, error) {
	if e.offerErr != nil {
		return webrtc.SessionDescription{}, e.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, _ mediadevices.MediaStream, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if e.answerErr != nil {
		return webrtc.SessionDescription{}, e.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (e *fakeEngine) ApplyAnswer(_ webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applyErr != nil {
		return e.applyErr
	}
	e.applyCalls++
	return nil
}

func (e *fakeEngine) OnRemoteStream(fn func(*rtc.RemoteStream)) {
	e.mu.Lock()
	e.onRemote = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnFailure(fn func(error)) {
	e.mu.Lock()
	e.onFailure = fn
	e.mu.Unlock()
}

func (e *fakeEngine) SetVideoEnabled(bool) error { return nil }
func (e *fakeEngine) SetAudioEnabled(bool) error { return nil }

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	e.destroyed++
	e.mu.Unlock()
}

func (e *fakeEngine) destroyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

type fakeDevices struct {
	mu       sync.Mutex
	err      error
	acquires int
	released bool
	video    bool
	audio    bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{video: true, audio: true}
}

func (d *fakeDevices) Acquire(context.Context) (mediadevices.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.acquires++
	return nil, nil
}

func (d *fakeDevices) SetVideoEnabled(on bool) { d.mu.Lock(); d.video = on; d.mu.Unlock() }
func (d *fakeDevices) SetAudioEnabled(on bool) { d.mu.Lock(); d.audio = on; d.mu.Unlock() }
func (d *fakeDevices) VideoEnabled() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.video }
func (d *fakeDevices) AudioEnabled() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.audio }
func (d *fakeDevices) Release()                { d.mu.Lock(); d.released = true; d.mu.Unlock() }

type changeLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (c *changeLog) record(sc StateChange) {
	c.mu.Lock()
	c.changes = append(c.changes, sc)
	c.mu.Unlock()
}

func (c *changeLog) states() []domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CallState, 0, len(c.changes))
	for _, sc := range c.changes {
		out = append(out, sc.State)
	}
	return out
}

type harness struct {
	machine *Machine
	sender  *fakeSender
	devices *fakeDevices
	engines []*fakeEngine
	changes *changeLog
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sender:  &fakeSender{},
		devices: newFakeDevices(),
		changes: &changeLog{},
	}
	cfg := Config{
		Self:        domain.User{ID: "doc-1", Role: domain.RoleClinician, DisplayName: "Dr. Reyes"},
		RingTimeout: time.Minute,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.machine = NewMachine(cfg, h.sender, h.devices, func() (Engine, error) {
		eng := &fakeEngine{}
		h.engines = append(h.engines, eng)
		return eng, nil
	})
	h.machine.OnStateChange(h.changes.record)
	return h
}

func (h *harness) lastEngine(t *testing.T) *fakeEngine {
	t.Helper()
	require.NotEmpty(t, h.engines, "no engine was created")
	return h.engines[len(h.engines)-1]
}

func (h *harness) deliver(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	h.machine.HandleFrame(b)
}

func (h *harness) ringIn(t *testing.T, sid domain.SessionID, caller domain.UserID) {
	t.Helper()
	h.deliver(t, signaling.CallInvite{
		Type:       signaling.TypeCallInvite,
		SessionID:  sid,
		CallerID:   caller,
		CallerName: "Pat Doe",
		Kind:       domain.CallKindVideo,
		SDP:        "remote-offer-sdp",
	})
}

var bob = domain.User{ID: "pat-7", Role: domain.RolePatient, DisplayName: "Pat Doe"}

func TestPlaceCallHappyPath(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, "appt-42"))

	state, sess := h.machine.State()
	assert.Equal(t, domain.StateDialing, state)
	require.NotNil(t, sess)
	assert.Equal(t, domain.DirectionOutgoing, sess.Direction)
	assert.Equal(t, bob.ID, sess.Remote.ID)
	assert.Equal(t, "appt-42", sess.ConsultationRef)

	invites := h.sender.invites()
	require.Len(t, invites, 1)
	assert.Equal(t, sess.ID, invites[0].SessionID)
	assert.Equal(t, bob.ID, invites[0].Target)
	assert.Equal(t, "offer-sdp", invites[0].SDP)
	assert.Equal(t, "appt-42", invites[0].ConsultationRef)

	h.deliver(t, signaling.CallAnswer{
		Type:      signaling.TypeCallAnswer,
		SessionID: sess.ID,
		SDP:       "remote-answer-sdp",
	})

	state, _ = h.machine.State()
	assert.Equal(t, domain.StateConnected, state)
	assert.Equal(t, 1, h.lastEngine(t).applyCalls)
}

func TestPlaceCallDeviceErrorSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.devices.err = errors.New("camera permission denied")

	err := h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, "")
	require.Error(t, err)

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Empty(t, h.sender.messages(), "no signaling message may be sent after a device error")
}

func TestSingleActiveSessionInvariant(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))

	err := h.machine.PlaceCall(context.Background(), domain.User{ID: "pat-9"}, domain.CallKindVideo, "")
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.Len(t, h.sender.invites(), 1)
}

func TestIncomingCallAnswered(t *testing.T) {
	h := newHarness(t)
	h.ringIn(t, "sess-1", bob.ID)

	state, sess := h.machine.State()
	assert.Equal(t, domain.StateRinging, state)
	require.NotNil(t, sess)
	assert.Equal(t, domain.DirectionIncoming, sess.Direction)
	assert.Equal(t, bob.ID, sess.Remote.ID)

	require.NoError(t, h.machine.Answer(context.Background()))

	state, _ = h.machine.State()
	assert.Equal(t, domain.StateConnected, state)

	msgs := h.sender.messages()
	require.Len(t, msgs, 1)
	answer, ok := msgs[0].(signaling.CallAnswer)
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("sess-1"), answer.SessionID)
	assert.Equal(t, bob.ID, answer.Target)
	assert.Equal(t, "answer-sdp", answer.SDP)
}

func TestIncomingCallRejected(t *testing.T) {
	h := newHarness(t)
	h.ringIn(t, "sess-1", bob.ID)

	require.NoError(t, h.machine.Reject())

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)

	rejects := h.sender.rejects()
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.SessionID("sess-1"), rejects[0].SessionID)
	assert.Equal(t, bob.ID, rejects[0].Target)
}

func TestSecondInviteWhileRingingIsAutoRejectedBusy(t *testing.T) {
	h := newHarness(t)
	h.ringIn(t, "sess-1", bob.ID)
	h.ringIn(t, "sess-2", "pat-9")

	state, sess := h.machine.State()
	assert.Equal(t, domain.StateRinging, state)
	require.NotNil(t, sess)
	assert.Equal(t, domain.SessionID("sess-1"), sess.ID, "first caller keeps the session")

	rejects := h.sender.rejects()
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.SessionID("sess-2"), rejects[0].SessionID)
	assert.Equal(t, domain.UserID("pat-9"), rejects[0].Target)
	assert.Equal(t, "busy", rejects[0].Reason)
}

func TestRecipientOfflineRevertsDialing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, sess := h.machine.State()

	h.deliver(t, signaling.RecipientOffline{
		Type:      signaling.TypeRecipientOffline,
		SessionID: sess.ID,
		Target:    bob.ID,
	})

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())

	var sawNotice bool
	h.changes.mu.Lock()
	for _, sc := range h.changes.changes {
		if sc.Reason == "user unavailable" {
			sawNotice = true
		}
	}
	h.changes.mu.Unlock()
	assert.True(t, sawNotice, "user must see an unavailable notice")
}

func TestRemoteRejectEndsDialing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, sess := h.machine.State()

	h.deliver(t, signaling.CallRejected{
		Type:      signaling.TypeCallRejected,
		SessionID: sess.ID,
	})

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Contains(t, h.changes.states(), domain.StateRejected)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())
}

func TestHangUpConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, sess := h.machine.State()
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: sess.ID, SDP: "a"})

	h.machine.HangUp()

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())

	ends := h.sender.ends()
	require.Len(t, ends, 1)
	assert.Equal(t, sess.ID, ends[0].SessionID)
	assert.Equal(t, bob.ID, ends[0].Target)
	assert.Contains(t, h.changes.states(), domain.StateEnded)
}

func TestRemoteEndWhileConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, sess := h.machine.State()
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: sess.ID, SDP: "a"})

	h.deliver(t, signaling.CallEnded{Type: signaling.TypeCallEnded, SessionID: sess.ID})

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())
	assert.Contains(t, h.changes.states(), domain.StateEnded)
}

func TestCancelWhileDialingNotifiesPeer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))

	h.machine.HangUp()

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Len(t, h.sender.ends(), 1)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())
}

func TestUnmatchedEventsAreNoOps(t *testing.T) {
	h := newHarness(t)

	// Answer with no call at all.
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: "ghost", SDP: "a"})
	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)

	// Stale rejected while dialing a different session.
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	h.deliver(t, signaling.CallRejected{Type: signaling.TypeCallRejected, SessionID: "stale"})
	state, _ = h.machine.State()
	assert.Equal(t, domain.StateDialing, state)

	// Hang up while ringing is not a listed transition.
	h2 := newHarness(t)
	h2.ringIn(t, "sess-1", bob.ID)
	h2.machine.HangUp()
	state, _ = h2.machine.State()
	assert.Equal(t, domain.StateRinging, state)
	assert.Empty(t, h2.sender.messages())
}

func TestStaleAnswerForSupersededSessionIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, first := h.machine.State()
	h.machine.HangUp()

	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, second := h.machine.State()
	require.NotEqual(t, first.ID, second.ID)

	// The answer to the cancelled first call must not connect the second.
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: first.ID, SDP: "a"})
	state, _ := h.machine.State()
	assert.Equal(t, domain.StateDialing, state)
}

func TestRingTimeoutCancelsToIdle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RingTimeout = 30 * time.Millisecond })
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))

	assert.Eventually(t, func() bool {
		state, _ := h.machine.State()
		return state == domain.StateIdle
	}, time.Second, 10*time.Millisecond)

	assert.Len(t, h.sender.ends(), 1, "the peer is told the call was abandoned")
	assert.Contains(t, h.changes.states(), domain.StateFailed)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())
}

func TestNegotiationFailureForcesFailedThenIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	eng := h.lastEngine(t)

	eng.onFailure(errors.New("no viable network path"))

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Contains(t, h.changes.states(), domain.StateFailed)
	assert.Equal(t, 1, eng.destroyCount())
}

func TestTransportDownEndsConnectedCall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, sess := h.machine.State()
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: sess.ID, SDP: "a"})

	h.machine.HandleTransportDown(errors.New("ws closed"))

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Equal(t, 1, h.lastEngine(t).destroyCount())
	assert.Contains(t, h.changes.states(), domain.StateEnded)
}

func TestTogglesDoNotChangeCallState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	_, sess := h.machine.State()
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: sess.ID, SDP: "a"})
	before := len(h.sender.messages())

	assert.False(t, h.machine.ToggleVideo())
	assert.False(t, h.devices.VideoEnabled())
	assert.True(t, h.machine.ToggleVideo())

	assert.False(t, h.machine.ToggleAudio())
	assert.False(t, h.devices.AudioEnabled())

	state, _ := h.machine.State()
	assert.Equal(t, domain.StateConnected, state)
	assert.Len(t, h.sender.messages(), before, "mute toggles must not emit signaling")
}

func TestResetReturnsToIdleFromAnyState(t *testing.T) {
	h := newHarness(t)
	h.ringIn(t, "sess-1", bob.ID)

	h.machine.Reset()

	state, sess := h.machine.State()
	assert.Equal(t, domain.StateIdle, state)
	assert.Nil(t, sess)

	// Idle again: a new call can start.
	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
}

func TestRemoteStreamSurfacedForActiveSessionOnly(t *testing.T) {
	h := newHarness(t)
	var got *rtc.RemoteStream
	h.machine.OnRemoteStream(func(rs *rtc.RemoteStream) { got = rs })

	require.NoError(t, h.machine.PlaceCall(context.Background(), bob, domain.CallKindVideo, ""))
	eng := h.lastEngine(t)
	_, sess := h.machine.State()
	h.deliver(t, signaling.CallAnswer{Type: signaling.TypeCallAnswer, SessionID: sess.ID, SDP: "a"})

	rs := &rtc.RemoteStream{}
	eng.onRemote(rs)
	assert.Same(t, rs, got)

	// After hang-up the late callback is dropped.
	h.machine.HangUp()
	got = nil
	eng.onRemote(rs)
	assert.Nil(t, got)
}
