package domain

type (
	SessionID string
	CallKind  string
)

const (
	CallKindVideo CallKind = "video"
	CallKindAudio CallKind = "audio"
)

// CallState is the lifecycle state of a call session.
// Keep values stable because they are part of the wire protocol and logs.
type CallState string

const (
	StateIdle      CallState = "idle"
	StateDialing   CallState = "dialing"
	StateRinging   CallState = "ringing"
	StateConnected CallState = "connected"
	StateEnded     CallState = "ended"
	StateRejected  CallState = "rejected"
	StateFailed    CallState = "failed"
)

// Terminal reports whether the state admits no further call activity.
func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CallSession is the unit of orchestration: one 1:1 audio/video call.
// At most one non-terminal session exists per client at any time.
type CallSession struct {
	ID        SessionID
	Local     User
	Remote    User
	Direction Direction
	State     CallState
	Kind      CallKind

	// ConsultationRef links the call to an appointment record owned by the
	// external CRUD collaborator. Referenced, never dereferenced here.
	ConsultationRef string
}
