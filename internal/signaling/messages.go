// Package signaling defines the call-control messages relayed between
// clients. Every client-originated message is addressed by target user id and
// routed by the relay's presence registry; every message carries the session
// id it belongs to so a stale message from a superseded session can never be
// misapplied to a newer one.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/carebridge/telecall/internal/domain"
)

type MsgType string

const (
	// Client -> relay.
	TypeAnnounce   MsgType = "announce"
	TypeCallInvite MsgType = "call-invite"
	TypeCallAnswer MsgType = "call-answer"
	TypeCallReject MsgType = "call-reject"
	TypeCallEnd    MsgType = "call-end"
	TypePing       MsgType = "ping"

	// Relay -> client.
	TypeAnnounceAck      MsgType = "announce-ack"
	TypeCallRejected     MsgType = "call-rejected"
	TypeCallEnded        MsgType = "call-ended"
	TypeRecipientOffline MsgType = "recipient-offline"
	TypePong             MsgType = "pong"
	TypeError            MsgType = "error"
)

// Announce registers the sender's identity with the relay. Sent on every
// (re)connect; idempotent, last announcement wins for routing.
type Announce struct {
	Type        MsgType       `json:"type"`
	UserID      domain.UserID `json:"user_id"`
	Role        domain.Role   `json:"role"`
	DisplayName string        `json:"display_name"`
}

// CallInvite opens a call. The relay stamps the caller fields from the
// sender's presence entry before delivery, so a client cannot spoof them.
type CallInvite struct {
	Type            MsgType          `json:"type"`
	SessionID       domain.SessionID `json:"session_id"`
	Target          domain.UserID    `json:"target,omitempty"`
	CallerID        domain.UserID    `json:"caller_id,omitempty"`
	CallerName      string           `json:"caller_name,omitempty"`
	Kind            domain.CallKind  `json:"call_kind"`
	SDP             string           `json:"sdp"`
	ConsultationRef string           `json:"consultation_ref,omitempty"`
}

type CallAnswer struct {
	Type      MsgType          `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Target    domain.UserID    `json:"target,omitempty"`
	SDP       string           `json:"sdp"`
}

type CallReject struct {
	Type      MsgType          `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Target    domain.UserID    `json:"target,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type CallEnd struct {
	Type      MsgType          `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Target    domain.UserID    `json:"target,omitempty"`
}

// CallRejected is the delivered form of CallReject.
type CallRejected struct {
	Type      MsgType          `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Reason    string           `json:"reason,omitempty"`
}

// CallEnded is the delivered form of CallEnd.
type CallEnded struct {
	Type      MsgType          `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
}

// RecipientOffline is sent back to the caller when the target user has no
// live connection in the presence registry.
type RecipientOffline struct {
	Type      MsgType          `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Target    domain.UserID    `json:"target"`
}

type AnnounceAck struct {
	Type   MsgType       `json:"type"`
	UserID domain.UserID `json:"user_id"`
}

type Error struct {
	Type  MsgType `json:"type"`
	Error string  `json:"error"`
}

// TypeOf peeks at the type tag of a raw frame without decoding the body.
func TypeOf(data []byte) (MsgType, error) {
	var env struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("signaling: bad frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("signaling: frame has no type tag")
	}
	return env.Type, nil
}
