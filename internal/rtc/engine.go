// Package rtc wraps one peer media session per call. Negotiation is
// non-trickle: the engine waits for local candidate gathering to complete and
// produces exactly one local description, keeping the relay protocol to an
// invite-with-description and an answer-with-description.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrDestroyed            = errors.New("engine destroyed")
	ErrOfferAlreadyCreated  = errors.New("offer already created on this engine")
	ErrNoPendingOffer       = errors.New("no offer pending, engine is not the initiator")
	ErrAnswerAlreadyApplied = errors.New("answer already applied")
)

type role int

const (
	roleNone role = iota
	roleInitiator
	roleResponder
)

type Config struct {
	ICEServers []string
	// Codec must match the capture pipeline when local mediadevices tracks
	// are attached. Nil falls back to the default codec set.
	Codec *mediadevices.CodecSelector
}

// RemoteStream accumulates the remote media tracks of one negotiation.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Engine produces exactly one local description and consumes exactly one
// remote description. Creating two offers, or applying an answer before an
// offer exists, fails loudly rather than silently renegotiating.
type Engine struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	role      role
	applied   bool
	failed    bool
	destroyed bool

	remote      *RemoteStream
	remoteFired bool
	onRemote    func(*RemoteStream)
	onFailure   func(error)

	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
	audioTrack  webrtc.TrackLocal
}

func NewEngine(cfg Config) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Codec != nil {
		cfg.Codec.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not terminate the
	// call; the default 5s disconnected timeout is too aggressive.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &Engine{pc: pc, remote: &RemoteStream{}}
	e.bindCallbacks()
	return e, nil
}

func (e *Engine) bindCallbacks() {
	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed {
			e.fail(errors.New("ice connection failed"))
		}
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			e.fail(errors.New("peer connection " + s.String()))
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		if e.destroyed {
			e.mu.Unlock()
			return
		}
		e.remote.add(track)
		var fn func(*RemoteStream)
		if !e.remoteFired {
			e.remoteFired = true
			fn = e.onRemote
		}
		stream := e.remote
		e.mu.Unlock()

		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if fn != nil {
			fn(stream)
		}
	})
}

// fail reports a negotiation failure at most once and never after Destroy.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.destroyed || e.failed {
		e.mu.Unlock()
		return
	}
	e.failed = true
	fn := e.onFailure
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// OnRemoteStream sets the callback fired exactly once per successful
// negotiation, when the first remote track arrives.
func (e *Engine) OnRemoteStream(fn func(*RemoteStream)) {
	e.mu.Lock()
	e.onRemote = fn
	e.mu.Unlock()
}

func (e *Engine) OnFailure(fn func(error)) {
	e.mu.Lock()
	e.onFailure = fn
	e.mu.Unlock()
}

// CreateOffer attaches the local stream, produces an offer and blocks until
// candidate gathering completes. Role becomes initiator.
func (e *Engine) CreateOffer(ctx context.Context, stream mediadevices.MediaStream) (webrtc.SessionDescription, error) {
	if err := e.takeRole(roleInitiator); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := e.addLocalTracks(stream); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return e.setLocalAndGather(ctx, offer)
}

// CreateAnswer consumes the remote offer, attaches the local stream and
// produces the answering description. Role becomes responder.
func (e *Engine) CreateAnswer(ctx context.Context, stream mediadevices.MediaStream, remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.takeRole(roleResponder); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	if err := e.addLocalTracks(stream); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return e.setLocalAndGather(ctx, answer)
}

// ApplyAnswer consumes the remote answer. Initiator only, once.
func (e *Engine) ApplyAnswer(remote webrtc.SessionDescription) error {
	e.mu.Lock()
	switch {
	case e.destroyed:
		e.mu.Unlock()
		return ErrDestroyed
	case e.role != roleInitiator:
		e.mu.Unlock()
		return ErrNoPendingOffer
	case e.applied:
		e.mu.Unlock()
		return ErrAnswerAlreadyApplied
	}
	e.applied = true
	e.mu.Unlock()

	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	return nil
}

func (e *Engine) takeRole(r role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.role != roleNone {
		return ErrOfferAlreadyCreated
	}
	e.role = r
	return nil
}

func (e *Engine) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("candidate gathering: %w", ctx.Err())
	}

	local := e.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description after gathering")
	}
	return *local, nil
}

// addLocalTracks attaches the capture stream's tracks, falling back to
// recvonly transceivers per missing kind so the description always carries
// valid m-lines.
func (e *Engine) addLocalTracks(stream mediadevices.MediaStream) error {
	var haveVideo, haveAudio bool
	if stream != nil {
		for _, track := range stream.GetTracks() {
			sender, err := e.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add track %s: %w", track.ID(), err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
				e.mu.Lock()
				e.videoSender, e.videoTrack = sender, track
				e.mu.Unlock()
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
				e.mu.Lock()
				e.audioSender, e.audioTrack = sender, track
				e.mu.Unlock()
			}
		}
	}
	if !haveVideo {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if !haveAudio {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	return nil
}

// SetVideoEnabled detaches or reattaches the sending video track via
// ReplaceTrack. No renegotiation message is emitted; the peer's rendered
// video simply freezes on the last frame.
func (e *Engine) SetVideoEnabled(on bool) error {
	e.mu.Lock()
	sender, track := e.videoSender, e.videoTrack
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if sender == nil {
		return nil
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

func (e *Engine) SetAudioEnabled(on bool) error {
	e.mu.Lock()
	sender, track := e.audioSender, e.audioTrack
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if sender == nil {
		return nil
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// Destroy tears down the underlying peer session. Idempotent, safe from any
// state; callbacks arriving after Destroy are no-ops.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("engine destroyed")
	}
}
