// Package media owns the local camera and microphone capture stream. The
// stream is acquired once, lent to the negotiation engine and to any local
// preview, and released only on explicit teardown. Mute toggles flip flags in
// place; hardware keeps running and no renegotiation ever happens.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/rs/zerolog/log"
)

type DeviceErrorKind string

const (
	DeviceNotAllowed  DeviceErrorKind = "not_allowed"
	DeviceNotReadable DeviceErrorKind = "not_readable"
	DeviceNotFound    DeviceErrorKind = "not_found"
	DeviceOther       DeviceErrorKind = "other"
)

// DeviceError wraps a capture failure with a user-actionable kind.
type DeviceError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error (%s): %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Classify maps a raw capture error onto the device taxonomy. Driver errors
// carry no structured codes, so this goes by message.
func Classify(err error) *DeviceError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") || strings.Contains(msg, "denied"):
		return &DeviceError{Kind: DeviceNotAllowed, Err: err}
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "failed to find"):
		return &DeviceError{Kind: DeviceNotFound, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "i/o"):
		return &DeviceError{Kind: DeviceNotReadable, Err: err}
	default:
		return &DeviceError{Kind: DeviceOther, Err: err}
	}
}

// CaptureFunc opens the requested kinds of local capture.
type CaptureFunc func(video, audio bool) (mediadevices.MediaStream, error)

// Controller is the single owner of the local capture stream.
type Controller struct {
	mu      sync.Mutex
	capture CaptureFunc
	codec   *mediadevices.CodecSelector

	stream       mediadevices.MediaStream
	videoEnabled bool
	audioEnabled bool
}

func NewController() *Controller {
	capture, codec := platformCapture()
	return &Controller{
		capture:      capture,
		codec:        codec,
		videoEnabled: true,
		audioEnabled: true,
	}
}

// NewControllerWithCapture injects a capture function; used by tests and by
// callers that bring their own driver setup.
func NewControllerWithCapture(capture CaptureFunc) *Controller {
	return &Controller{
		capture:      capture,
		videoEnabled: true,
		audioEnabled: true,
	}
}

// CodecSelector exposes the codec selector matching the capture pipeline so
// the negotiation engine can populate its media engine. Nil when the platform
// build has no encoders.
func (c *Controller) CodecSelector() *mediadevices.CodecSelector {
	return c.codec
}

// Acquire opens camera+microphone capture. Called once; subsequent calls
// return the existing stream. A missing or busy microphone does not prevent
// the camera from working and vice versa: video+audio is tried first, then
// each kind alone. Only a total failure surfaces as a DeviceError.
func (c *Controller) Acquire(ctx context.Context) (mediadevices.MediaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return c.stream, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &DeviceError{Kind: DeviceOther, Err: err}
	}

	var lastErr error
	for _, a := range []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		stream, err := c.capture(a.video, a.audio)
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("attempt", a.label).Msg("capture attempt failed")
			lastErr = err
			continue
		}
		log.Info().Str("module", "media").Str("attempt", a.label).Int("tracks", len(stream.GetTracks())).Msg("local media captured")
		c.stream = stream
		return stream, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempts ran")
	}
	return nil, Classify(lastErr)
}

// Stream returns the acquired stream, if any.
func (c *Controller) Stream() (mediadevices.MediaStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream, c.stream != nil
}

// SetVideoEnabled flips the video flag in place. No hardware stop, no
// renegotiation: to the peer a disabled track just freezes.
func (c *Controller) SetVideoEnabled(on bool) {
	c.mu.Lock()
	c.videoEnabled = on
	c.mu.Unlock()
	log.Info().Str("module", "media").Bool("enabled", on).Msg("video toggled")
}

func (c *Controller) SetAudioEnabled(on bool) {
	c.mu.Lock()
	c.audioEnabled = on
	c.mu.Unlock()
	log.Info().Str("module", "media").Bool("enabled", on).Msg("audio toggled")
}

func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// Release stops all tracks. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream == nil {
		return
	}
	for _, t := range stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("track close")
		}
	}
	log.Info().Str("module", "media").Msg("capture released")
}
