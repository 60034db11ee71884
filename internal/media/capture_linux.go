//go:build linux

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

// platformCapture wires V4L2 camera and malgo microphone capture with
// VP8+Opus encoders.
func platformCapture() (CaptureFunc, *mediadevices.CodecSelector) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("vp8 params")
		return failingCapture(err), nil
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("opus params")
		return failingCapture(err), nil
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	capture := func(video, audio bool) (mediadevices.MediaStream, error) {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}
		return mediadevices.GetUserMedia(constraints)
	}

	return capture, codecSelector
}

func failingCapture(err error) CaptureFunc {
	return func(_, _ bool) (mediadevices.MediaStream, error) {
		return nil, err
	}
}
