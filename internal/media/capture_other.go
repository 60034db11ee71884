//go:build !linux

package media

import (
	"errors"

	"github.com/pion/mediadevices"
)

var errUnsupportedPlatform = errors.New("media capture drivers not built for this platform")

func platformCapture() (CaptureFunc, *mediadevices.CodecSelector) {
	capture := func(_, _ bool) (mediadevices.MediaStream, error) {
		return nil, errUnsupportedPlatform
	}
	return capture, nil
}
