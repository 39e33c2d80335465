//go:build linux

package call

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 + malgo), encoding VP8 and Opus.
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
}

// NewDeviceSource prepares the encoders.
func NewDeviceSource() (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{codecs: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (d *DeviceSource) Configure(m *webrtc.MediaEngine) error {
	d.codecs.Populate(m)
	return nil
}

func permissionError(err error) bool {
	return errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied")
}

// Open tries the requested kinds together first, then each alone, so a
// busy microphone does not cost the camera and vice versa.
func (d *DeviceSource) Open(callID string, video, audio bool) (*MediaHandle, error) {
	if !video && !audio {
		return nil, ErrDeviceUnavailable
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", callID)
		return nil, ErrDeviceUnavailable
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if video && audio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if audio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	denied := false
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG nodes on some cameras produce
				// frames the VP8 encoder chokes on.
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
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			if permissionError(err) {
				denied = true
			}
			continue
		}

		tracks := stream.GetTracks()
		var local []webrtc.TrackLocal
		var info MediaInfo
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			local = append(local, track)
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				info.Video = true
			case webrtc.RTPCodecTypeAudio:
				info.Audio = true
			}
		}
		log.Printf("CALL [%s]: local media captured (%s), %d tracks", callID, a.label, len(tracks))
		return NewMediaHandle(local, info, func() {
			for _, t := range tracks {
				t.Close()
			}
		}), nil
	}

	if denied {
		return nil, ErrPermissionDenied
	}
	return nil, ErrDeviceUnavailable
}
