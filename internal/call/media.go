package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaSource captures local devices for a peer connection.
type MediaSource interface {
	// Configure registers the codecs the source produces.
	Configure(m *webrtc.MediaEngine) error
	// Open captures the requested kinds. It may return fewer kinds than
	// requested; it fails only when nothing usable could be opened.
	Open(callID string, video, audio bool) (*MediaHandle, error)
}

// MediaHandle owns captured local tracks until Release.
type MediaHandle struct {
	Tracks []webrtc.TrackLocal
	Info   MediaInfo

	once    sync.Once
	release func()
}

// NewMediaHandle wraps tracks; release frees the devices behind them.
func NewMediaHandle(tracks []webrtc.TrackLocal, info MediaInfo, release func()) *MediaHandle {
	return &MediaHandle{Tracks: tracks, Info: info, release: release}
}

// Release frees the devices. Safe to call more than once and on nil.
func (h *MediaHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// NoMedia is a MediaSource without devices: every Open reports
// ErrDeviceUnavailable. It is the source on platforms without capture
// drivers and for receive-only peers.
type NoMedia struct{}

func (NoMedia) Configure(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }

func (NoMedia) Open(string, bool, bool) (*MediaHandle, error) { return nil, ErrDeviceUnavailable }

// addRecvOnlyTransceiver adds a recvonly transceiver for kind so offers and
// answers always carry an m-line with ICE credentials for it.
func addRecvOnlyTransceiver(callID string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(%s) error: %v", callID, kind, err)
	}
}
