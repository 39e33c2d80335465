package call

import (
	"context"

	"github.com/pion/rtp"

	"github.com/petervdpas/tutorcall/internal/store"
)

// TransportState mirrors the native peer connection state.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Down reports whether the state ends a call.
func (s TransportState) Down() bool {
	return s == TransportDisconnected || s == TransportFailed || s == TransportClosed
}

// MediaInfo reports which local tracks were captured.
type MediaInfo struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// Transport is the capability set the coordinator needs from one call's
// media path. Implementations must not block inside the registered
// callbacks' callers for longer than the callback itself takes, and the
// coordinator's callbacks never block.
type Transport interface {
	// AcquireMedia captures local devices. It is called at most once per
	// call attempt and fails with ErrPermissionDenied or ErrDeviceUnavailable.
	AcquireMedia(ctx context.Context, video, audio bool) (MediaInfo, error)

	// CreateOffer produces and applies the local offer.
	CreateOffer(ctx context.Context) (store.SessionDescription, error)
	// AcceptOffer applies the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer store.SessionDescription) (store.SessionDescription, error)
	// AcceptAnswer applies the remote answer.
	AcceptAnswer(ctx context.Context, answer store.SessionDescription) error
	// AddRemoteCandidate applies a remote candidate, buffering it until a
	// remote description is in place.
	AddRemoteCandidate(c store.ICECandidate) error

	OnLocalCandidate(fn func(store.ICECandidate))
	OnStateChange(fn func(TransportState))
	// OnRemoteStream fires once per remote track.
	OnRemoteStream(fn func(*RemoteStream))

	// ToggleAudio and ToggleVideo flip local track enablement and return
	// whether the track is now enabled. No signaling is involved.
	ToggleAudio() bool
	ToggleVideo() bool

	// Close releases local media and closes the native connection. It is
	// idempotent and never reports a state change.
	Close() error
}

// TransportFactory builds the transport for one call id.
type TransportFactory func(callID string) (Transport, error)

// RemoteStream is one remote track handed to the render target.
type RemoteStream struct {
	CallID   string `json:"call_id"`
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	SSRC     uint32 `json:"ssrc"`

	read func() (*rtp.Packet, error)
}

// NewRemoteStream wraps a packet reader.
func NewRemoteStream(callID, trackID, streamID, kind string, ssrc uint32, read func() (*rtp.Packet, error)) *RemoteStream {
	return &RemoteStream{CallID: callID, TrackID: trackID, StreamID: streamID, Kind: kind, SSRC: ssrc, read: read}
}

// ReadPacket blocks for the next RTP packet of the track.
func (r *RemoteStream) ReadPacket() (*rtp.Packet, error) {
	if r.read == nil {
		return nil, ErrTransportClosed
	}
	return r.read()
}
