package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

// PeerOptions configure PeerTransport.
type PeerOptions struct {
	ICEServers []string
	// Trickle sends candidates as they are gathered. Without it the local
	// description is only returned once gathering completed, carrying
	// every candidate inline.
	Trickle bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration

	Media   MediaSource
	Loggers logging.LoggerFactory

	// IncludeLoopback gathers 127.0.0.1 candidates. Only useful for
	// in-process tests.
	IncludeLoopback bool
}

// PeerFactory returns a TransportFactory building PeerTransports.
func PeerFactory(opts PeerOptions) TransportFactory {
	return func(callID string) (Transport, error) {
		return NewPeerTransport(callID, opts)
	}
}

// PeerTransport is a Transport on a Pion PeerConnection.
type PeerTransport struct {
	callID string
	short  string
	opts   PeerOptions
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	media     *MediaHandle
	acquired  bool
	senders   map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks    map[webrtc.RTPCodecType]webrtc.TrackLocal
	enabled   map[webrtc.RTPCodecType]bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]bool
	closed    bool

	onCandidate func(store.ICECandidate)
	onState     func(TransportState)
	onStream    func(*RemoteStream)
}

func newAPI(opts PeerOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := opts.Media.Configure(mediaEngine); err != nil {
		return nil, fmt.Errorf("configure codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, 2*time.Second)
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if opts.Loggers != nil {
		se.LoggerFactory = opts.Loggers
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewPeerTransport creates the peer connection for callID. No media is
// captured until AcquireMedia.
func NewPeerTransport(callID string, opts PeerOptions) (*PeerTransport, error) {
	if opts.Media == nil {
		opts.Media = NoMedia{}
	}
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = 30 * time.Second
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = 120 * time.Second
	}
	api, err := newAPI(opts)
	if err != nil {
		return nil, err
	}

	var servers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	t := &PeerTransport{
		callID:  callID,
		short:   util.ShortID(callID, 8),
		opts:    opts,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		enabled: make(map[webrtc.RTPCodecType]bool),
		seen:    make(map[string]bool),
	}
	pc.OnICECandidate(t.handleLocalCandidate)
	pc.OnConnectionStateChange(t.handleState)
	pc.OnTrack(t.handleTrack)
	return t, nil
}

func (t *PeerTransport) OnLocalCandidate(fn func(store.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *PeerTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PeerTransport) OnRemoteStream(fn func(*RemoteStream)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *PeerTransport) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil || !t.opts.Trickle {
		return
	}
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(candidateToStore(c.ToJSON()))
	}
}

func (t *PeerTransport) handleState(s webrtc.PeerConnectionState) {
	state := TransportState(s.String())
	t.mu.Lock()
	closed := t.closed
	fn := t.onState
	t.mu.Unlock()
	if closed {
		return
	}
	log.Printf("CALL [%s]: connection state %s", t.short, state)
	if state.Down() {
		// Devices are released before anyone hears about it.
		t.releaseMedia()
	}
	if fn != nil {
		fn(state)
	}
}

func (t *PeerTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	key := fmt.Sprintf("%s/%d", track.ID(), track.SSRC())
	t.mu.Lock()
	if t.seen[key] || t.closed {
		t.mu.Unlock()
		return
	}
	t.seen[key] = true
	fn := t.onStream
	t.mu.Unlock()

	log.Printf("CALL [%s]: remote %s track %s (ssrc %d)", t.short, track.Kind(), track.ID(), track.SSRC())
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the first frame renders without waiting
		// for the sender's next periodic one.
		if err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			log.Printf("CALL [%s]: PLI: %v", t.short, err)
		}
	}
	if fn != nil {
		fn(NewRemoteStream(t.callID, track.ID(), track.StreamID(), track.Kind().String(), uint32(track.SSRC()),
			func() (*rtp.Packet, error) {
				pkt, _, err := track.ReadRTP()
				return pkt, err
			}))
	}
}

// AcquireMedia opens local devices and attaches their tracks. A second
// call returns what the first one captured.
func (t *PeerTransport) AcquireMedia(_ context.Context, video, audio bool) (MediaInfo, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return MediaInfo{}, ErrTransportClosed
	}
	if t.acquired {
		info := MediaInfo{}
		if t.media != nil {
			info = t.media.Info
		}
		t.mu.Unlock()
		return info, nil
	}
	t.mu.Unlock()

	h, err := t.opts.Media.Open(t.callID, video, audio)
	if err != nil {
		return MediaInfo{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		h.Release()
		return MediaInfo{}, ErrTransportClosed
	}
	for _, track := range h.Tracks {
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", t.short, err)
			continue
		}
		go drainRTCP(sender)
		t.senders[track.Kind()] = sender
		t.tracks[track.Kind()] = track
		t.enabled[track.Kind()] = true
	}
	t.media = h
	t.acquired = true
	return h.Info, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, TWCC) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ensureTransceivers adds recvonly transceivers for kinds without a local
// track, so the offer always negotiates both directions' m-lines.
func (t *PeerTransport) ensureTransceivers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, ok := t.senders[kind]; !ok {
			addRecvOnlyTransceiver(t.short, t.pc, kind)
		}
	}
}

func (t *PeerTransport) localDescription(ctx context.Context, desc webrtc.SessionDescription) (store.SessionDescription, error) {
	var gathered <-chan struct{}
	if !t.opts.Trickle {
		gathered = webrtc.GatheringCompletePromise(t.pc)
	}
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return store.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return store.SessionDescription{}, ctx.Err()
		}
	}
	ld := t.pc.LocalDescription()
	if ld == nil {
		return store.SessionDescription{}, ErrTransportClosed
	}
	return store.SessionDescription{Type: ld.Type.String(), SDP: ld.SDP}, nil
}

func (t *PeerTransport) CreateOffer(ctx context.Context) (store.SessionDescription, error) {
	if t.isClosed() {
		return store.SessionDescription{}, ErrTransportClosed
	}
	t.ensureTransceivers()
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return store.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return t.localDescription(ctx, offer)
}

func (t *PeerTransport) AcceptOffer(ctx context.Context, offer store.SessionDescription) (store.SessionDescription, error) {
	if t.isClosed() {
		return store.SessionDescription{}, ErrTransportClosed
	}
	if err := t.setRemote(webrtc.SDPTypeOffer, offer.SDP); err != nil {
		return store.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return store.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return t.localDescription(ctx, answer)
}

func (t *PeerTransport) AcceptAnswer(_ context.Context, answer store.SessionDescription) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.setRemote(webrtc.SDPTypeAnswer, answer.SDP)
}

// setRemote applies the remote description and flushes the candidates
// that arrived before it.
func (t *PeerTransport) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: buffered candidate rejected: %v", t.short, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL [%s]: applied %d buffered candidate(s)", t.short, len(pending))
	}
	return nil
}

func (t *PeerTransport) AddRemoteCandidate(c store.ICECandidate) error {
	init := candidateFromStore(c)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(init)
}

func (t *PeerTransport) ToggleAudio() bool { return t.toggle(webrtc.RTPCodecTypeAudio) }

func (t *PeerTransport) ToggleVideo() bool { return t.toggle(webrtc.RTPCodecTypeVideo) }

// toggle swaps the sender's track with nil and back. Nothing is
// renegotiated; the remote side just stops receiving packets.
func (t *PeerTransport) toggle(kind webrtc.RTPCodecType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sender, ok := t.senders[kind]
	if !ok || t.closed {
		return false
	}
	on := !t.enabled[kind]
	var track webrtc.TrackLocal
	if on {
		track = t.tracks[kind]
	}
	if err := sender.ReplaceTrack(track); err != nil {
		log.Printf("CALL [%s]: toggle %s: %v", t.short, kind, err)
		return t.enabled[kind]
	}
	t.enabled[kind] = on
	log.Printf("CALL [%s]: %s enabled=%v", t.short, kind, on)
	return on
}

func (t *PeerTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *PeerTransport) releaseMedia() {
	t.mu.Lock()
	h := t.media
	t.mu.Unlock()
	h.Release()
}

// Close releases media first, then closes the peer connection.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.media
	t.mu.Unlock()

	h.Release()
	return t.pc.Close()
}

func candidateToStore(c webrtc.ICECandidateInit) store.ICECandidate {
	return store.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateFromStore(c store.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
