package call

import (
	"context"
	"sync"

	"github.com/petervdpas/tutorcall/internal/store"
)

// fakeNet links the fake transports of both participants. A call connects
// when the caller applies the answer, unless connecting is disabled.
type fakeNet struct {
	mu         sync.Mutex
	transports map[string][]*fakeTransport
	deny       map[string][]error
	noConnect  bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{transports: make(map[string][]*fakeTransport), deny: make(map[string][]error)}
}

// failAcquire makes owner's next AcquireMedia calls fail with errs, in order.
func (n *fakeNet) failAcquire(owner string, errs ...error) {
	n.mu.Lock()
	n.deny[owner] = append(n.deny[owner], errs...)
	n.mu.Unlock()
}

func (n *fakeNet) factory(owner string) TransportFactory {
	return func(callID string) (Transport, error) {
		t := &fakeTransport{net: n, owner: owner, callID: callID}
		n.mu.Lock()
		n.transports[callID] = append(n.transports[callID], t)
		n.mu.Unlock()
		return t, nil
	}
}

// all returns every transport owner built for callID, oldest first.
func (n *fakeNet) all(owner, callID string) []*fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeTransport
	for _, t := range n.transports[callID] {
		if t.owner == owner {
			out = append(out, t)
		}
	}
	return out
}

// last returns the newest transport owner built for callID.
func (n *fakeNet) last(owner, callID string) *fakeTransport {
	list := n.all(owner, callID)
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (n *fakeNet) connect(callID string) {
	n.mu.Lock()
	if n.noConnect {
		n.mu.Unlock()
		return
	}
	list := append([]*fakeTransport(nil), n.transports[callID]...)
	n.mu.Unlock()
	for _, t := range list {
		t.report(TransportConnected)
	}
}

type fakeTransport struct {
	net    *fakeNet
	owner  string
	callID string

	mu       sync.Mutex
	acquired int
	closes   int
	closed   bool
	audio    bool
	video    bool
	remote   []store.ICECandidate
	onCand   func(store.ICECandidate)
	onState  func(TransportState)
	onStream func(*RemoteStream)
}

func (t *fakeTransport) AcquireMedia(_ context.Context, video, audio bool) (MediaInfo, error) {
	t.net.mu.Lock()
	var err error
	if q := t.net.deny[t.owner]; len(q) > 0 {
		err, t.net.deny[t.owner] = q[0], q[1:]
	}
	t.net.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquired++
	if err != nil {
		return MediaInfo{}, err
	}
	t.audio, t.video = audio, video
	return MediaInfo{Video: video, Audio: audio}, nil
}

func (t *fakeTransport) emitCandidate(tag string) {
	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	if fn != nil {
		fn(store.ICECandidate{Candidate: "candidate:" + t.owner + ":" + tag})
	}
}

func (t *fakeTransport) CreateOffer(context.Context) (store.SessionDescription, error) {
	if t.isClosed() {
		return store.SessionDescription{}, ErrTransportClosed
	}
	t.emitCandidate("1")
	return store.SessionDescription{Type: "offer", SDP: "offer from " + t.owner}, nil
}

func (t *fakeTransport) AcceptOffer(_ context.Context, offer store.SessionDescription) (store.SessionDescription, error) {
	if t.isClosed() {
		return store.SessionDescription{}, ErrTransportClosed
	}
	t.emitCandidate("1")
	return store.SessionDescription{Type: "answer", SDP: "answer from " + t.owner}, nil
}

func (t *fakeTransport) AcceptAnswer(context.Context, store.SessionDescription) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	go t.net.connect(t.callID)
	return nil
}

func (t *fakeTransport) AddRemoteCandidate(c store.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.remote = append(t.remote, c)
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func(store.ICECandidate)) {
	t.mu.Lock()
	t.onCand = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnRemoteStream(fn func(*RemoteStream)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

// report delivers a transport state change unless the transport is closed.
func (t *fakeTransport) report(s TransportState) {
	t.mu.Lock()
	fn := t.onState
	closed := t.closed
	t.mu.Unlock()
	if fn != nil && !closed {
		fn(s)
	}
}

func (t *fakeTransport) stream(kind string) {
	t.mu.Lock()
	fn := t.onStream
	t.mu.Unlock()
	if fn != nil {
		fn(NewRemoteStream(t.callID, kind+"-track", "stream", kind, 1, nil))
	}
}

func (t *fakeTransport) ToggleAudio() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = !t.audio
	return t.audio
}

func (t *fakeTransport) ToggleVideo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.video = !t.video
	return t.video
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remote)
}
