// Package call runs the local side of direct peer-to-peer calls: the Pion
// transport that owns devices and the peer connection, and the Coordinator
// that drives sessions through the shared store.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/petervdpas/tutorcall/internal/callstate"
	"github.com/petervdpas/tutorcall/internal/directory"
	"github.com/petervdpas/tutorcall/internal/signaling"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

// Identity is the local participant.
type Identity = directory.Party

// maxTracked bounds how many sessions, live or ended, the coordinator keeps.
const maxTracked = 256

// Options tune a Coordinator. Zero durations take the defaults.
type Options struct {
	Validity           time.Duration
	NegotiationTimeout time.Duration
	Video              bool
	Audio              bool
	// AllowReceiveOnly lets a call proceed without local media when no
	// capture device is available.
	AllowReceiveOnly bool
}

func (o Options) withDefaults() Options {
	if o.Validity <= 0 {
		o.Validity = 2 * time.Minute
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 30 * time.Second
	}
	return o
}

// Coordinator owns every call session of one participant.
type Coordinator struct {
	self    Identity
	sig     *signaling.Channel
	dir     *directory.Directory
	factory TransportFactory
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	// bgMu guards wg.Add against the final wg.Wait in Close.
	bgMu     sync.Mutex
	bgClosed bool
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	declined map[string]struct{}
	starting map[string]struct{}
	closed   bool

	incoming feed[IncomingCall]
	all      feed[Event]
}

// NewCoordinator returns a coordinator for self. Call Run to start
// discovering incoming calls.
func NewCoordinator(self Identity, sig *signaling.Channel, dir *directory.Directory, factory TransportFactory, opts Options) (*Coordinator, error) {
	id, err := util.ValidateIdentity(self.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	role, err := util.ValidateIdentity(self.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: role: %v", ErrInvalidArgument, err)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: transport factory is required", ErrInvalidArgument)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		self:     Identity{ID: id, Role: role},
		sig:      sig,
		dir:      dir,
		factory:  factory,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		declined: make(map[string]struct{}),
		starting: make(map[string]struct{}),
	}, nil
}

// Self returns the local identity.
func (c *Coordinator) Self() Identity { return c.self }

func (c *Coordinator) now() time.Time { return c.sig.Store().Now() }

// background runs a best-effort store write. Failures are logged and
// swallowed; Close waits for pending writes. Writes handed over after
// Close has drained are dropped.
func (c *Coordinator) background(fn func(ctx context.Context) error) {
	c.bgMu.Lock()
	if c.bgClosed {
		c.bgMu.Unlock()
		log.Printf("CALL: coordinator closed, dropping store write")
		return
	}
	c.wg.Add(1)
	c.bgMu.Unlock()
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultStoreTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("CALL: background write: %v", err)
		}
	}()
}

func (c *Coordinator) endRemote(id string, reason store.EndReason) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.sig.End(ctx, id, reason, c.self.ID)
		return err
	}
}

// withdrawRemote ends an unanswered call; if the receiver answered in the
// meantime the call is ended anyway.
func (c *Coordinator) withdrawRemote(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.dir.Withdraw(ctx, id, c.self.ID)
		if errors.Is(err, directory.ErrStaleSession) {
			_, err = c.sig.End(ctx, id, store.ReasonCancelled, c.self.ID)
		}
		return err
	}
}

func (c *Coordinator) rejectRemote(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.dir.Reject(ctx, id, c.self.ID)
		if errors.Is(err, directory.ErrStaleSession) {
			_, err = c.sig.End(ctx, id, store.ReasonCancelled, c.self.ID)
		}
		return err
	}
}

// expireRemote records the timeout. When the other side answered after
// this one gave up, the call is ended anyway so both agree it is over.
func (c *Coordinator) expireRemote(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.dir.Expire(ctx, id, c.self.ID)
		if errors.Is(err, directory.ErrStaleSession) {
			_, err = c.sig.End(ctx, id, store.ReasonCancelled, c.self.ID)
		}
		return err
	}
}

// registerLocked adds s and forgets the oldest ended sessions beyond
// maxTracked. c.mu must be held.
func (c *Coordinator) registerLocked(s *session) {
	c.sessions[s.id] = s
	c.order = append(c.order, s.id)
	for i := 0; len(c.sessions) > maxTracked && i < len(c.order); {
		old := c.sessions[c.order[i]]
		if old == nil || !old.terminal() {
			i++
			continue
		}
		delete(c.sessions, old.id)
		c.order = slices.Delete(c.order, i, i+1)
	}
}

func (c *Coordinator) lookup(id string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, util.ShortID(id, 8))
	}
	return s, nil
}

// liveWithLocked returns the non-ended session with peer, if any.
func (c *Coordinator) liveWithLocked(peerID string) *session {
	for _, id := range c.order {
		s := c.sessions[id]
		if s != nil && s.peer.ID == peerID && !s.terminal() {
			return s
		}
	}
	return nil
}

// acquire captures local media, falling back to receive-only when allowed.
func (c *Coordinator) acquire(ctx context.Context, t Transport) (MediaInfo, error) {
	if !c.opts.Video && !c.opts.Audio {
		return MediaInfo{}, nil
	}
	info, err := t.AcquireMedia(ctx, c.opts.Video, c.opts.Audio)
	if errors.Is(err, ErrDeviceUnavailable) && c.opts.AllowReceiveOnly {
		log.Printf("CALL: no capture device, continuing receive-only")
		return MediaInfo{}, nil
	}
	return info, err
}

// Run follows the local identity's incoming calls until ctx is done or
// the coordinator is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(c.ctx, stop)()

	updates, cancel := c.dir.Discover(ctx, c.self)
	defer cancel()
	log.Printf("CALL: discovering calls for %s (%s)", c.self.ID, c.self.Role)
	for list := range updates {
		c.discovered(list)
	}
	return nil
}

// discovered surfaces new incoming sessions and settles the ones that left
// the list without being acted on.
func (c *Coordinator) discovered(list []*store.CallSession) {
	visible := make(map[string]bool, len(list))
	for _, cs := range list {
		visible[cs.ID] = true
		c.surface(cs)
	}

	c.mu.Lock()
	var gone []*session
	for _, s := range c.sessions {
		if !visible[s.id] && s.waiting() {
			gone = append(gone, s)
		}
	}
	for id := range c.declined {
		if !visible[id] {
			delete(c.declined, id)
		}
	}
	c.mu.Unlock()
	for _, s := range gone {
		go c.reconcile(s)
	}
}

// surface turns a discovered session into a local ringing call. A pending
// outgoing call to the same party is a mutual call: SelfReceives picks the
// one that survives.
func (c *Coordinator) surface(cs *store.CallSession) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.sessions[cs.ID]; ok {
		c.mu.Unlock()
		return
	}
	if _, ok := c.declined[cs.ID]; ok {
		c.mu.Unlock()
		return
	}

	out := c.liveWithLocked(cs.CallerID)
	if out != nil && (out.side != store.SideCaller || out.isAnswered()) {
		out = nil
	}
	if out != nil && !directory.SelfReceives(c.self.ID, cs.CallerID) {
		c.declined[cs.ID] = struct{}{}
		c.mu.Unlock()
		log.Printf("CALL [%s]: mutual call from %s, keeping call %s", util.ShortID(cs.ID, 8), cs.CallerID, out.short)
		c.background(c.endRemote(cs.ID, store.ReasonCancelled))
		return
	}

	s := newSession(c, cs.ID, store.SideReceiver,
		directory.Party{ID: cs.CallerID, Role: cs.CallerRole}, cs.CreatedAt, cs.ExpiresAt)
	c.registerLocked(s)
	s.mu.Lock()
	s.fireLocked(callstate.EvIncoming, callstate.ReasonNone)
	s.mu.Unlock()
	c.incoming.publish(s.incomingCall())
	c.mu.Unlock()

	log.Printf("CALL [%s]: incoming from %s (%s)", s.short, cs.CallerID, cs.CallerRole)
	if out != nil {
		log.Printf("CALL [%s]: mutual call, withdrawing ours", out.short)
		out.finish(ending{reason: callstate.ReasonCancelled})
		c.background(c.withdrawRemote(out.id))
	}
	s.start()
	c.background(func(ctx context.Context) error {
		_, err := c.dir.MarkRinging(ctx, cs.ID)
		return err
	})
}

// reconcile settles an incoming call that discovery no longer lists.
func (c *Coordinator) reconcile(s *session) {
	ctx, cancel := context.WithTimeout(s.ctx, util.DefaultStoreTimeout)
	defer cancel()
	doc, err := c.sig.Store().Get(ctx, s.id)
	idle := func() bool { return s.answered || s.accepting != nil }
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.finish(ending{reason: callstate.ReasonCancelled, unless: idle})
	case err != nil:
		if s.ctx.Err() == nil {
			log.Printf("CALL [%s]: reconcile: %v", s.short, err)
		}
	case doc.Ended():
		s.finish(ending{reason: callstate.FromPersisted(doc.EndReason), remote: doc.EndedBy, unless: idle})
	case doc.Expired(c.now()) && (doc.Status == store.StatusPending || doc.Status == store.StatusRinging):
		s.finish(ending{reason: callstate.ReasonExpired, persist: c.expireRemote(s.id), unless: idle})
	case doc.Status != store.StatusPending && doc.Status != store.StatusRinging:
		// Answered without us.
		s.finish(ending{reason: callstate.ReasonCancelled, unless: idle})
	}
}

// StartCall places a call and returns its session id. Local media is
// captured before anything is written, so a refused device leaves no trace
// in the store. A live session with the same party fails with an
// *directory.ExistingSessionError; when Mirror is set the other party is
// already calling and discovery surfaces that call instead.
func (c *Coordinator) StartCall(ctx context.Context, receiverID, receiverRole string) (string, error) {
	receiver := directory.Party{ID: receiverID, Role: receiverRole}
	if receiver.ID == "" || receiver.Role == "" {
		return "", fmt.Errorf("%w: receiver id and role are required", ErrInvalidArgument)
	}
	if receiver.ID == c.self.ID {
		return "", fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}

	c.mu.Lock()
	closed := c.closed
	existing := c.liveWithLocked(receiver.ID)
	_, busy := c.starting[receiver.ID]
	if !closed && !busy {
		c.starting[receiver.ID] = struct{}{}
	}
	c.mu.Unlock()
	if closed {
		return "", ErrTransportClosed
	}
	if busy {
		return "", fmt.Errorf("%w: a call to %s is already being placed", store.ErrAlreadyExists, receiver.ID)
	}
	defer func() {
		c.mu.Lock()
		delete(c.starting, receiver.ID)
		c.mu.Unlock()
	}()
	if existing != nil && existing.waiting() && !directory.SelfReceives(c.self.ID, receiver.ID) {
		// Mutual call that this side wins: creating ours cancels theirs.
		existing.finish(ending{reason: callstate.ReasonCancelled})
		existing = nil
	}
	if existing != nil {
		return "", &directory.ExistingSessionError{ID: existing.id, Mirror: existing.side == store.SideReceiver}
	}

	id := directory.NewSessionID()
	t, err := c.factory(id)
	if err != nil {
		return "", fmt.Errorf("transport: %w", err)
	}
	media, err := c.acquire(ctx, t)
	if err != nil {
		t.Close()
		return "", err
	}

	s := newSession(c, id, store.SideCaller, receiver, time.Time{}, time.Time{})
	s.setTransport(t, media)
	s.attach(t)

	offer, err := t.CreateOffer(ctx)
	if err != nil {
		s.cancel()
		t.Close()
		return "", fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}

	now := c.now()
	if _, err := c.dir.CreateWithID(ctx, id, c.self, receiver, &offer, c.opts.Validity); err != nil {
		s.cancel()
		t.Close()
		var ex *directory.ExistingSessionError
		if errors.As(err, &ex) && ex.Mirror {
			log.Printf("CALL [%s]: %s is already calling us", util.ShortID(ex.ID, 8), receiver.ID)
		}
		return "", err
	}

	c.mu.Lock()
	c.registerLocked(s)
	s.mu.Lock()
	s.createdAt = now
	s.expiresAt = now.Add(c.opts.Validity)
	s.fireLocked(callstate.EvStart, callstate.ReasonNone)
	s.mu.Unlock()
	c.mu.Unlock()

	s.start()
	s.startConsumer()
	log.Printf("CALL [%s]: calling %s (%s)", s.short, receiver.ID, receiver.Role)
	return id, nil
}

// beginAccept marks an accept attempt in flight and returns its context.
// Ending the call cancels it.
func (s *session) beginAccept(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.machine.Terminal():
		return nil, nil, fmt.Errorf("%w: call already ended", directory.ErrStaleSession)
	case s.answered:
		return nil, nil, fmt.Errorf("%w: already accepted", store.ErrAlreadyExists)
	case s.accepting != nil:
		return nil, nil, fmt.Errorf("%w: accept in progress", store.ErrAlreadyExists)
	}
	actx, cancel := context.WithCancel(ctx)
	s.accepting = cancel
	return actx, func() {
		cancel()
		s.mu.Lock()
		s.accepting = nil
		s.mu.Unlock()
	}, nil
}

// AcceptCall answers an incoming call. A refused or missing device fails
// with ErrPermissionDenied or ErrDeviceUnavailable and leaves the call
// ringing so the accept can be retried.
func (c *Coordinator) AcceptCall(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	if s.side != store.SideReceiver {
		return fmt.Errorf("%w: %s is not an incoming call", ErrInvalidArgument, s.short)
	}
	actx, done, err := s.beginAccept(ctx)
	if err != nil {
		return err
	}
	defer done()

	stale := func(why string) error {
		return fmt.Errorf("%w: %s", directory.ErrStaleSession, why)
	}

	doc, err := c.sig.Store().Get(actx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		done()
		s.finish(ending{reason: callstate.ReasonCancelled})
		return stale("call is gone")
	case err != nil:
		return err
	case doc.Ended():
		done()
		s.finish(ending{reason: callstate.FromPersisted(doc.EndReason), remote: doc.EndedBy})
		return stale("call already ended")
	case doc.Status != store.StatusPending && doc.Status != store.StatusRinging:
		return stale("already " + string(doc.Status))
	case doc.Expired(c.now()):
		done()
		s.finish(ending{reason: callstate.ReasonExpired, persist: c.expireRemote(id)})
		return stale("call expired")
	case doc.Offer == nil:
		return stale("no offer")
	}

	t, err := c.factory(id)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	media, err := c.acquire(actx, t)
	if err != nil {
		t.Close()
		if s.terminal() {
			return stale("call ended while accepting")
		}
		log.Printf("CALL [%s]: accept: %v", s.short, err)
		return err
	}
	if !s.setTransport(t, media) {
		t.Close()
		return stale("call ended while accepting")
	}
	s.attach(t)

	answer, err := t.AcceptOffer(actx, *doc.Offer)
	if err != nil {
		if s.terminal() {
			return stale("call ended while accepting")
		}
		err = fmt.Errorf("%w: accept offer: %v", ErrNegotiationFailed, err)
		s.fail(err)
		return err
	}
	s.startConsumer()

	if _, err := c.sig.SendAnswer(actx, id, answer); err != nil {
		if s.terminal() {
			return stale("call ended while accepting")
		}
		if errors.Is(err, directory.ErrStaleSession) && doc.Expired(c.now()) {
			s.finish(ending{reason: callstate.ReasonExpired, persist: c.expireRemote(id)})
			return err
		}
		if errors.Is(err, directory.ErrStaleSession) || errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrNotFound) {
			s.finish(ending{reason: callstate.ReasonCancelled})
			return err
		}
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	log.Printf("CALL [%s]: accepted call from %s", s.short, s.peer.ID)
	s.startNegotiation()
	s.maybeConnected()
	return nil
}

// RejectCall declines an incoming call that was not accepted.
func (c *Coordinator) RejectCall(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	if s.side != store.SideReceiver {
		return fmt.Errorf("%w: %s is not an incoming call", ErrInvalidArgument, s.short)
	}
	s.mu.Lock()
	answered, terminal := s.answered, s.machine.Terminal()
	s.mu.Unlock()
	if terminal {
		return nil
	}
	if answered {
		return fmt.Errorf("%w: already accepted, hang up instead", directory.ErrStaleSession)
	}

	s.finish(ending{reason: callstate.ReasonRejected})
	if err := c.rejectRemote(id)(ctx); err != nil {
		return fmt.Errorf("reject %s: %w", s.short, err)
	}
	return nil
}

// WithdrawCall cancels an outgoing call the receiver has not answered.
func (c *Coordinator) WithdrawCall(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	if s.side != store.SideCaller {
		return fmt.Errorf("%w: %s is not an outgoing call", ErrInvalidArgument, s.short)
	}
	s.mu.Lock()
	state := s.machine.State()
	s.mu.Unlock()
	switch state {
	case callstate.Ended:
		return nil
	case callstate.Connected:
		return fmt.Errorf("%w: already connected, hang up instead", directory.ErrStaleSession)
	}

	s.finish(ending{reason: callstate.ReasonCancelled})
	if err := c.withdrawRemote(id)(ctx); err != nil {
		return fmt.Errorf("withdraw %s: %w", s.short, err)
	}
	return nil
}

// EndCall hangs up. Local media and the peer connection are released
// before it returns; the store write happens in the background. Calling it
// again returns the same terminal event. A session this process does not
// track is settled from the store.
func (c *Coordinator) EndCall(ctx context.Context, id string) (Event, error) {
	if s, err := c.lookup(id); err == nil {
		return s.finish(ending{hangup: true}), nil
	}
	return c.endUntracked(ctx, id)
}

// endUntracked ends a call known only to the store, for instance one
// placed before a restart. A missing document is a call that is already
// over. Calls between other parties are left alone.
func (c *Coordinator) endUntracked(ctx context.Context, id string) (Event, error) {
	ev := Event{SessionID: id, State: callstate.Ended, At: c.now()}
	doc, err := c.sig.Store().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ev, nil
	}
	if err != nil {
		return Event{}, err
	}
	switch c.self.ID {
	case doc.CallerID:
		ev.Side, ev.Peer = store.SideCaller, directory.Party{ID: doc.ReceiverID, Role: doc.ReceiverRole}
	case doc.ReceiverID:
		ev.Side, ev.Peer = store.SideReceiver, directory.Party{ID: doc.CallerID, Role: doc.CallerRole}
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownSession, util.ShortID(id, 8))
	}
	if !doc.Ended() {
		reason := store.ReasonCancelled
		if doc.Status == store.StatusConnected {
			reason = store.ReasonCompleted
		}
		if doc, err = c.sig.End(ctx, id, reason, c.self.ID); err != nil {
			return Event{}, err
		}
		if doc == nil {
			return ev, nil
		}
		log.Printf("CALL [%s]: ended untracked call (%s)", util.ShortID(id, 8), doc.EndReason)
		if err := c.sig.Cleanup(ctx, id); err != nil {
			log.Printf("CALL [%s]: %v", util.ShortID(id, 8), err)
		}
	}
	ev.Reason = callstate.FromPersisted(doc.EndReason)
	return ev, nil
}

// ToggleAudio flips the local microphone track and returns whether it is
// now enabled. A call that is over or gone has no local tracks: the result
// is false.
func (c *Coordinator) ToggleAudio(id string) (bool, error) {
	s, err := c.lookup(id)
	if err != nil {
		return false, nil
	}
	return s.toggle(false)
}

// ToggleVideo flips the local camera track and returns whether it is now
// enabled.
func (c *Coordinator) ToggleVideo(id string) (bool, error) {
	s, err := c.lookup(id)
	if err != nil {
		return false, nil
	}
	return s.toggle(true)
}

// Session returns the status of one session.
func (c *Coordinator) Session(id string) (Status, error) {
	s, err := c.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// Sessions returns every tracked session, oldest first.
func (c *Coordinator) Sessions() []Status {
	c.mu.Lock()
	list := make([]*session, 0, len(c.order))
	for _, id := range c.order {
		if s := c.sessions[id]; s != nil {
			list = append(list, s)
		}
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.status())
	}
	return out
}

// OnIncomingCalls streams incoming calls, starting with the ones still
// ringing.
func (c *Coordinator) OnIncomingCalls() (<-chan IncomingCall, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var replay []IncomingCall
	for _, id := range c.order {
		if s := c.sessions[id]; s != nil && s.waiting() {
			replay = append(replay, s.incomingCall())
		}
	}
	return c.incoming.subscribe(eventBuffer, replay)
}

// Events streams the state changes of every session from now on.
func (c *Coordinator) Events() (<-chan Event, func()) {
	return c.all.subscribe(eventBuffer*2, nil)
}

// OnStateChange streams one session's state changes: its history first,
// then live changes. The channel closes after the terminal event.
func (c *Coordinator) OnStateChange(id string) (<-chan Event, func(), error) {
	s, err := c.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.events.subscribe(eventBuffer, s.history.Snapshot())
	return ch, cancel, nil
}

// OnRemoteStream streams the remote tracks of one session, including the
// ones that already arrived.
func (c *Coordinator) OnRemoteStream(id string) (<-chan *RemoteStream, func(), error) {
	s, err := c.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.streamFeed.subscribe(eventBuffer, slices.Clone(s.streams))
	return ch, cancel, nil
}

// Close hangs up every live call, waits for pending store writes and
// closes all streams.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()

	for _, s := range list {
		if s.waiting() {
			// Leave unanswered incoming calls to the caller and the sweeper.
			s.finish(ending{reason: callstate.ReasonCancelled, localOnly: true})
			continue
		}
		s.finish(ending{hangup: true})
	}
	c.cancel()
	c.bgMu.Lock()
	c.bgClosed = true
	c.bgMu.Unlock()
	c.wg.Wait()
	c.incoming.close()
	c.all.close()
	log.Printf("CALL: coordinator closed (%d sessions)", len(list))
	return nil
}
