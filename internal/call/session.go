package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/tutorcall/internal/callstate"
	"github.com/petervdpas/tutorcall/internal/directory"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

const (
	historySize = 16
	eventBuffer = 32
	outboxSize  = 128
)

// session is the local record of one call. All fields below mu are guarded
// by it; transports and store writes are only touched outside the lock.
type session struct {
	c     *Coordinator
	id    string
	short string
	side  store.Side
	peer  directory.Party

	// ctx lives until the call ends and bounds the watcher, the candidate
	// consumer and the candidate sender.
	ctx    context.Context
	cancel context.CancelFunc
	outbox chan store.ICECandidate

	workers  sync.Once
	consumer sync.Once

	mu          sync.Mutex
	machine     *callstate.Machine
	transport   Transport
	media       MediaInfo
	audioOn     bool
	videoOn     bool
	answered    bool // caller: answer applied; receiver: answer written
	linkUp      bool
	accepting   context.CancelFunc
	errMsg      string
	createdAt   time.Time
	expiresAt   time.Time
	endedAt     time.Time
	expiry      *time.Timer
	negotiation *time.Timer
	history     *util.RingBuffer[Event]
	events      feed[Event]
	streams     []*RemoteStream
	streamFeed  feed[*RemoteStream]
}

func newSession(c *Coordinator, id string, side store.Side, peer directory.Party, createdAt, expiresAt time.Time) *session {
	ctx, cancel := context.WithCancel(c.ctx)
	return &session{
		c:         c,
		id:        id,
		short:     util.ShortID(id, 8),
		side:      side,
		peer:      peer,
		ctx:       ctx,
		cancel:    cancel,
		outbox:    make(chan store.ICECandidate, outboxSize),
		machine:   callstate.New(),
		createdAt: createdAt,
		expiresAt: expiresAt,
		history:   util.NewRingBuffer[Event](historySize),
	}
}

// fireLocked applies ev and emits the resulting state when it changed.
func (s *session) fireLocked(ev callstate.Event, reason callstate.Reason) bool {
	changed, err := s.machine.Fire(ev, reason)
	if err != nil {
		log.Printf("CALL [%s]: %v", s.short, err)
		return false
	}
	if changed {
		s.emitLocked()
	}
	return changed
}

func (s *session) emitLocked() Event {
	ev := Event{
		SessionID: s.id,
		Side:      s.side,
		Peer:      s.peer,
		State:     s.machine.State(),
		Reason:    s.machine.Reason(),
		Error:     s.errMsg,
		At:        s.c.now(),
	}
	s.history.Push(ev)
	if n := s.events.publish(ev); n > 0 {
		log.Printf("CALL [%s]: %d state subscriber(s) missed %s", s.short, n, ev.State)
	}
	s.c.all.publish(ev)
	if ev.Terminal() {
		s.events.close()
		s.streamFeed.close()
	}
	return ev
}

func (s *session) lastEvent() Event {
	ev, _ := s.history.Last()
	return ev
}

func (s *session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Terminal()
}

// waiting reports whether the session is an incoming call nobody acted on.
func (s *session) waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.side == store.SideReceiver && s.machine.State() == callstate.Ringing &&
		!s.answered && s.accepting == nil
}

func (s *session) isAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

func (s *session) incomingCall() IncomingCall {
	return IncomingCall{SessionID: s.id, Caller: s.peer, CreatedAt: s.createdAt, ExpiresAt: s.expiresAt}
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:     s.id,
		Side:          s.side,
		Peer:          s.peer,
		State:         s.machine.State(),
		Reason:        s.machine.Reason(),
		Error:         s.errMsg,
		Answered:      s.answered,
		Media:         s.media,
		AudioEnabled:  s.audioOn,
		VideoEnabled:  s.videoOn,
		RemoteStreams: len(s.streams),
		CreatedAt:     s.createdAt,
		ExpiresAt:     s.expiresAt,
		EndedAt:       s.endedAt,
	}
}

// start launches the session's background work once the session exists
// in the store.
func (s *session) start() {
	s.workers.Do(func() {
		go s.watchLoop()
		go s.sendLoop()
		s.mu.Lock()
		if !s.machine.Terminal() && !s.expiresAt.IsZero() {
			s.expiry = time.AfterFunc(s.expiresAt.Sub(s.c.now()), s.expire)
		}
		s.mu.Unlock()
	})
}

// attach routes a transport's callbacks into the session. None of them
// block: state changes are handled on their own goroutine.
func (s *session) attach(t Transport) {
	t.OnLocalCandidate(s.localCandidate)
	t.OnStateChange(func(st TransportState) { go s.transportState(t, st) })
	t.OnRemoteStream(s.remoteStream)
}

// setTransport installs the transport of an accept attempt. It fails when
// the call ended in the meantime.
func (s *session) setTransport(t Transport, media MediaInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Terminal() {
		return false
	}
	s.transport = t
	s.media = media
	s.audioOn = media.Audio
	s.videoOn = media.Video
	return true
}

func (s *session) localCandidate(c store.ICECandidate) {
	select {
	case s.outbox <- c:
	default:
		log.Printf("CALL [%s]: candidate outbox full, dropping %s", s.short, c.Candidate)
	}
}

// sendLoop writes local candidates in gathering order.
func (s *session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.outbox:
			ctx, cancel := context.WithTimeout(s.ctx, util.DefaultStoreTimeout)
			err := s.c.sig.SendICECandidate(ctx, s.id, s.side, c)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				log.Printf("CALL [%s]: %v", s.short, err)
			}
		}
	}
}

// startConsumer applies the remote side's candidates to the current
// transport. It runs once per session.
func (s *session) startConsumer() {
	s.consumer.Do(func() {
		k := s.c.sig.Consumer(s.id, s.side)
		go k.Run(s.ctx, func(c store.ICECandidate) error {
			s.mu.Lock()
			t := s.transport
			s.mu.Unlock()
			if t == nil {
				return ErrTransportClosed
			}
			return t.AddRemoteCandidate(c)
		})
	})
}

// watchLoop follows the session document until the call ends.
func (s *session) watchLoop() {
	events, cancel := s.c.sig.Store().WatchSession(s.ctx, s.id)
	defer cancel()
	for ev := range events {
		s.observe(ev)
	}
}

func (s *session) observe(ev store.SessionEvent) {
	if ev.Deleted {
		log.Printf("CALL [%s]: session document is gone", s.short)
		s.finish(ending{reason: callstate.ReasonCancelled})
		return
	}
	doc := ev.Session
	if doc.Ended() {
		s.finish(ending{reason: callstate.FromPersisted(doc.EndReason), remote: doc.EndedBy})
		return
	}
	if s.side != store.SideCaller {
		return
	}
	if doc.Status == store.StatusRinging {
		s.mu.Lock()
		s.fireLocked(callstate.EvSurfaced, callstate.ReasonNone)
		s.mu.Unlock()
	}
	if doc.Answer != nil {
		s.applyAnswer(*doc.Answer)
	}
}

func (s *session) applyAnswer(answer store.SessionDescription) {
	s.mu.Lock()
	if s.answered || s.machine.Terminal() || s.transport == nil {
		s.mu.Unlock()
		return
	}
	s.answered = true
	t := s.transport
	s.mu.Unlock()

	if err := t.AcceptAnswer(s.ctx, answer); err != nil {
		s.fail(err)
		return
	}
	log.Printf("CALL [%s]: answer applied", s.short)
	s.startNegotiation()
	s.maybeConnected()
}

func (s *session) transportState(t Transport, st TransportState) {
	s.mu.Lock()
	if t != s.transport || s.machine.Terminal() {
		s.mu.Unlock()
		return
	}
	if st == TransportConnected {
		s.linkUp = true
		s.mu.Unlock()
		s.maybeConnected()
		return
	}
	s.mu.Unlock()
	if st.Down() {
		log.Printf("CALL [%s]: transport %s", s.short, st)
		s.finish(ending{
			reason:  callstate.ReasonFailed,
			err:     "transport " + string(st),
			persist: s.c.endRemote(s.id, store.ReasonFailed),
		})
	}
}

// maybeConnected moves to connected once negotiation finished and the
// transport is up, in whichever order those two arrive.
func (s *session) maybeConnected() {
	s.mu.Lock()
	if !s.answered || !s.linkUp {
		s.mu.Unlock()
		return
	}
	changed := s.fireLocked(callstate.EvConnected, callstate.ReasonNone)
	if changed && s.negotiation != nil {
		s.negotiation.Stop()
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	log.Printf("CALL [%s]: connected with %s", s.short, s.peer.ID)
	s.c.background(func(ctx context.Context) error {
		_, err := s.c.sig.MarkConnected(ctx, s.id)
		return err
	})
}

func (s *session) remoteStream(rs *RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Terminal() {
		return
	}
	s.streams = append(s.streams, rs)
	s.streamFeed.publish(rs)
	log.Printf("CALL [%s]: remote %s track %s", s.short, rs.Kind, rs.TrackID)
}

func (s *session) startNegotiation() {
	d := s.c.opts.NegotiationTimeout
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 || s.negotiation != nil || s.machine.Terminal() {
		return
	}
	s.negotiation = time.AfterFunc(d, func() {
		s.finish(ending{
			reason:  callstate.ReasonFailed,
			err:     ErrNegotiationFailed.Error(),
			persist: s.c.endRemote(s.id, store.ReasonFailed),
			unless:  func() bool { return s.machine.State() == callstate.Connected },
		})
	})
}

// expire is the client-side fast path for an unanswered call running out
// of validity. The sweeper and store TTLs cover the case where nobody is
// online to run it. The caller re-reads the document first: an answer
// written before the deadline wins even if the watcher has not seen it.
func (s *session) expire() {
	if s.side == store.SideCaller && !s.isAnswered() {
		ctx, cancel := context.WithTimeout(s.ctx, util.DefaultStoreTimeout)
		doc, err := s.c.sig.Store().Get(ctx, s.id)
		cancel()
		if err == nil && !doc.Ended() && doc.Answer != nil {
			log.Printf("CALL [%s]: answered at the deadline", s.short)
			s.observe(store.SessionEvent{Session: doc})
			return
		}
	}
	s.finish(ending{
		reason:  callstate.ReasonExpired,
		persist: s.c.expireRemote(s.id),
		unless:  func() bool { return s.answered || s.accepting != nil },
	})
}

func (s *session) fail(err error) {
	log.Printf("CALL [%s]: %v", s.short, err)
	s.finish(ending{
		reason:  callstate.ReasonFailed,
		err:     err.Error(),
		persist: s.c.endRemote(s.id, store.ReasonFailed),
	})
}

// ending describes one way a call ends.
type ending struct {
	reason callstate.Reason
	// hangup derives reason and persist from the current state.
	hangup bool
	err    string
	// remote names who ended it when the end was observed in the store.
	remote string
	// persist writes the end to the store; it runs after local release.
	persist func(context.Context) error
	// unless is checked under the lock and cancels the end when true.
	unless func() bool
	// localOnly leaves the store document and its candidates untouched.
	localOnly bool
}

// hangupLocked picks reason and store write for a user hangup.
func (s *session) hangupLocked() (callstate.Reason, func(context.Context) error) {
	switch {
	case s.machine.State() == callstate.Connected:
		return callstate.ReasonCompleted, s.c.endRemote(s.id, store.ReasonCompleted)
	case !s.answered && s.accepting == nil && s.side == store.SideCaller:
		return callstate.ReasonCancelled, s.c.withdrawRemote(s.id)
	case !s.answered && s.accepting == nil:
		return callstate.ReasonRejected, s.c.rejectRemote(s.id)
	}
	return callstate.ReasonCancelled, s.c.endRemote(s.id, store.ReasonCancelled)
}

// finish ends the call locally exactly once: it emits the terminal event,
// stops timers and workers and releases the transport, then hands the
// store write and candidate cleanup to the background. A second finish
// returns the first terminal event.
func (s *session) finish(e ending) Event {
	s.mu.Lock()
	if s.machine.Terminal() {
		ev := s.lastEvent()
		s.mu.Unlock()
		return ev
	}
	if e.unless != nil && e.unless() {
		s.mu.Unlock()
		return Event{}
	}
	if e.hangup {
		e.reason, e.persist = s.hangupLocked()
	}
	reason := callstate.EndReasonFor(s.machine.State(), e.reason)
	s.errMsg = e.err
	s.endedAt = s.c.now()
	s.fireLocked(callstate.EvEnd, reason)
	ev := s.lastEvent()
	if s.expiry != nil {
		s.expiry.Stop()
	}
	if s.negotiation != nil {
		s.negotiation.Stop()
	}
	if s.accepting != nil {
		s.accepting()
	}
	t := s.transport
	s.mu.Unlock()

	s.cancel()
	if t != nil {
		if err := t.Close(); err != nil {
			log.Printf("CALL [%s]: close transport: %v", s.short, err)
		}
	}
	if e.remote != "" {
		log.Printf("CALL [%s]: ended by %s (%s)", s.short, e.remote, reason)
	} else {
		log.Printf("CALL [%s]: ended (%s)", s.short, reason)
	}

	if e.localOnly {
		return ev
	}
	s.c.background(func(ctx context.Context) error {
		var err error
		if e.persist != nil {
			err = e.persist(ctx)
		}
		if cerr := s.c.sig.Cleanup(ctx, s.id); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})
	return ev
}

// toggle flips one local track kind. Without a live transport there is
// nothing to flip and the track reads as disabled.
func (s *session) toggle(video bool) (bool, error) {
	s.mu.Lock()
	t := s.transport
	terminal := s.machine.Terminal()
	s.mu.Unlock()
	if terminal || t == nil {
		return false, nil
	}

	var on bool
	if video {
		on = t.ToggleVideo()
	} else {
		on = t.ToggleAudio()
	}

	s.mu.Lock()
	if video {
		s.videoOn = on
	} else {
		s.audioOn = on
	}
	s.mu.Unlock()
	return on, nil
}
