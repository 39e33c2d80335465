package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

func newChannel(t *testing.T) *Channel {
	t.Helper()
	st := store.New(store.NewMemory(),
		store.WithPollInterval(20*time.Millisecond),
		store.WithBackoff(util.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Attempts: 10}))
	return New(st)
}

func createSession(t *testing.T, c *Channel, id string) {
	t.Helper()
	err := c.Store().Create(context.Background(), &store.CallSession{
		ID: id, CallerID: "alice", CallerRole: "tutor",
		ReceiverID: "bob", ReceiverRole: "student",
		Status: store.StatusPending, ExpiresAt: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
}

var offer = store.SessionDescription{Type: "offer", SDP: "v=0 offer"}
var answer = store.SessionDescription{Type: "answer", SDP: "v=0 answer"}

func TestSecondOfferRejected(t *testing.T) {
	c := newChannel(t)
	ctx := context.Background()
	createSession(t, c, "c1")

	if err := c.SendOffer(ctx, "c1", offer); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	other := store.SessionDescription{Type: "offer", SDP: "v=0 other"}
	if err := c.SendOffer(ctx, "c1", other); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("second offer: got %v, want ErrAlreadyExists", err)
	}
	s, _ := c.Store().Get(ctx, "c1")
	if s.Offer.SDP != offer.SDP {
		t.Errorf("offer replaced: %q", s.Offer.SDP)
	}
}

func TestAnswerRules(t *testing.T) {
	c := newChannel(t)
	ctx := context.Background()
	createSession(t, c, "c1")

	if _, err := c.SendAnswer(ctx, "c1", answer); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("answer before offer: %v", err)
	}
	if err := c.SendOffer(ctx, "c1", offer); err != nil {
		t.Fatal(err)
	}
	s, err := c.SendAnswer(ctx, "c1", answer)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if s.Status != store.StatusAnswered {
		t.Fatalf("status = %s", s.Status)
	}
	if _, err := c.SendAnswer(ctx, "c1", answer); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("second answer: %v", err)
	}

	createSession(t, c, "c2")
	c.SendOffer(ctx, "c2", offer)
	if _, err := c.End(ctx, "c2", store.ReasonCancelled, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendAnswer(ctx, "c2", answer); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("answer on withdrawn call: %v", err)
	}
}

func TestAnswerAfterExpiryRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(store.New(store.NewMemory(), store.WithClock(clock)))
	ctx := context.Background()
	err := c.Store().Create(ctx, &store.CallSession{
		ID: "c1", CallerID: "alice", CallerRole: "tutor",
		ReceiverID: "bob", ReceiverRole: "student",
		Offer:  &offer,
		Status: store.StatusRinging, ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, err := c.SendAnswer(ctx, "c1", answer); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("answer after expiry: %v", err)
	}
	s, _ := c.Store().Get(ctx, "c1")
	if s.Answer != nil || s.Status != store.StatusRinging {
		t.Fatalf("expired session answered: %+v", s)
	}
}

func TestMarkConnectedAndEnd(t *testing.T) {
	c := newChannel(t)
	ctx := context.Background()
	createSession(t, c, "c1")

	if _, err := c.MarkConnected(ctx, "c1"); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("connected before answer: %v", err)
	}
	c.SendOffer(ctx, "c1", offer)
	c.SendAnswer(ctx, "c1", answer)
	s, err := c.MarkConnected(ctx, "c1")
	if err != nil || s.Status != store.StatusConnected {
		t.Fatalf("MarkConnected: %v %+v", err, s)
	}
	v := s.Version
	if s, _ = c.MarkConnected(ctx, "c1"); s.Version != v {
		t.Errorf("repeated MarkConnected wrote again")
	}

	first, err := c.End(ctx, "c1", store.ReasonCompleted, "bob")
	if err != nil || first.Status != store.StatusEnded || first.EndedAt.IsZero() {
		t.Fatalf("End: %v %+v", err, first)
	}
	second, err := c.End(ctx, "c1", store.ReasonFailed, "alice")
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if second.EndReason != store.ReasonCompleted || second.EndedBy != "bob" || second.Version != first.Version {
		t.Errorf("second End changed the document: %+v", second)
	}
	if s, _ := c.MarkConnected(ctx, "c1"); s.Status != store.StatusEnded {
		t.Errorf("ended session moved to %s", s.Status)
	}

	if s, err := c.End(ctx, "gone", store.ReasonCompleted, "bob"); err != nil || s != nil {
		t.Errorf("End on missing session: %v %v", s, err)
	}
}

func TestConsumerOutOfOrderAndRedelivery(t *testing.T) {
	c := newChannel(t)
	ctx := context.Background()
	base := time.Now()

	early := &store.CandidateRecord{ID: "k-early", CallID: "c1", SenderRole: store.SideCaller, CreatedAt: base, Candidate: store.ICECandidate{Candidate: "a"}}
	late := &store.CandidateRecord{ID: "k-late", CallID: "c1", SenderRole: store.SideCaller, CreatedAt: base.Add(time.Millisecond), Candidate: store.ICECandidate{Candidate: "b"}}
	mine := &store.CandidateRecord{ID: "k-mine", CallID: "c1", SenderRole: store.SideReceiver, CreatedAt: base, Candidate: store.ICECandidate{Candidate: "x"}}
	for _, r := range []*store.CandidateRecord{late, early, mine} {
		if err := c.Store().AddCandidate(ctx, r.Clone()); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	apply := func(cand store.ICECandidate) error {
		got = append(got, cand.Candidate)
		return nil
	}

	k := c.Consumer("c1", store.SideReceiver)
	// late arrives first on its own, then both together.
	if n := k.Deliver(ctx, []*store.CandidateRecord{late}, apply); n != 1 {
		t.Fatalf("first batch applied %d", n)
	}
	if n := k.Deliver(ctx, []*store.CandidateRecord{early, late, mine}, apply); n != 1 {
		t.Fatalf("second batch applied %d", n)
	}
	if n := k.Deliver(ctx, []*store.CandidateRecord{early, late}, apply); n != 0 {
		t.Fatalf("redelivery applied %d", n)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("applied %v", got)
	}

	left, _ := c.Store().Candidates(ctx, "c1", store.SideCaller, false)
	if len(left) != 0 {
		t.Errorf("unconsumed after delivery: %d", len(left))
	}
	own, _ := c.Store().Candidates(ctx, "c1", store.SideReceiver, false)
	if len(own) != 1 {
		t.Errorf("own candidate consumed by self")
	}
}

func TestConsumerRunDeliversExactlyOnce(t *testing.T) {
	c := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan string, 10)
	k := c.Consumer("c1", store.SideCaller)
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Run(ctx, func(cand store.ICECandidate) error {
			applied <- cand.Candidate
			return nil
		})
	}()

	for _, cand := range []string{"one", "two"} {
		if err := c.SendICECandidate(ctx, "c1", store.SideReceiver, store.ICECandidate{Candidate: cand}); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]int{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case cand := <-applied:
			seen[cand]++
		case <-timeout:
			t.Fatalf("candidates not delivered: %v", seen)
		}
	}
	select {
	case cand := <-applied:
		t.Fatalf("duplicate apply of %s", cand)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	<-done
	if k.Seen() != 2 {
		t.Errorf("seen = %d", k.Seen())
	}
}
