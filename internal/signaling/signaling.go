// Package signaling exchanges session descriptions and ICE candidates for
// a call through the shared store. Every write is a compare-and-swap over
// the freshest document and is a no-op when re-applied.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/tutorcall/internal/callstate"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

// ErrStaleSession is returned when the session moved past the point where
// the write makes sense: ended, already answered elsewhere, or expired.
var ErrStaleSession = errors.New("stale call session")

// Channel is the signaling surface over one store. It is safe for
// concurrent use by every session of a participant.
type Channel struct {
	st  *store.Store
	seq atomic.Int64
}

// New returns a Channel writing to st.
func New(st *store.Store) *Channel {
	return &Channel{st: st}
}

// Store returns the underlying store.
func (c *Channel) Store() *store.Store { return c.st }

// SendOffer attaches the caller's offer. A session holds at most one offer:
// a second call fails with store.ErrAlreadyExists.
func (c *Channel) SendOffer(ctx context.Context, id string, offer store.SessionDescription) error {
	_, err := c.st.Update(ctx, id, func(s *store.CallSession) error {
		if s.Offer != nil {
			return store.ErrAlreadyExists
		}
		if s.Ended() {
			return ErrStaleSession
		}
		o := offer
		s.Offer = &o
		return nil
	})
	if err != nil {
		return fmt.Errorf("send offer %s: %w", util.ShortID(id, 8), err)
	}
	return nil
}

// SendAnswer attaches the receiver's answer and moves the session to
// answered. Only legal while the session is pending or ringing, holds an
// offer and has not run past its validity.
func (c *Channel) SendAnswer(ctx context.Context, id string, answer store.SessionDescription) (*store.CallSession, error) {
	now := c.st.Now()
	sess, err := c.st.Update(ctx, id, func(s *store.CallSession) error {
		if s.Answer != nil {
			return store.ErrAlreadyExists
		}
		if s.Offer == nil {
			return fmt.Errorf("%w: no offer", ErrStaleSession)
		}
		if s.Status != store.StatusPending && s.Status != store.StatusRinging {
			return fmt.Errorf("%w: status %s", ErrStaleSession, s.Status)
		}
		if s.Expired(now) {
			return fmt.Errorf("%w: expired at %s", ErrStaleSession, s.ExpiresAt.Format(time.RFC3339))
		}
		a := answer
		s.Answer = &a
		s.Status = store.StatusAnswered
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("send answer %s: %w", util.ShortID(id, 8), err)
	}
	return sess, nil
}

// SendICECandidate appends one candidate authored by side.
func (c *Channel) SendICECandidate(ctx context.Context, id string, side store.Side, cand store.ICECandidate) error {
	rec := &store.CandidateRecord{
		ID:         uuid.New().String(),
		CallID:     id,
		SenderRole: side,
		Candidate:  cand,
		Seq:        c.seq.Add(1),
	}
	if err := c.st.AddCandidate(ctx, rec); err != nil {
		return fmt.Errorf("send candidate %s: %w", util.ShortID(id, 8), err)
	}
	return nil
}

// MarkConnected records that the transport connected. It only moves an
// answered session forward; on an ended session it does nothing.
func (c *Channel) MarkConnected(ctx context.Context, id string) (*store.CallSession, error) {
	sess, err := c.st.Update(ctx, id, func(s *store.CallSession) error {
		if s.Answer == nil && !s.Ended() {
			return fmt.Errorf("%w: connected before answer", ErrStaleSession)
		}
		return callstate.Advance(s, store.StatusConnected)
	})
	if err != nil {
		return nil, fmt.Errorf("mark connected %s: %w", util.ShortID(id, 8), err)
	}
	return sess, nil
}

// End writes the terminal state. Ending an ended session keeps the first
// reason and returns the stored document. A session that no longer exists
// counts as ended: End returns (nil, nil).
func (c *Channel) End(ctx context.Context, id string, reason store.EndReason, by string) (*store.CallSession, error) {
	sess, err := c.st.Update(ctx, id, func(s *store.CallSession) error {
		if s.Ended() {
			return store.ErrNoChange
		}
		s.Status = store.StatusEnded
		s.EndReason = reason
		s.EndedBy = by
		s.EndedAt = c.st.Now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("end %s: %w", util.ShortID(id, 8), err)
	}
	return sess, nil
}

// Cleanup deletes every candidate record of the call.
func (c *Channel) Cleanup(ctx context.Context, id string) error {
	if err := c.st.DeleteCandidates(ctx, id); err != nil {
		return fmt.Errorf("cleanup %s: %w", util.ShortID(id, 8), err)
	}
	return nil
}

// Consumer applies the remote side's candidates of one call exactly once.
// It remembers every record id it has handed out, so a restarted
// subscription or a failed consumed-mark never causes a second apply.
type Consumer struct {
	ch     *Channel
	callID string
	remote store.Side
	seen   map[string]struct{}
}

// Consumer returns a consumer for the candidates the other side of callID
// writes. self is the local call side.
func (c *Channel) Consumer(callID string, self store.Side) *Consumer {
	return &Consumer{ch: c, callID: callID, remote: self.Other(), seen: make(map[string]struct{})}
}

// Run watches the remote candidates and hands each new one to apply until
// ctx is done. It must not be called concurrently on one Consumer.
func (k *Consumer) Run(ctx context.Context, apply func(store.ICECandidate) error) {
	recs, cancel := k.ch.st.WatchCandidates(ctx, k.callID, k.remote)
	defer cancel()
	for batch := range recs {
		k.Deliver(ctx, batch, apply)
	}
}

// Deliver applies the unseen records of one snapshot in order and marks
// them consumed. It returns how many were applied.
func (k *Consumer) Deliver(ctx context.Context, batch []*store.CandidateRecord, apply func(store.ICECandidate) error) int {
	recs := make([]*store.CandidateRecord, 0, len(batch))
	for _, r := range batch {
		if r.CallID != k.callID || r.SenderRole != k.remote {
			continue
		}
		if _, ok := k.seen[r.ID]; ok {
			continue
		}
		recs = append(recs, r)
	}
	store.SortCandidates(recs)

	applied := 0
	for _, r := range recs {
		k.seen[r.ID] = struct{}{}
		if err := apply(r.Candidate); err != nil {
			log.Printf("SIGNAL [%s]: apply candidate %s: %v", util.ShortID(k.callID, 8), util.ShortID(r.ID, 8), err)
		} else {
			applied++
		}
		if err := k.ch.st.MarkConsumed(ctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("SIGNAL [%s]: mark candidate consumed: %v", util.ShortID(k.callID, 8), err)
		}
	}
	return applied
}

// Seen reports how many distinct records were handed to apply.
func (k *Consumer) Seen() int { return len(k.seen) }
