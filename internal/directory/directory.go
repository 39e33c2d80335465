// Package directory creates call sessions and surfaces the ones addressed
// to a participant. It also owns the out-of-band expiry sweep.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/tutorcall/internal/callstate"
	"github.com/petervdpas/tutorcall/internal/signaling"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

// ErrStaleSession: the session already expired, was answered or withdrawn.
var ErrStaleSession = signaling.ErrStaleSession

// Party is one side of a call: an identity and its platform role.
type Party struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// ExistingSessionError is returned by Create when the pair already has a
// live session. It unwraps to store.ErrAlreadyExists. Mirror is set when
// the existing session runs the other way (the receiver called the caller)
// and the caller should take it as an incoming call.
type ExistingSessionError struct {
	ID     string
	Mirror bool
}

func (e *ExistingSessionError) Error() string {
	if e.Mirror {
		return fmt.Sprintf("incoming call %s already pending from the same party", util.ShortID(e.ID, 8))
	}
	return fmt.Sprintf("call %s already open to the same party", util.ShortID(e.ID, 8))
}

func (e *ExistingSessionError) Unwrap() error { return store.ErrAlreadyExists }

// SelfReceives decides a simultaneous mutual call: the lexicographically
// smaller identity becomes the receiver.
func SelfReceives(selfID, otherID string) bool { return selfID < otherID }

var unanswered = []store.Status{store.StatusPending, store.StatusRinging}

// Directory is safe for concurrent use.
type Directory struct {
	st  *store.Store
	sig *signaling.Channel
}

// New returns a Directory on the signaling channel's store.
func New(sig *signaling.Channel) *Directory {
	return &Directory{st: sig.Store(), sig: sig}
}

// live reports whether s still blocks a new call between its parties.
func live(s *store.CallSession, now time.Time) bool {
	if s.Ended() {
		return false
	}
	if slices.Contains(unanswered, s.Status) && s.Expired(now) {
		return false
	}
	return true
}

func (d *Directory) livePair(ctx context.Context, callerID, receiverID string) (*store.CallSession, error) {
	return d.livePairExcept(ctx, callerID, receiverID, "")
}

// livePairExcept is livePair ignoring the session with id skip.
func (d *Directory) livePairExcept(ctx context.Context, callerID, receiverID, skip string) (*store.CallSession, error) {
	list, err := d.st.Query(ctx, store.SessionQuery{CallerID: callerID, Statuses: store.ActiveStatuses})
	if err != nil {
		return nil, err
	}
	now := d.st.Now()
	for _, s := range list {
		if s.ID != skip && s.ReceiverID == receiverID && live(s, now) {
			return s, nil
		}
	}
	return nil, nil
}

// NewSessionID returns a fresh call session id.
func NewSessionID() string { return uuid.New().String() }

// Create writes a pending session from caller to receiver carrying offer,
// valid for validity. It fails with an *ExistingSessionError when the pair
// already has a live session; a pending mirror call is resolved with
// SelfReceives.
func (d *Directory) Create(ctx context.Context, caller, receiver Party, offer *store.SessionDescription, validity time.Duration) (string, error) {
	return d.CreateWithID(ctx, NewSessionID(), caller, receiver, offer, validity)
}

// CreateWithID is Create with a caller-chosen id, for callers that need
// the id before the session exists.
func (d *Directory) CreateWithID(ctx context.Context, id string, caller, receiver Party, offer *store.SessionDescription, validity time.Duration) (string, error) {
	if id == "" {
		return "", errors.New("session id is required")
	}
	if caller.ID == "" || receiver.ID == "" || caller.Role == "" || receiver.Role == "" {
		return "", errors.New("caller and receiver id and role are required")
	}
	if caller.ID == receiver.ID {
		return "", errors.New("cannot call yourself")
	}
	if validity <= 0 {
		return "", errors.New("validity must be > 0")
	}

	same, err := d.livePair(ctx, caller.ID, receiver.ID)
	if err != nil {
		return "", fmt.Errorf("check pair: %w", err)
	}
	if same != nil {
		return "", &ExistingSessionError{ID: same.ID}
	}

	mirror, err := d.livePair(ctx, receiver.ID, caller.ID)
	if err != nil {
		return "", fmt.Errorf("check pair: %w", err)
	}
	if mirror != nil {
		if !slices.Contains(unanswered, mirror.Status) || SelfReceives(caller.ID, receiver.ID) {
			return "", &ExistingSessionError{ID: mirror.ID, Mirror: true}
		}
		log.Printf("CALL [%s]: mutual call, cancelling %s's call in favour of ours",
			util.ShortID(mirror.ID, 8), receiver.ID)
		if _, err := d.sig.End(ctx, mirror.ID, store.ReasonCancelled, caller.ID); err != nil {
			return "", fmt.Errorf("cancel mirror call: %w", err)
		}
	}

	now := d.st.Now()
	sess := &store.CallSession{
		ID:           id,
		CallerID:     caller.ID,
		CallerRole:   caller.Role,
		ReceiverID:   receiver.ID,
		ReceiverRole: receiver.Role,
		Status:       store.StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(validity),
	}
	if offer != nil {
		o := *offer
		sess.Offer = &o
	}
	if err := d.st.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	// The pair check and the insert are two steps. A create that finds a
	// rival after inserting withdraws its own session, so racing creates
	// leave at most one live call.
	rival, err := d.livePairExcept(ctx, caller.ID, receiver.ID, sess.ID)
	if err != nil {
		log.Printf("CALL [%s]: pair recheck: %v", util.ShortID(sess.ID, 8), err)
	}
	if rival != nil {
		log.Printf("CALL [%s]: raced call %s to %s, withdrawing ours",
			util.ShortID(sess.ID, 8), util.ShortID(rival.ID, 8), receiver.ID)
		if _, err := d.Withdraw(ctx, sess.ID, caller.ID); err != nil {
			return "", fmt.Errorf("withdraw raced call: %w", err)
		}
		return "", &ExistingSessionError{ID: rival.ID}
	}
	return sess.ID, nil
}

// MarkRinging records that the receiver saw the call. It only moves a
// pending session; later statuses are left alone.
func (d *Directory) MarkRinging(ctx context.Context, id string) (*store.CallSession, error) {
	return d.st.Update(ctx, id, func(s *store.CallSession) error {
		if s.Status != store.StatusPending {
			return store.ErrNoChange
		}
		return callstate.Advance(s, store.StatusRinging)
	})
}

// Withdraw is the caller cancelling before the receiver answered.
func (d *Directory) Withdraw(ctx context.Context, id, by string) (*store.CallSession, error) {
	return d.endUnanswered(ctx, id, store.ReasonCancelled, by)
}

// Reject is the receiver declining.
func (d *Directory) Reject(ctx context.Context, id, by string) (*store.CallSession, error) {
	return d.endUnanswered(ctx, id, store.ReasonRejected, by)
}

// Expire ends an unanswered session with timeout. An answered session is
// left alone and reported as ErrStaleSession.
func (d *Directory) Expire(ctx context.Context, id, by string) (*store.CallSession, error) {
	return d.endUnanswered(ctx, id, store.ReasonTimeout, by)
}

func (d *Directory) endUnanswered(ctx context.Context, id string, reason store.EndReason, by string) (*store.CallSession, error) {
	sess, err := d.st.Update(ctx, id, func(s *store.CallSession) error {
		if s.Ended() {
			return store.ErrNoChange
		}
		if !slices.Contains(unanswered, s.Status) {
			return fmt.Errorf("%w: already %s", ErrStaleSession, s.Status)
		}
		s.Status = store.StatusEnded
		s.EndReason = reason
		s.EndedBy = by
		s.EndedAt = d.st.Now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := d.sig.Cleanup(ctx, id); err != nil {
		log.Printf("CALL [%s]: candidate cleanup: %v", util.ShortID(id, 8), err)
	}
	return sess, nil
}

// Discover follows the pending and ringing sessions addressed to self.
// Expired sessions are dropped here even while the store still holds them,
// and the list is re-checked when the earliest one expires.
func (d *Directory) Discover(ctx context.Context, self Party) (<-chan []*store.CallSession, func()) {
	ctx, cancel := context.WithCancel(ctx)
	raw, stopRaw := d.st.WatchSessions(ctx, store.SessionQuery{
		ReceiverID:   self.ID,
		ReceiverRole: self.Role,
		Statuses:     unanswered,
	})
	out := make(chan []*store.CallSession, 1)

	go func() {
		defer close(out)
		defer stopRaw()

		var snapshot, last []*store.CallSession
		emitted := false
		expiry := time.NewTimer(time.Hour)
		defer expiry.Stop()

		refilter := func() {
			now := d.st.Now()
			var visible []*store.CallSession
			var next time.Time
			for _, s := range snapshot {
				if s.Expired(now) {
					continue
				}
				visible = append(visible, s)
				if next.IsZero() || s.ExpiresAt.Before(next) {
					next = s.ExpiresAt
				}
			}
			expiry.Stop()
			if !next.IsZero() {
				expiry.Reset(next.Sub(now) + time.Millisecond)
			}
			if emitted && slices.EqualFunc(last, visible, func(a, b *store.CallSession) bool {
				return a.ID == b.ID && a.Version == b.Version
			}) {
				return
			}
			last, emitted = visible, true
			select {
			case <-out:
			default:
			}
			out <- visible
		}

		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-raw:
				if !ok {
					return
				}
				snapshot = s
				refilter()
			case <-expiry.C:
				refilter()
			}
		}
	}()
	return out, cancel
}
