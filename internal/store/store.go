package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/tutorcall/internal/util"
)

const defaultPoll = 2 * time.Second

// Store wraps a Backend with compare-and-swap updates, retry with backoff
// on transient failures, and watch subscriptions.
type Store struct {
	b       Backend
	poll    time.Duration
	backoff util.Backoff
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets the watch poll fallback. Values <= 0 keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithBackoff replaces util.DefaultBackoff for writes.
func WithBackoff(b util.Backoff) Option {
	return func(s *Store) { s.backoff = b }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store on top of b.
func New(b Backend, opts ...Option) *Store {
	s := &Store{b: b, poll: defaultPoll, backoff: util.DefaultBackoff, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backend exposes the underlying backend.
func (s *Store) Backend() Backend { return s.b }

// Now is the store's clock, UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

// Close closes the backend.
func (s *Store) Close() error { return s.b.Close() }

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	err := s.backoff.Retry(ctx, transient, fn)
	if err != nil && transient(err) && !errors.Is(err, ErrConflict) {
		log.Printf("STORE: %s failed after retries: %v", op, err)
		return fmt.Errorf("%w: %s: %w", ErrSignalingWriteFailed, op, err)
	}
	return err
}

// Create inserts a new session at version 1.
func (s *Store) Create(ctx context.Context, sess *CallSession) error {
	c := sess.Clone()
	now := s.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1
	if err := s.retry(ctx, "create session", func() error { return s.b.InsertSession(ctx, c) }); err != nil {
		return err
	}
	*sess = *c
	return nil
}

// Get loads one session.
func (s *Store) Get(ctx context.Context, id string) (*CallSession, error) {
	var out *CallSession
	err := s.backoff.Retry(ctx, transient, func() error {
		var err error
		out, err = s.b.LoadSession(ctx, id)
		return err
	})
	return out, err
}

// Update applies fn to a fresh copy of the session and writes it back if
// nobody else wrote in between. On a version conflict the document is
// re-read and fn runs again, so fn must be a pure function of its input.
// fn returning ErrNoChange skips the write and Update returns the current
// snapshot with a nil error; any other fn error aborts Update at once and
// is returned as is. Only backend errors are retried.
func (s *Store) Update(ctx context.Context, id string, fn func(*CallSession) error) (*CallSession, error) {
	var (
		out      *CallSession
		rejected error
	)
	conflicts := 0
	err := s.retry(ctx, "update session "+id, func() error {
		cur, err := s.b.LoadSession(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			out, rejected = cur, err
			return nil
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1
		next.UpdatedAt = s.Now()
		if err := s.b.ReplaceSession(ctx, next, cur.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				conflicts++
			}
			return err
		}
		out = next
		return nil
	})
	if err == nil && rejected != nil {
		if errors.Is(rejected, ErrNoChange) {
			return out, nil
		}
		return nil, rejected
	}
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: update session %s: %d conflicting writers", ErrSignalingWriteFailed, id, conflicts)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a session. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.retry(ctx, "delete session "+id, func() error { return s.b.DeleteSession(ctx, id) })
}

// Query returns sessions matching q.
func (s *Store) Query(ctx context.Context, q SessionQuery) ([]*CallSession, error) {
	var out []*CallSession
	err := s.backoff.Retry(ctx, transient, func() error {
		var err error
		out, err = s.b.QuerySessions(ctx, q)
		return err
	})
	return out, err
}

// AddCandidate appends a candidate record, stamping CreatedAt if unset.
func (s *Store) AddCandidate(ctx context.Context, rec *CandidateRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Now()
	}
	return s.retry(ctx, "add candidate", func() error { return s.b.InsertCandidate(ctx, rec) })
}

// Candidates lists candidate records of callID written by sender.
func (s *Store) Candidates(ctx context.Context, callID string, sender Side, includeConsumed bool) ([]*CandidateRecord, error) {
	var out []*CandidateRecord
	err := s.backoff.Retry(ctx, transient, func() error {
		var err error
		out, err = s.b.QueryCandidates(ctx, callID, sender, includeConsumed)
		return err
	})
	return out, err
}

// MarkConsumed flags a candidate record as applied.
func (s *Store) MarkConsumed(ctx context.Context, id string) error {
	return s.retry(ctx, "mark candidate "+id, func() error { return s.b.MarkCandidateConsumed(ctx, id) })
}

// DeleteCandidates removes every candidate of callID.
func (s *Store) DeleteCandidates(ctx context.Context, callID string) error {
	return s.retry(ctx, "delete candidates "+callID, func() error { return s.b.DeleteCandidates(ctx, callID) })
}

// CandidateCallIDs lists call ids that still own candidate records.
func (s *Store) CandidateCallIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.backoff.Retry(ctx, transient, func() error {
		var err error
		out, err = s.b.CandidateCallIDs(ctx)
		return err
	})
	return out, err
}
