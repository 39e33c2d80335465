package store

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"
)

// SessionEvent is one snapshot of a watched session. Deleted is set when the
// document is gone, which callers treat as ended.
type SessionEvent struct {
	Session *CallSession
	Deleted bool
}

// WatchSessions emits the list of sessions matching q every time it changes.
func (s *Store) WatchSessions(ctx context.Context, q SessionQuery) (<-chan []*CallSession, func()) {
	return watch(ctx, s, func(ctx context.Context) ([]*CallSession, error) {
		return s.b.QuerySessions(ctx, q)
	}, sameSessions)
}

// WatchSession follows one session document. After a Deleted event the
// channel stays open until cancel; no further events follow unless the id
// reappears.
func (s *Store) WatchSession(ctx context.Context, id string) (<-chan SessionEvent, func()) {
	return watch(ctx, s, func(ctx context.Context) (SessionEvent, error) {
		sess, err := s.b.LoadSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return SessionEvent{Deleted: true}, nil
		}
		if err != nil {
			return SessionEvent{}, err
		}
		return SessionEvent{Session: sess}, nil
	}, func(a, b SessionEvent) bool {
		if a.Deleted || b.Deleted {
			return a.Deleted == b.Deleted
		}
		return a.Session.Version == b.Session.Version
	})
}

// WatchCandidates emits the unconsumed candidates of callID written by
// sender whenever that set changes.
func (s *Store) WatchCandidates(ctx context.Context, callID string, sender Side) (<-chan []*CandidateRecord, func()) {
	return watch(ctx, s, func(ctx context.Context) ([]*CandidateRecord, error) {
		return s.b.QueryCandidates(ctx, callID, sender, false)
	}, func(a, b []*CandidateRecord) bool {
		return slices.EqualFunc(a, b, func(x, y *CandidateRecord) bool { return x.ID == y.ID })
	})
}

func sameSessions(a, b []*CallSession) bool {
	return slices.EqualFunc(a, b, func(x, y *CallSession) bool {
		return x.ID == y.ID && x.Version == y.Version
	})
}

// watch runs load on subscribe, on every backend change hint and on every
// poll tick, and emits the result when it differs from the last emission.
// The channel holds at most one pending snapshot; a slow reader only ever
// sees the newest one.
func watch[T any](parent context.Context, s *Store, load func(context.Context) (T, error), equal func(a, b T) bool) (<-chan T, func()) {
	ctx, cancelCtx := context.WithCancel(parent)
	out := make(chan T, 1)

	var once sync.Once
	cancel := func() { once.Do(cancelCtx) }

	go func() {
		defer close(out)
		changes, stopChanges := s.b.Changes(ctx)
		defer stopChanges()

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		var last T
		emitted := false
		failing := false
		refresh := func() {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil && !failing {
					log.Printf("STORE: watch query failed: %v", err)
				}
				failing = true
				return
			}
			failing = false
			if emitted && equal(last, v) {
				return
			}
			last, emitted = v, true
			select {
			case <-out:
			default:
			}
			out <- v
		}

		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				refresh()
			case <-ticker.C:
				refresh()
			}
		}
	}()
	return out, cancel
}
