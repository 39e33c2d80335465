package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/tutorcall/internal/util"
)

func newTestStore() (*Store, *Memory) {
	m := NewMemory()
	return New(m,
		WithPollInterval(20*time.Millisecond),
		WithBackoff(util.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Attempts: 20}),
	), m
}

func testSession(id string) *CallSession {
	return &CallSession{
		ID:           id,
		CallerID:     "alice",
		CallerRole:   "tutor",
		ReceiverID:   "bob",
		ReceiverRole: "student",
		Status:       StatusPending,
		ExpiresAt:    time.Now().Add(time.Minute),
	}
}

func TestCreateGet(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	sess := testSession("c1")
	if err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Version != 1 || sess.CreatedAt.IsZero() {
		t.Fatalf("create did not stamp version/createdAt: %+v", sess)
	}
	if err := s.Create(ctx, testSession("c1")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallerID != "alice" || got.ReceiverRole != "student" {
		t.Errorf("unexpected session %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v", err)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	if err := s.Create(ctx, testSession("c1")); err != nil {
		t.Fatal(err)
	}

	out, err := s.Update(ctx, "c1", func(cs *CallSession) error {
		cs.Status = StatusRinging
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.Version != 2 || out.Status != StatusRinging {
		t.Fatalf("got version %d status %s", out.Version, out.Status)
	}

	out, err = s.Update(ctx, "c1", func(*CallSession) error { return ErrNoChange })
	if err != nil {
		t.Fatalf("no-change update: %v", err)
	}
	if out.Version != 2 {
		t.Errorf("no-change update wrote: version %d", out.Version)
	}

	boom := errors.New("boom")
	if _, err := s.Update(ctx, "c1", func(*CallSession) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("abort: got %v", err)
	}
	if _, err := s.Update(ctx, "missing", func(*CallSession) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

func TestUpdateConcurrentWritersAllLand(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	if err := s.Create(ctx, testSession("c1")); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "c1", func(cs *CallSession) error {
				cs.EndedBy += "x"
				return nil
			}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "c1")
	if len(got.EndedBy) != writers {
		t.Errorf("lost updates: %q", got.EndedBy)
	}
	if got.Version != writers+1 {
		t.Errorf("version = %d, want %d", got.Version, writers+1)
	}
}

func TestTransientFailuresRetried(t *testing.T) {
	s, m := newTestStore()
	ctx := context.Background()

	var fails atomic.Int32
	fails.Store(2)
	m.SetFault(func(string) error {
		if fails.Add(-1) >= 0 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err := s.Create(ctx, testSession("c1")); err != nil {
		t.Fatalf("create with transient failures: %v", err)
	}

	down := errors.New("down")
	m.SetFault(func(string) error { return down })
	err := s.AddCandidate(ctx, &CandidateRecord{ID: "k1", CallID: "c1", SenderRole: SideCaller})
	if !errors.Is(err, ErrSignalingWriteFailed) || !errors.Is(err, down) {
		t.Fatalf("persistent failure: got %v, want ErrSignalingWriteFailed wrapping the cause", err)
	}
}

func TestUpdateRejectionIsFinal(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	if err := s.Create(ctx, testSession("c1")); err != nil {
		t.Fatal(err)
	}

	errLate := errors.New("too late")
	calls := 0
	start := time.Now()
	_, err := s.Update(ctx, "c1", func(cs *CallSession) error {
		calls++
		return fmt.Errorf("%w: status %s", errLate, cs.Status)
	})
	if !errors.Is(err, errLate) {
		t.Fatalf("got %v, want the mutation's own error", err)
	}
	if errors.Is(err, ErrSignalingWriteFailed) {
		t.Errorf("rejection reported as write failure: %v", err)
	}
	if calls != 1 {
		t.Errorf("mutation ran %d times, want 1", calls)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("rejection took %v", time.Since(start))
	}

	got, err := s.Get(ctx, "c1")
	if err != nil || got.Version != 1 {
		t.Fatalf("document changed: %+v, %v", got, err)
	}
}

func TestCandidates(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"k2", "k1", "k3"} {
		rec := &CandidateRecord{ID: id, CallID: "c1", SenderRole: SideCaller, CreatedAt: base.Add(time.Duration(i) * time.Millisecond), Seq: int64(i)}
		if err := s.AddCandidate(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddCandidate(ctx, &CandidateRecord{ID: "r1", CallID: "c1", SenderRole: SideReceiver}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Candidates(ctx, "c1", SideCaller, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != "k2" || recs[2].ID != "k3" {
		t.Fatalf("unexpected order: %v", ids(recs))
	}

	if err := s.MarkConsumed(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkConsumed(ctx, "k1"); err != nil {
		t.Fatalf("second mark not idempotent: %v", err)
	}
	recs, _ = s.Candidates(ctx, "c1", SideCaller, false)
	if len(recs) != 2 {
		t.Errorf("consumed record still listed: %v", ids(recs))
	}
	recs, _ = s.Candidates(ctx, "c1", SideCaller, true)
	if len(recs) != 3 {
		t.Errorf("includeConsumed: %v", ids(recs))
	}

	callIDs, _ := s.CandidateCallIDs(ctx)
	if len(callIDs) != 1 || callIDs[0] != "c1" {
		t.Errorf("CandidateCallIDs = %v", callIDs)
	}
	if err := s.DeleteCandidates(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	callIDs, _ = s.CandidateCallIDs(ctx)
	if len(callIDs) != 0 {
		t.Errorf("candidates left after delete: %v", callIDs)
	}
}

func ids(recs []*CandidateRecord) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestSessionQueryMatch(t *testing.T) {
	now := time.Now()
	ended := testSession("e")
	ended.Status = StatusEnded
	ended.EndedAt = now.Add(-time.Hour)

	tests := []struct {
		name string
		q    SessionQuery
		s    *CallSession
		want bool
	}{
		{"empty query", SessionQuery{}, testSession("a"), true},
		{"receiver match", SessionQuery{ReceiverID: "bob", ReceiverRole: "student"}, testSession("a"), true},
		{"wrong role", SessionQuery{ReceiverID: "bob", ReceiverRole: "tutor"}, testSession("a"), false},
		{"status filter", SessionQuery{Statuses: []Status{StatusRinging}}, testSession("a"), false},
		{"expires before", SessionQuery{ExpiresBefore: now.Add(2 * time.Minute)}, testSession("a"), true},
		{"not yet expiring", SessionQuery{ExpiresBefore: now}, testSession("a"), false},
		{"ended before", SessionQuery{EndedBefore: now}, ended, true},
		{"ended before needs ended", SessionQuery{EndedBefore: now}, testSession("a"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.q.Match(tc.s); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	var zero T
	return zero
}

func TestWatchSessions(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	ch, cancel := s.WatchSessions(ctx, SessionQuery{ReceiverID: "bob", Statuses: []Status{StatusPending, StatusRinging}})
	defer cancel()

	if got := recv(t, ch); len(got) != 0 {
		t.Fatalf("initial snapshot = %d sessions", len(got))
	}
	if err := s.Create(ctx, testSession("c1")); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("after create: %+v", got)
	}

	if _, err := s.Update(ctx, "c1", func(cs *CallSession) error {
		cs.Status = StatusEnded
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); len(got) != 0 {
		t.Fatalf("ended session still listed: %+v", got)
	}
}

func TestWatchSessionDeleted(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	if err := s.Create(ctx, testSession("c1")); err != nil {
		t.Fatal(err)
	}

	ch, cancel := s.WatchSession(ctx, "c1")
	defer cancel()
	if ev := recv(t, ch); ev.Deleted || ev.Session.Version != 1 {
		t.Fatalf("initial event %+v", ev)
	}
	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if ev := recv(t, ch); !ev.Deleted {
		t.Fatalf("expected deleted event, got %+v", ev)
	}
}

func TestWatchCancelClosesChannel(t *testing.T) {
	s, m := newTestStore()
	ch, cancel := s.WatchCandidates(context.Background(), "c1", SideCaller)
	recv(t, ch)

	cancel()
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := m.hub.Len(); n != 0 {
					t.Errorf("change subscription leaked: %d subscribers", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
