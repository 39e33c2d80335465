package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/tutorcall/internal/store"
)

func openTest(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func session(id, receiver string) *store.CallSession {
	now := time.Now().UTC()
	return &store.CallSession{
		ID:           id,
		CallerID:     "alice",
		CallerRole:   "tutor",
		ReceiverID:   receiver,
		ReceiverRole: "student",
		Offer:        &store.SessionDescription{Type: "offer", SDP: "v=0"},
		Status:       store.StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Minute),
		Version:      1,
	}
}

func TestSessionRoundTripAndCAS(t *testing.T) {
	db := openTest(t, filepath.Join(t.TempDir(), "calls.db"))
	ctx := context.Background()

	if err := db.InsertSession(ctx, session("c1", "bob")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := db.InsertSession(ctx, session("c1", "bob")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate insert: %v", err)
	}

	got, err := db.LoadSession(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Offer == nil || got.Offer.SDP != "v=0" {
		t.Fatalf("offer lost: %+v", got.Offer)
	}

	got.Status = store.StatusRinging
	got.Version = 2
	if err := db.ReplaceSession(ctx, got, 1); err != nil {
		t.Fatalf("ReplaceSession: %v", err)
	}
	if err := db.ReplaceSession(ctx, got, 1); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale replace: got %v, want ErrConflict", err)
	}
	missing := session("nope", "bob")
	if err := db.ReplaceSession(ctx, missing, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("replace missing: got %v", err)
	}

	if err := db.DeleteSession(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.LoadSession(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestQuerySessions(t *testing.T) {
	db := openTest(t, filepath.Join(t.TempDir(), "calls.db"))
	ctx := context.Background()

	for _, s := range []*store.CallSession{session("a", "bob"), session("b", "bob"), session("c", "carol")} {
		if err := db.InsertSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	ended, _ := db.LoadSession(ctx, "b")
	ended.Status = store.StatusEnded
	ended.EndedAt = time.Now().Add(-time.Hour)
	ended.Version = 2
	if err := db.ReplaceSession(ctx, ended, 1); err != nil {
		t.Fatal(err)
	}

	got, err := db.QuerySessions(ctx, store.SessionQuery{
		ReceiverID:   "bob",
		ReceiverRole: "student",
		Statuses:     []store.Status{store.StatusPending, store.StatusRinging},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("pending for bob = %v", got)
	}

	got, _ = db.QuerySessions(ctx, store.SessionQuery{EndedBefore: time.Now()})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("ended before now = %v", got)
	}
	got, _ = db.QuerySessions(ctx, store.SessionQuery{ExpiresBefore: time.Now().Add(time.Hour)})
	if len(got) != 3 {
		t.Fatalf("expiring within the hour = %d", len(got))
	}
}

func TestCandidates(t *testing.T) {
	db := openTest(t, filepath.Join(t.TempDir(), "calls.db"))
	ctx := context.Background()
	mid := "0"
	var idx uint16

	now := time.Now()
	for i, id := range []string{"k1", "k2"} {
		rec := &store.CandidateRecord{
			ID: id, CallID: "c1", SenderRole: store.SideCaller, Seq: int64(i),
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			Candidate: store.ICECandidate{Candidate: "candidate:" + id, SDPMid: &mid, SDPMLineIndex: &idx},
		}
		if err := db.InsertCandidate(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := db.QueryCandidates(ctx, "c1", store.SideCaller, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "k1" || recs[0].Candidate.SDPMid == nil || *recs[0].Candidate.SDPMid != "0" {
		t.Fatalf("unexpected candidates %+v", recs)
	}
	if other, _ := db.QueryCandidates(ctx, "c1", store.SideReceiver, true); len(other) != 0 {
		t.Fatalf("receiver side should be empty: %v", other)
	}

	if err := db.MarkCandidateConsumed(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkCandidateConsumed(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark missing: %v", err)
	}
	recs, _ = db.QueryCandidates(ctx, "c1", store.SideCaller, false)
	if len(recs) != 1 || recs[0].ID != "k2" {
		t.Fatalf("after consume: %v", recs)
	}

	ids, _ := db.CandidateCallIDs(ctx)
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("call ids %v", ids)
	}
	if err := db.DeleteCandidates(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if ids, _ := db.CandidateCallIDs(ctx); len(ids) != 0 {
		t.Fatalf("left over %v", ids)
	}
}

// Two handles on one file stand in for two peer processes.
func TestWatchAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	writer := openTest(t, path)
	reader := openTest(t, path)

	st := store.New(reader, store.WithPollInterval(50*time.Millisecond))
	ch, cancel := st.WatchSessions(context.Background(), store.SessionQuery{ReceiverID: "bob"})
	defer cancel()

	select {
	case got := <-ch:
		if len(got) != 0 {
			t.Fatalf("initial = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	if err := writer.InsertSession(context.Background(), session("c1", "bob")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if len(got) != 1 || got[0].ID != "c1" {
			t.Fatalf("after insert = %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write from the other handle never observed")
	}
}
