package callstate

import (
	"errors"
	"testing"

	"github.com/petervdpas/tutorcall/internal/store"
)

func TestCallerHappyPath(t *testing.T) {
	m := New()
	steps := []struct {
		ev   Event
		want State
	}{
		{EvStart, Calling},
		{EvSurfaced, Ringing},
		{EvConnected, Connected},
		{EvEnd, Ended},
	}
	for _, s := range steps {
		changed, err := m.Fire(s.ev, ReasonCompleted)
		if err != nil {
			t.Fatalf("%s: %v", s.ev, err)
		}
		if !changed || m.State() != s.want {
			t.Fatalf("%s: state %s changed=%v, want %s", s.ev, m.State(), changed, s.want)
		}
	}
	if m.Reason() != ReasonCompleted {
		t.Errorf("reason = %q", m.Reason())
	}
}

func TestReceiverPath(t *testing.T) {
	m := New()
	if _, err := m.Fire(EvIncoming, ReasonNone); err != nil || m.State() != Ringing {
		t.Fatalf("incoming: %v %s", err, m.State())
	}
	if changed, err := m.Fire(EvIncoming, ReasonNone); err != nil || changed {
		t.Fatalf("repeated incoming should be a no-op: %v %v", changed, err)
	}
	if _, err := m.Fire(EvConnected, ReasonNone); err != nil || m.State() != Connected {
		t.Fatalf("connected: %v %s", err, m.State())
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m := New()
	m.Fire(EvStart, ReasonNone)
	if changed, err := m.Fire(EvEnd, ReasonCancelled); err != nil || !changed {
		t.Fatalf("first end: %v %v", changed, err)
	}
	for _, r := range []Reason{ReasonCancelled, ReasonCompleted, ReasonFailed} {
		changed, err := m.Fire(EvEnd, r)
		if err != nil || changed {
			t.Fatalf("second end (%s): changed=%v err=%v", r, changed, err)
		}
	}
	if m.Reason() != ReasonCancelled {
		t.Errorf("reason overwritten: %s", m.Reason())
	}
	if changed, _ := m.Fire(EvConnected, ReasonNone); changed || m.State() != Ended {
		t.Errorf("ended call moved to %s", m.State())
	}
}

func TestNoBackwardMoves(t *testing.T) {
	m := New()
	m.Fire(EvStart, ReasonNone)
	m.Fire(EvSurfaced, ReasonNone)
	m.Fire(EvConnected, ReasonNone)

	if changed, err := m.Fire(EvSurfaced, ReasonNone); err != nil || changed || m.State() != Connected {
		t.Fatalf("late surfaced moved connected call: %v %v %s", changed, err, m.State())
	}
	if _, err := m.Fire(EvStart, ReasonNone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start on connected: %v", err)
	}
	if _, err := m.Fire(EvEnd, ReasonRejected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rejecting a connected call: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("rejected transition changed state to %s", m.State())
	}
}

func TestEndReasonsPerState(t *testing.T) {
	tests := []struct {
		from   State
		reason Reason
		ok     bool
	}{
		{Calling, ReasonCancelled, true},
		{Calling, ReasonExpired, true},
		{Ringing, ReasonRejected, true},
		{Ringing, ReasonFailed, true},
		{Ringing, ReasonCompleted, false},
		{Connected, ReasonCompleted, true},
		{Connected, ReasonFailed, true},
		{Connected, ReasonExpired, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"/"+string(tc.reason), func(t *testing.T) {
			m := &Machine{state: tc.from}
			_, err := m.Fire(EvEnd, tc.reason)
			if (err == nil) != tc.ok {
				t.Fatalf("err = %v, want ok=%v", err, tc.ok)
			}
			if got := EndReasonFor(tc.from, tc.reason); tc.ok && got != tc.reason {
				t.Errorf("EndReasonFor changed a legal reason to %s", got)
			}
		})
	}
	if got := EndReasonFor(Connected, ReasonCancelled); got != ReasonCompleted {
		t.Errorf("EndReasonFor(connected, cancelled) = %s", got)
	}
	if got := EndReasonFor(Ringing, ReasonCompleted); got != ReasonCancelled {
		t.Errorf("EndReasonFor(ringing, completed) = %s", got)
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(Connected, Ended) || !CanTransition(Ended, Ended) {
		t.Error("ended must be reachable and idempotent")
	}
	if CanTransition(Connected, Ringing) {
		t.Error("connected -> ringing allowed")
	}
	if !CanTransition(Idle, Ringing) || !CanTransition(Calling, Ringing) {
		t.Error("ringing edges missing")
	}
	if !Less(Calling, Connected) || Less(Ended, Idle) {
		t.Error("ordering broken")
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to store.Status
		want     bool
	}{
		{store.StatusPending, store.StatusRinging, true},
		{store.StatusPending, store.StatusAnswered, true},
		{store.StatusRinging, store.StatusAnswered, true},
		{store.StatusAnswered, store.StatusConnected, true},
		{store.StatusConnected, store.StatusEnded, true},
		{store.StatusPending, store.StatusEnded, true},
		{store.StatusConnected, store.StatusRinging, false},
		{store.StatusAnswered, store.StatusPending, false},
		{store.StatusEnded, store.StatusEnded, false},
		{store.StatusEnded, store.StatusConnected, false},
	}
	for _, tc := range tests {
		if got := CanAdvance(tc.from, tc.to); got != tc.want {
			t.Errorf("CanAdvance(%s, %s) = %v", tc.from, tc.to, got)
		}
	}

	s := &store.CallSession{Status: store.StatusConnected}
	if err := Advance(s, store.StatusRinging); !errors.Is(err, store.ErrNoChange) || s.Status != store.StatusConnected {
		t.Fatalf("Advance moved backward: %v %s", err, s.Status)
	}
	if err := Advance(s, store.StatusEnded); err != nil || s.Status != store.StatusEnded {
		t.Fatalf("Advance to ended: %v", err)
	}
}

func TestReasonMapping(t *testing.T) {
	if Persisted(ReasonExpired) != store.ReasonTimeout {
		t.Error("expired must persist as timeout")
	}
	for _, r := range []Reason{ReasonCompleted, ReasonCancelled, ReasonRejected, ReasonExpired, ReasonFailed} {
		if got := FromPersisted(Persisted(r)); got != r {
			t.Errorf("%s round-trips to %s", r, got)
		}
	}
}
