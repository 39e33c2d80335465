// Package callstate holds the call state machine: the local view each
// participant keeps (idle, calling, ringing, connected, ended) and the
// ordering of persisted session statuses. Both only ever move forward.
package callstate

import (
	"errors"
	"fmt"

	"github.com/petervdpas/tutorcall/internal/store"
)

// ErrInvalidTransition is returned for a move the graph does not allow.
var ErrInvalidTransition = errors.New("invalid call state transition")

// State is a participant's local call state.
type State string

const (
	Idle      State = "idle"
	Calling   State = "calling"
	Ringing   State = "ringing"
	Connected State = "connected"
	Ended     State = "ended"
)

// Reason explains an Ended state.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCompleted Reason = "completed"
	ReasonCancelled Reason = "cancelled"
	ReasonRejected  Reason = "rejected"
	ReasonExpired   Reason = "expired"
	ReasonFailed    Reason = "failed"
)

// Event drives a transition.
type Event string

const (
	EvStart     Event = "start"     // caller placed the call
	EvIncoming  Event = "incoming"  // receiver's discovery surfaced it
	EvSurfaced  Event = "surfaced"  // caller saw the receiver ring
	EvConnected Event = "connected" // negotiation done and transport connected
	EvEnd       Event = "end"
)

var rank = map[State]int{Idle: 0, Calling: 1, Ringing: 2, Connected: 3, Ended: 4}

// endReasons lists the reasons legal when ending from each state.
var endReasons = map[State][]Reason{
	Idle:      {ReasonCancelled, ReasonRejected, ReasonExpired, ReasonFailed},
	Calling:   {ReasonRejected, ReasonExpired, ReasonCancelled, ReasonFailed},
	Ringing:   {ReasonRejected, ReasonExpired, ReasonCancelled, ReasonFailed},
	Connected: {ReasonCompleted, ReasonFailed},
}

// Machine is one participant's state for one call. The zero value is Idle.
// A Machine is not safe for concurrent use; callers serialize access.
type Machine struct {
	state  State
	reason Reason
}

// New returns a machine in Idle.
func New() *Machine { return &Machine{state: Idle} }

// State returns the current state.
func (m *Machine) State() State {
	if m.state == "" {
		return Idle
	}
	return m.state
}

// Reason is set once the machine is Ended.
func (m *Machine) Reason() Reason { return m.reason }

// Terminal reports whether the machine reached Ended.
func (m *Machine) Terminal() bool { return m.State() == Ended }

// Fire applies ev. changed is false when the event was a no-op: a repeated
// observation, an event arriving after a later state, or ending an
// already ended call. Reason is only used with EvEnd.
func (m *Machine) Fire(ev Event, reason Reason) (changed bool, err error) {
	from := m.State()
	to, err := next(from, ev, reason)
	if err != nil {
		return false, fmt.Errorf("%s on %s: %w", ev, from, err)
	}
	if to == from {
		return false, nil
	}
	m.state = to
	if to == Ended {
		m.reason = reason
	}
	return true, nil
}

func next(from State, ev Event, reason Reason) (State, error) {
	if from == Ended {
		// Terminal: every further event is absorbed.
		return Ended, nil
	}
	switch ev {
	case EvStart:
		if from == Idle {
			return Calling, nil
		}
	case EvIncoming:
		if from == Idle {
			return Ringing, nil
		}
		if from == Ringing {
			return Ringing, nil
		}
	case EvSurfaced:
		switch from {
		case Calling:
			return Ringing, nil
		case Ringing, Connected:
			return from, nil
		}
	case EvConnected:
		switch from {
		case Calling, Ringing:
			return Connected, nil
		case Connected:
			return Connected, nil
		}
	case EvEnd:
		for _, r := range endReasons[from] {
			if r == reason {
				return Ended, nil
			}
		}
		return from, ErrInvalidTransition
	}
	return from, ErrInvalidTransition
}

// CanTransition reports whether from -> to is an edge of the local graph.
func CanTransition(from, to State) bool {
	if from == to {
		return from == Ended
	}
	switch to {
	case Ended:
		return true
	case Ringing:
		return from == Idle || from == Calling
	case Calling:
		return from == Idle
	case Connected:
		return from == Calling || from == Ringing
	}
	return false
}

// Persisted maps a local end reason to the stored one.
func Persisted(r Reason) store.EndReason {
	switch r {
	case ReasonCompleted:
		return store.ReasonCompleted
	case ReasonCancelled:
		return store.ReasonCancelled
	case ReasonRejected:
		return store.ReasonRejected
	case ReasonExpired:
		return store.ReasonTimeout
	}
	return store.ReasonFailed
}

// FromPersisted maps a stored end reason back to the local one.
func FromPersisted(r store.EndReason) Reason {
	switch r {
	case store.ReasonCompleted:
		return ReasonCompleted
	case store.ReasonCancelled:
		return ReasonCancelled
	case store.ReasonRejected:
		return ReasonRejected
	case store.ReasonTimeout:
		return ReasonExpired
	}
	return ReasonFailed
}

var statusRank = map[store.Status]int{
	store.StatusPending:   0,
	store.StatusRinging:   1,
	store.StatusAnswered:  2,
	store.StatusConnected: 3,
	store.StatusEnded:     4,
}

// CanAdvance reports whether a stored session may move from one status to
// another. Only forward moves are allowed; ended is reachable from every
// status. Staying put is not an advance.
func CanAdvance(from, to store.Status) bool {
	f, ok := statusRank[from]
	if !ok {
		return false
	}
	t, ok := statusRank[to]
	if !ok {
		return false
	}
	return t > f
}

// Advance moves s to status to, or returns store.ErrNoChange when s is
// already there or later. It never moves a session backward.
func Advance(s *store.CallSession, to store.Status) error {
	if s.Status == to || !CanAdvance(s.Status, to) {
		return store.ErrNoChange
	}
	s.Status = to
	return nil
}

// Less orders local states along the graph.
func Less(a, b State) bool { return rank[a] < rank[b] }

// EndReasonFor returns r if it may end a call in state from, otherwise the
// closest legal reason. A remote "cancelled" seen after the local side
// connected is reported as "completed".
func EndReasonFor(from State, r Reason) Reason {
	for _, ok := range endReasons[from] {
		if ok == r {
			return r
		}
	}
	if from == Connected {
		if r == ReasonFailed || r == ReasonExpired {
			return ReasonFailed
		}
		return ReasonCompleted
	}
	if r == ReasonCompleted {
		// The other side hung up before this one saw the transport come up.
		return ReasonCancelled
	}
	return ReasonFailed
}
