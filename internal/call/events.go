package call

import (
	"sync"
	"time"

	"github.com/petervdpas/tutorcall/internal/callstate"
	"github.com/petervdpas/tutorcall/internal/directory"
	"github.com/petervdpas/tutorcall/internal/store"
)

// Event is one local state change of a call session. Error is set when a
// failure ended the call.
type Event struct {
	SessionID string           `json:"session_id"`
	Side      store.Side       `json:"side"`
	Peer      directory.Party  `json:"peer"`
	State     callstate.State  `json:"state"`
	Reason    callstate.Reason `json:"reason,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Terminal reports whether the event ended the call.
func (e Event) Terminal() bool { return e.State == callstate.Ended }

// IncomingCall is a session addressed to the local identity, as surfaced
// by discovery.
type IncomingCall struct {
	SessionID string          `json:"session_id"`
	Caller    directory.Party `json:"caller"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Status is a point-in-time view of one session.
type Status struct {
	SessionID     string           `json:"session_id"`
	Side          store.Side       `json:"side"`
	Peer          directory.Party  `json:"peer"`
	State         callstate.State  `json:"state"`
	Reason        callstate.Reason `json:"reason,omitempty"`
	Error         string           `json:"error,omitempty"`
	Answered      bool             `json:"answered"`
	Media         MediaInfo        `json:"media"`
	AudioEnabled  bool             `json:"audio_enabled"`
	VideoEnabled  bool             `json:"video_enabled"`
	RemoteStreams int              `json:"remote_streams"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	EndedAt       time.Time        `json:"ended_at,omitzero"`
}

// feed fans values out to subscribers without ever blocking the
// publisher. A subscriber that falls behind its buffer loses values.
type feed[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

// subscribe returns a channel that first yields replay and then every
// published value. On a closed feed the channel yields replay and closes.
func (f *feed[T]) subscribe(buf int, replay []T) (<-chan T, func()) {
	ch := make(chan T, buf+len(replay))
	for _, v := range replay {
		ch <- v
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[chan T]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
}

// publish returns how many subscribers missed v.
func (f *feed[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// close closes every subscriber channel; later subscribers get a closed
// channel.
func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}

func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
