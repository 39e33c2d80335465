// Package store is the signaling store adapter: the persisted call-session
// schema plus a thin layer over a shared, eventually consistent document
// store. Backends (memory, SQLite, MongoDB, Redis) implement Backend; Store
// adds compare-and-swap updates, retries and watch subscriptions on top.
package store

import (
	"slices"
	"time"
)

// Status is the persisted lifecycle status of a CallSession.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// EndReason is set together with StatusEnded.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonCancelled EndReason = "cancelled"
	ReasonRejected  EndReason = "rejected"
	ReasonTimeout   EndReason = "timeout"
	ReasonFailed    EndReason = "failed"
)

// Side is the call-side role of a participant, used to tag candidates.
type Side string

const (
	SideCaller   Side = "caller"
	SideReceiver Side = "receiver"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideCaller {
		return SideReceiver
	}
	return SideCaller
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type" bson:"type"` // "offer" | "answer"
	SDP  string `json:"sdp" bson:"sdp"`
}

// ICECandidate is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdp_m_line_index,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"username_fragment,omitempty"`
}

// CallSession is one call attempt between two identities. There is exactly
// one document per ID. Version increases by one on every successful write.
type CallSession struct {
	ID           string `json:"id" bson:"_id"`
	CallerID     string `json:"callerId" bson:"caller_id"`
	CallerRole   string `json:"callerRole" bson:"caller_role"`
	ReceiverID   string `json:"receiverId" bson:"receiver_id"`
	ReceiverRole string `json:"receiverRole" bson:"receiver_role"`

	Offer  *SessionDescription `json:"offer" bson:"offer"`
	Answer *SessionDescription `json:"answer" bson:"answer"`

	Status    Status    `json:"status" bson:"status"`
	EndReason EndReason `json:"endReason,omitempty" bson:"end_reason,omitempty"`
	EndedBy   string    `json:"endedBy,omitempty" bson:"ended_by,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expires_at"`
	EndedAt   time.Time `json:"endedAt,omitempty" bson:"ended_at"`

	Version int64 `json:"version" bson:"version"`
}

// Clone returns a deep copy.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Offer != nil {
		o := *s.Offer
		c.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		c.Answer = &a
	}
	return &c
}

// Ended reports whether the session reached its terminal status.
func (s *CallSession) Ended() bool { return s.Status == StatusEnded }

// Expired reports whether the validity window has elapsed at now.
func (s *CallSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Between reports whether the session connects a and b, in either direction.
func (s *CallSession) Between(a, b string) bool {
	return (s.CallerID == a && s.ReceiverID == b) || (s.CallerID == b && s.ReceiverID == a)
}

// SideOf returns the call side of identity id, or false if id is not a party.
func (s *CallSession) SideOf(id string) (Side, bool) {
	switch id {
	case s.CallerID:
		return SideCaller, true
	case s.ReceiverID:
		return SideReceiver, true
	}
	return "", false
}

// CandidateRecord is one ICE candidate written by one side of a call.
// A record is applied at most once, only by the side that did not author it.
type CandidateRecord struct {
	ID         string       `json:"id" bson:"_id"`
	CallID     string       `json:"callId" bson:"call_id"`
	SenderRole Side         `json:"senderRole" bson:"sender_role"`
	Candidate  ICECandidate `json:"candidate" bson:"candidate"`
	CreatedAt  time.Time    `json:"createdAt" bson:"created_at"`
	Seq        int64        `json:"seq" bson:"seq"`
	Consumed   bool         `json:"consumed" bson:"consumed"`
}

// Clone returns a copy.
func (c *CandidateRecord) Clone() *CandidateRecord {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// SessionQuery selects sessions. Zero-valued fields do not filter.
type SessionQuery struct {
	ReceiverID    string
	ReceiverRole  string
	CallerID      string
	Statuses      []Status
	ExpiresBefore time.Time
	EndedBefore   time.Time
}

// Match applies the query to one session. Backends that cannot express a
// filter server-side use this to finish the job client-side.
func (q SessionQuery) Match(s *CallSession) bool {
	if q.ReceiverID != "" && s.ReceiverID != q.ReceiverID {
		return false
	}
	if q.ReceiverRole != "" && s.ReceiverRole != q.ReceiverRole {
		return false
	}
	if q.CallerID != "" && s.CallerID != q.CallerID {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, s.Status) {
		return false
	}
	if !q.ExpiresBefore.IsZero() && !s.ExpiresAt.Before(q.ExpiresBefore) {
		return false
	}
	if !q.EndedBefore.IsZero() && (s.Status != StatusEnded || !s.EndedAt.Before(q.EndedBefore)) {
		return false
	}
	return true
}

// ActiveStatuses are all statuses before the terminal one.
var ActiveStatuses = []Status{StatusPending, StatusRinging, StatusAnswered, StatusConnected}
