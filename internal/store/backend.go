package store

import "context"

// Backend is the minimal surface a document store must provide.
// Implementations must be safe for concurrent use.
type Backend interface {
	// InsertSession stores a new session. ErrAlreadyExists if the id is taken.
	InsertSession(ctx context.Context, s *CallSession) error
	// LoadSession returns a copy of a session, or ErrNotFound.
	LoadSession(ctx context.Context, id string) (*CallSession, error)
	// ReplaceSession writes s only if the stored version equals prevVersion.
	// ErrConflict when it does not, ErrNotFound when the id is gone.
	ReplaceSession(ctx context.Context, s *CallSession, prevVersion int64) error
	// DeleteSession removes a session. Deleting a missing id is not an error.
	DeleteSession(ctx context.Context, id string) error
	// QuerySessions returns the sessions matching q.
	QuerySessions(ctx context.Context, q SessionQuery) ([]*CallSession, error)

	InsertCandidate(ctx context.Context, c *CandidateRecord) error
	// QueryCandidates returns candidates of callID authored by sender,
	// ordered by creation. Consumed records are skipped unless asked for.
	QueryCandidates(ctx context.Context, callID string, sender Side, includeConsumed bool) ([]*CandidateRecord, error)
	// MarkCandidateConsumed flags a record. Idempotent; ErrNotFound if missing.
	MarkCandidateConsumed(ctx context.Context, id string) error
	// DeleteCandidates removes all records of callID.
	DeleteCandidates(ctx context.Context, callID string) error
	// CandidateCallIDs lists the distinct call ids that still have records.
	CandidateCallIDs(ctx context.Context) ([]string, error)

	// Changes returns a wake-up hint that fires (possibly coalesced) after
	// writes. Watchers re-query on each tick; a backend without push may
	// return a channel that never fires and rely on polling.
	Changes(ctx context.Context) (<-chan struct{}, func())

	Close() error
}
