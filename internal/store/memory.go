package store

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Memory is an in-process Backend. It is what tests and single-process
// demos run on; all participants must share the same *Memory.
type Memory struct {
	mu         sync.RWMutex
	sessions   map[string]*CallSession
	candidates map[string]*CandidateRecord
	hub        ChangeHub
	fault      func(op string) error
	closed     bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]*CallSession),
		candidates: make(map[string]*CandidateRecord),
	}
}

// SetFault installs a hook consulted before every write. A non-nil return
// fails that write. Passing nil removes the hook.
func (m *Memory) SetFault(fn func(op string) error) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

// writable must be called with m.mu held.
func (m *Memory) writable(op string) error {
	if m.closed {
		return ErrClosed
	}
	if m.fault != nil {
		return m.fault(op)
	}
	return nil
}

func (m *Memory) notify() { m.hub.Notify() }

func (m *Memory) InsertSession(_ context.Context, s *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable("insert_session"); err != nil {
		return err
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.sessions[s.ID] = s.Clone()
	m.notify()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ReplaceSession(_ context.Context, s *CallSession, prevVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable("replace_session"); err != nil {
		return err
	}
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return ErrConflict
	}
	m.sessions[s.ID] = s.Clone()
	m.notify()
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable("delete_session"); err != nil {
		return err
	}
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.notify()
	}
	return nil
}

func (m *Memory) QuerySessions(_ context.Context, q SessionQuery) ([]*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*CallSession
	for _, s := range m.sessions {
		if q.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertCandidate(_ context.Context, c *CandidateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable("insert_candidate"); err != nil {
		return err
	}
	if _, ok := m.candidates[c.ID]; ok {
		return ErrAlreadyExists
	}
	m.candidates[c.ID] = c.Clone()
	m.notify()
	return nil
}

func (m *Memory) QueryCandidates(_ context.Context, callID string, sender Side, includeConsumed bool) ([]*CandidateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*CandidateRecord
	for _, c := range m.candidates {
		if c.CallID != callID || c.SenderRole != sender {
			continue
		}
		if c.Consumed && !includeConsumed {
			continue
		}
		out = append(out, c.Clone())
	}
	SortCandidates(out)
	return out, nil
}

func (m *Memory) MarkCandidateConsumed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable("mark_candidate"); err != nil {
		return err
	}
	c, ok := m.candidates[id]
	if !ok {
		return ErrNotFound
	}
	if !c.Consumed {
		c.Consumed = true
		m.notify()
	}
	return nil
}

func (m *Memory) DeleteCandidates(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable("delete_candidates"); err != nil {
		return err
	}
	n := len(m.candidates)
	for id, c := range m.candidates {
		if c.CallID == callID {
			delete(m.candidates, id)
		}
	}
	if len(m.candidates) != n {
		m.notify()
	}
	return nil
}

func (m *Memory) CandidateCallIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var ids []string
	for _, c := range m.candidates {
		if !slices.Contains(ids, c.CallID) {
			ids = append(ids, c.CallID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Changes(ctx context.Context) (<-chan struct{}, func()) {
	return m.hub.Subscribe(ctx)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.Reset()
	return nil
}

// SortCandidates orders records by creation time, then sequence, then id.
func SortCandidates(recs []*CandidateRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
