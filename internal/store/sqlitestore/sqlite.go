// Package sqlitestore keeps call sessions in a SQLite file that several
// peer processes on one host share. Writes from other processes are picked
// up through fsnotify events on the database and its WAL file.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/tutorcall/internal/store"
)

// DB is a store.Backend on a SQLite file.
type DB struct {
	db      *sql.DB
	path    string
	hub     store.ChangeHub
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_sessions (
			id            TEXT PRIMARY KEY,
			caller_id     TEXT NOT NULL,
			receiver_id   TEXT NOT NULL,
			receiver_role TEXT NOT NULL,
			status        TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL,
			ended_at      INTEGER NOT NULL DEFAULT 0,
			version       INTEGER NOT NULL,
			doc           TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS call_sessions_receiver ON call_sessions (receiver_id, receiver_role);
		CREATE TABLE IF NOT EXISTS ice_candidates (
			id          TEXT PRIMARY KEY,
			call_id     TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			seq         INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			consumed    INTEGER NOT NULL DEFAULT 0,
			candidate   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ice_candidates_call ON ice_candidates (call_id, sender_role);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	d := &DB{db: db, path: path, closed: make(chan struct{})}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("STORE: fsnotify unavailable, polling only: %v", err)
		return d, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("STORE: cannot watch %s, polling only: %v", filepath.Dir(path), err)
		watcher.Close()
		return d, nil
	}
	d.watcher = watcher
	go d.watchLoop()
	return d, nil
}

// watchLoop turns writes to the db, -wal and -shm files into change hints.
func (d *DB) watchLoop() {
	base := filepath.Base(d.path)
	for {
		select {
		case <-d.closed:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				d.hub.Notify()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("STORE: watcher error: %v", err)
		}
	}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (d *DB) InsertSession(ctx context.Context, s *store.CallSession) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO call_sessions
		(id, caller_id, receiver_id, receiver_role, status, created_at, expires_at, ended_at, version, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CallerID, s.ReceiverID, s.ReceiverRole, string(s.Status),
		nanos(s.CreatedAt), nanos(s.ExpiresAt), nanos(s.EndedAt), s.Version, string(doc))
	if isUnique(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	d.hub.Notify()
	return nil
}

func (d *DB) LoadSession(ctx context.Context, id string) (*store.CallSession, error) {
	var doc string
	err := d.db.QueryRowContext(ctx, `SELECT doc FROM call_sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(doc)
}

func decodeSession(doc string) (*store.CallSession, error) {
	var s store.CallSession
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (d *DB) ReplaceSession(ctx context.Context, s *store.CallSession, prevVersion int64) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE call_sessions SET
		caller_id = ?, receiver_id = ?, receiver_role = ?, status = ?,
		expires_at = ?, ended_at = ?, version = ?, doc = ?
		WHERE id = ? AND version = ?`,
		s.CallerID, s.ReceiverID, s.ReceiverRole, string(s.Status),
		nanos(s.ExpiresAt), nanos(s.EndedAt), s.Version, string(doc),
		s.ID, prevVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var v int64
		err := d.db.QueryRowContext(ctx, `SELECT version FROM call_sessions WHERE id = ?`, s.ID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrConflict
	}
	d.hub.Notify()
	return nil
}

func (d *DB) DeleteSession(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.hub.Notify()
	}
	return nil
}

func (d *DB) QuerySessions(ctx context.Context, q store.SessionQuery) ([]*store.CallSession, error) {
	var where []string
	var args []any
	if q.ReceiverID != "" {
		where = append(where, "receiver_id = ?")
		args = append(args, q.ReceiverID)
	}
	if q.ReceiverRole != "" {
		where = append(where, "receiver_role = ?")
		args = append(args, q.ReceiverRole)
	}
	if q.CallerID != "" {
		where = append(where, "caller_id = ?")
		args = append(args, q.CallerID)
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(q.Statuses)-1)+")")
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if !q.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, q.ExpiresBefore.UnixNano())
	}
	if !q.EndedBefore.IsZero() {
		where = append(where, "status = 'ended' AND ended_at < ?")
		args = append(args, q.EndedBefore.UnixNano())
	}

	query := `SELECT doc FROM call_sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.CallSession
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		s, err := decodeSession(doc)
		if err != nil {
			return nil, err
		}
		if q.Match(s) {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

func (d *DB) InsertCandidate(ctx context.Context, c *store.CandidateRecord) error {
	cand, err := json.Marshal(c.Candidate)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO ice_candidates
		(id, call_id, sender_role, seq, created_at, consumed, candidate)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CallID, string(c.SenderRole), c.Seq, nanos(c.CreatedAt), c.Consumed, string(cand))
	if isUnique(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	d.hub.Notify()
	return nil
}

func (d *DB) QueryCandidates(ctx context.Context, callID string, sender store.Side, includeConsumed bool) ([]*store.CandidateRecord, error) {
	query := `SELECT id, seq, created_at, consumed, candidate FROM ice_candidates
		WHERE call_id = ? AND sender_role = ?`
	if !includeConsumed {
		query += " AND consumed = 0"
	}
	query += " ORDER BY created_at, seq, id"

	rows, err := d.db.QueryContext(ctx, query, callID, string(sender))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.CandidateRecord
	for rows.Next() {
		r := &store.CandidateRecord{CallID: callID, SenderRole: sender}
		var created int64
		var cand string
		if err := rows.Scan(&r.ID, &r.Seq, &created, &r.Consumed, &cand); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(cand), &r.Candidate); err != nil {
			return nil, fmt.Errorf("decode candidate %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) MarkCandidateConsumed(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE ice_candidates SET consumed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	d.hub.Notify()
	return nil
}

func (d *DB) DeleteCandidates(ctx context.Context, callID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM ice_candidates WHERE call_id = ?`, callID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.hub.Notify()
	}
	return nil
}

func (d *DB) CandidateCallIDs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT call_id FROM ice_candidates ORDER BY call_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *DB) Changes(ctx context.Context) (<-chan struct{}, func()) {
	return d.hub.Subscribe(ctx)
}

// Close stops the watcher and closes the database.
func (d *DB) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)
	d.hub.Reset()
	var err error
	if d.watcher != nil {
		err = multierr.Append(err, d.watcher.Close())
	}
	return multierr.Append(err, d.db.Close())
}
