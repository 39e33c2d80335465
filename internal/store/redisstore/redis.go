// Package redisstore keeps call sessions in Redis. Session documents are
// hashes {doc, version} written through Lua compare-and-swap scripts;
// every write is announced on a pub/sub channel; key expiry purges
// abandoned sessions when nobody sweeps.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/petervdpas/tutorcall/internal/store"
)

// Config controls the client and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration

	// Grace is how long unanswered or ended sessions survive before their
	// key expires.
	Grace time.Duration
	// CandidateTTL bounds candidate hashes.
	CandidateTTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Prefix == "" {
		out.Prefix = "tutorcall:"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	if out.Grace <= 0 {
		out.Grace = 10 * time.Minute
	}
	if out.CandidateTTL <= 0 {
		out.CandidateTTL = time.Hour
	}
	return out
}

// DB is a store.Backend on Redis.
type DB struct {
	rdb    *redis.Client
	cfg    Config
	hub    store.ChangeHub
	pubsub *redis.PubSub
	done   chan struct{}
}

// Open connects, validates connectivity via PING and subscribes to the
// change channel.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	d := &DB{rdb: rdb, cfg: cfg, done: make(chan struct{})}
	d.pubsub = rdb.Subscribe(context.Background(), d.changesChannel())
	go d.listen()
	return d, nil
}

func (d *DB) listen() {
	defer close(d.done)
	for range d.pubsub.Channel() {
		d.hub.Notify()
	}
}

func (d *DB) changesChannel() string { return d.cfg.Prefix + "changes" }
func (d *DB) sessionKey(id string) string { return d.cfg.Prefix + "session:" + id }
func (d *DB) allSessionsKey() string { return d.cfg.Prefix + "sessions" }
func (d *DB) candidateKey(call string) string { return d.cfg.Prefix + "cand:" + call }
func (d *DB) consumedKey(call string) string { return d.cfg.Prefix + "consumed:" + call }
func (d *DB) candidateIndexKey() string { return d.cfg.Prefix + "candidx" }
func (d *DB) candidateCallsKey() string { return d.cfg.Prefix + "candcalls" }

func (d *DB) receiverKey(id, role string) string {
	return d.cfg.Prefix + "receiver:" + role + ":" + id
}

// purgeAt is when the session key may expire, or zero for a live call.
func (d *DB) purgeAt(s *store.CallSession) int64 {
	switch s.Status {
	case store.StatusPending, store.StatusRinging:
		return s.ExpiresAt.Add(d.cfg.Grace).UnixMilli()
	case store.StatusEnded:
		return s.EndedAt.Add(d.cfg.Grace).UnixMilli()
	}
	return 0
}

var insertScript = redis.NewScript(`
-- KEYS[1] = session key, KEYS[2] = all sessions set, KEYS[3] = receiver index
-- ARGV[1] = id, ARGV[2] = doc, ARGV[3] = version, ARGV[4] = purge_at_ms (0 = none)
-- ARGV[5] = changes channel
-- Returns 1 on insert, 0 if the id exists.
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[4])
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('PUBLISH', ARGV[5], ARGV[1])
return 1
`)

var replaceScript = redis.NewScript(`
-- KEYS[1] = session key
-- ARGV[1] = expected version, ARGV[2] = doc, ARGV[3] = new version
-- ARGV[4] = purge_at_ms (0 = persist), ARGV[5] = changes channel, ARGV[6] = id
-- Returns 1 on write, 0 on version conflict, -1 if missing.
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
if v ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[4])
else
  redis.call('PERSIST', KEYS[1])
end
redis.call('PUBLISH', ARGV[5], ARGV[6])
return 1
`)

func (d *DB) InsertSession(ctx context.Context, s *store.CallSession) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := insertScript.Run(ctx, d.rdb,
		[]string{d.sessionKey(s.ID), d.allSessionsKey(), d.receiverKey(s.ReceiverID, s.ReceiverRole)},
		s.ID, doc, s.Version, d.purgeAt(s), d.changesChannel()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return store.ErrAlreadyExists
	}
	d.hub.Notify()
	return nil
}

func (d *DB) LoadSession(ctx context.Context, id string) (*store.CallSession, error) {
	raw, err := d.rdb.HGet(ctx, d.sessionKey(id), "doc").Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(raw)
}

func decodeSession(raw string) (*store.CallSession, error) {
	var s store.CallSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (d *DB) ReplaceSession(ctx context.Context, s *store.CallSession, prevVersion int64) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := replaceScript.Run(ctx, d.rdb, []string{d.sessionKey(s.ID)},
		prevVersion, doc, s.Version, d.purgeAt(s), d.changesChannel(), s.ID).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return store.ErrNotFound
	case 0:
		return store.ErrConflict
	}
	d.hub.Notify()
	return nil
}

func (d *DB) DeleteSession(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, d.sessionKey(id))
		p.SRem(ctx, d.allSessionsKey(), id)
		p.Publish(ctx, d.changesChannel(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() > 0 {
		d.hub.Notify()
	}
	return nil
}

// QuerySessions reads the receiver index when the query names one, the
// full set otherwise. Ids whose key expired are pruned from the sets.
func (d *DB) QuerySessions(ctx context.Context, q store.SessionQuery) ([]*store.CallSession, error) {
	setKey := d.allSessionsKey()
	if q.ReceiverID != "" && q.ReceiverRole != "" {
		setKey = d.receiverKey(q.ReceiverID, q.ReceiverRole)
	}
	ids, err := d.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	if _, err := d.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, d.sessionKey(id), "doc")
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*store.CallSession
	var stale []any
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		s, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		if q.Match(s) {
			out = append(out, s)
		}
	}
	if len(stale) > 0 {
		if err := d.rdb.SRem(ctx, setKey, stale...).Err(); err != nil {
			log.Printf("STORE: redis prune index: %v", err)
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

func (d *DB) InsertCandidate(ctx context.Context, c *store.CandidateRecord) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var set *redis.BoolCmd
	_, err = d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		set = p.HSetNX(ctx, d.candidateKey(c.CallID), c.ID, raw)
		p.PExpire(ctx, d.candidateKey(c.CallID), d.cfg.CandidateTTL)
		p.HSet(ctx, d.candidateIndexKey(), c.ID, c.CallID)
		p.SAdd(ctx, d.candidateCallsKey(), c.CallID)
		p.Publish(ctx, d.changesChannel(), c.CallID)
		return nil
	})
	if err != nil {
		return err
	}
	if !set.Val() {
		return store.ErrAlreadyExists
	}
	d.hub.Notify()
	return nil
}

func (d *DB) QueryCandidates(ctx context.Context, callID string, sender store.Side, includeConsumed bool) ([]*store.CandidateRecord, error) {
	var vals *redis.StringSliceCmd
	var consumed *redis.StringSliceCmd
	if _, err := d.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		vals = p.HVals(ctx, d.candidateKey(callID))
		consumed = p.SMembers(ctx, d.consumedKey(callID))
		return nil
	}); err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(consumed.Val()))
	for _, id := range consumed.Val() {
		done[id] = true
	}

	var out []*store.CandidateRecord
	for _, raw := range vals.Val() {
		var r store.CandidateRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		if r.SenderRole != sender {
			continue
		}
		r.Consumed = r.Consumed || done[r.ID]
		if r.Consumed && !includeConsumed {
			continue
		}
		out = append(out, &r)
	}
	store.SortCandidates(out)
	return out, nil
}

func (d *DB) MarkCandidateConsumed(ctx context.Context, id string) error {
	callID, err := d.rdb.HGet(ctx, d.candidateIndexKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	var added *redis.IntCmd
	if _, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, d.consumedKey(callID), id)
		p.PExpire(ctx, d.consumedKey(callID), d.cfg.CandidateTTL)
		return nil
	}); err != nil {
		return err
	}
	if added.Val() > 0 {
		if err := d.rdb.Publish(ctx, d.changesChannel(), callID).Err(); err != nil {
			log.Printf("STORE: redis publish: %v", err)
		}
		d.hub.Notify()
	}
	return nil
}

func (d *DB) DeleteCandidates(ctx context.Context, callID string) error {
	ids, err := d.rdb.HKeys(ctx, d.candidateKey(callID)).Result()
	if err != nil {
		return err
	}
	_, err = d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(ids) > 0 {
			p.HDel(ctx, d.candidateIndexKey(), ids...)
		}
		p.Del(ctx, d.candidateKey(callID), d.consumedKey(callID))
		p.SRem(ctx, d.candidateCallsKey(), callID)
		p.Publish(ctx, d.changesChannel(), callID)
		return nil
	})
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		d.hub.Notify()
	}
	return nil
}

func (d *DB) CandidateCallIDs(ctx context.Context) ([]string, error) {
	calls, err := d.rdb.SMembers(ctx, d.candidateCallsKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	var stale []any
	for _, c := range calls {
		n, err := d.rdb.Exists(ctx, d.candidateKey(c)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			stale = append(stale, c)
			continue
		}
		out = append(out, c)
	}
	if len(stale) > 0 {
		_ = d.rdb.SRem(ctx, d.candidateCallsKey(), stale...).Err()
	}
	sort.Strings(out)
	return out, nil
}

func (d *DB) Changes(ctx context.Context) (<-chan struct{}, func()) {
	return d.hub.Subscribe(ctx)
}

// Close unsubscribes and closes the client.
func (d *DB) Close() error {
	err := d.pubsub.Close()
	<-d.done
	d.hub.Reset()
	return multierr.Append(err, d.rdb.Close())
}
