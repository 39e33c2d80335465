// Package mongostore keeps call sessions in MongoDB. Change streams wake
// watchers; TTL indexes purge abandoned documents server-side even when no
// peer or sweeper is running.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/petervdpas/tutorcall/internal/store"
)

const (
	sessionsColl   = "call_sessions"
	candidatesColl = "ice_candidates"

	purgeAtField = "purge_at"
)

// Options tune the server-side purge.
type Options struct {
	// Grace is how long ended or expired sessions stay readable before the
	// TTL monitor may delete them.
	Grace time.Duration
	// CandidateTTL bounds the lifetime of candidate records.
	CandidateTTL time.Duration
}

func (o *Options) defaults() {
	if o.Grace <= 0 {
		o.Grace = 10 * time.Minute
	}
	if o.CandidateTTL <= 0 {
		o.CandidateTTL = time.Hour
	}
}

// DB is a store.Backend on a MongoDB database.
type DB struct {
	client     *mongo.Client
	db         *mongo.Database
	sessions   *mongo.Collection
	candidates *mongo.Collection
	opts       Options
	hub        store.ChangeHub
	cancel     context.CancelFunc
	done       chan struct{}
}

// sessionDoc adds the TTL field to the persisted session. purge_at is only
// set while the session is unanswered or ended; a live call never carries it.
type sessionDoc struct {
	store.CallSession `bson:",inline"`
	PurgeAt           *time.Time `bson:"purge_at,omitempty"`
}

func (d *DB) toDoc(s *store.CallSession) sessionDoc {
	doc := sessionDoc{CallSession: *s}
	var at time.Time
	switch s.Status {
	case store.StatusPending, store.StatusRinging:
		at = s.ExpiresAt.Add(d.opts.Grace)
	case store.StatusEnded:
		at = s.EndedAt.Add(d.opts.Grace)
	}
	if !at.IsZero() {
		doc.PurgeAt = &at
	}
	return doc
}

// Open connects to uri, ensures indexes and starts the change stream.
func Open(ctx context.Context, uri, database string, opts Options) (*DB, error) {
	opts.defaults()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	d := &DB{
		client:     client,
		db:         db,
		sessions:   db.Collection(sessionsColl),
		candidates: db.Collection(candidatesColl),
		opts:       opts,
		done:       make(chan struct{}),
	}
	if err := d.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.watchLoop(watchCtx)
	return d, nil
}

func (d *DB) ensureIndexes(ctx context.Context) error {
	zero := int32(0)
	candidateTTL := int32(d.opts.CandidateTTL.Seconds())
	if _, err := d.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "receiver_role", Value: 1}}},
		{Keys: bson.D{{Key: "caller_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: purgeAtField, Value: 1}},
			Options: options.Index().SetName("call_sessions_purge").SetExpireAfterSeconds(zero),
		},
	}); err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	if _, err := d.candidates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}, {Key: "sender_role", Value: 1}}},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("ice_candidates_expire").SetExpireAfterSeconds(candidateTTL),
		},
	}); err != nil {
		return fmt.Errorf("create candidate indexes: %w", err)
	}
	return nil
}

// watchLoop follows a database change stream. Standalone servers have no
// change streams; watchers then fall back to polling.
func (d *DB) watchLoop(ctx context.Context) {
	defer close(d.done)
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: bson.A{sessionsColl, candidatesColl}}}},
		}}},
	}
	delay := time.Second
	warned := false
	for ctx.Err() == nil {
		cs, err := d.db.Watch(ctx, pipeline)
		if err != nil {
			if !warned && ctx.Err() == nil {
				log.Printf("STORE: mongo change stream unavailable, polling only: %v", err)
				warned = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		delay = time.Second
		for cs.Next(ctx) {
			d.hub.Notify()
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			log.Printf("STORE: mongo change stream interrupted: %v", err)
		}
		_ = cs.Close(context.Background())
	}
}

func (d *DB) InsertSession(ctx context.Context, s *store.CallSession) error {
	_, err := d.sessions.InsertOne(ctx, d.toDoc(s))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	d.hub.Notify()
	return nil
}

func (d *DB) LoadSession(ctx context.Context, id string) (*store.CallSession, error) {
	var doc sessionDoc
	err := d.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalize(&doc.CallSession), nil
}

// normalize converts decoded times back to UTC; the driver decodes to local time.
func normalize(s *store.CallSession) *store.CallSession {
	for _, t := range []*time.Time{&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &s.EndedAt} {
		if !t.IsZero() {
			*t = t.UTC()
		}
	}
	return s
}

func (d *DB) ReplaceSession(ctx context.Context, s *store.CallSession, prevVersion int64) error {
	res, err := d.sessions.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: s.ID}, {Key: "version", Value: prevVersion}},
		d.toDoc(s))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := d.sessions.CountDocuments(ctx, bson.D{{Key: "_id", Value: s.ID}})
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	d.hub.Notify()
	return nil
}

func (d *DB) DeleteSession(ctx context.Context, id string) error {
	res, err := d.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		d.hub.Notify()
	}
	return nil
}

func (d *DB) QuerySessions(ctx context.Context, q store.SessionQuery) ([]*store.CallSession, error) {
	filter := bson.D{}
	if q.ReceiverID != "" {
		filter = append(filter, bson.E{Key: "receiver_id", Value: q.ReceiverID})
	}
	if q.ReceiverRole != "" {
		filter = append(filter, bson.E{Key: "receiver_role", Value: q.ReceiverRole})
	}
	if q.CallerID != "" {
		filter = append(filter, bson.E{Key: "caller_id", Value: q.CallerID})
	}
	if len(q.Statuses) > 0 {
		in := make(bson.A, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			in = append(in, string(st))
		}
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: in}}})
	}
	if !q.ExpiresBefore.IsZero() {
		filter = append(filter, bson.E{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: q.ExpiresBefore}}})
	}
	if !q.EndedBefore.IsZero() {
		filter = append(filter, bson.E{Key: "ended_at", Value: bson.D{{Key: "$lt", Value: q.EndedBefore}}})
	}

	cur, err := d.sessions.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*store.CallSession, 0, len(docs))
	for i := range docs {
		s := normalize(&docs[i].CallSession)
		if q.Match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *DB) InsertCandidate(ctx context.Context, c *store.CandidateRecord) error {
	_, err := d.candidates.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	d.hub.Notify()
	return nil
}

func (d *DB) QueryCandidates(ctx context.Context, callID string, sender store.Side, includeConsumed bool) ([]*store.CandidateRecord, error) {
	filter := bson.D{
		{Key: "call_id", Value: callID},
		{Key: "sender_role", Value: string(sender)},
	}
	if !includeConsumed {
		filter = append(filter, bson.E{Key: "consumed", Value: false})
	}
	cur, err := d.candidates.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*store.CandidateRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	for _, r := range out {
		r.CreatedAt = r.CreatedAt.UTC()
	}
	return out, nil
}

func (d *DB) MarkCandidateConsumed(ctx context.Context, id string) error {
	res, err := d.candidates.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "consumed", Value: true}}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	if res.ModifiedCount > 0 {
		d.hub.Notify()
	}
	return nil
}

func (d *DB) DeleteCandidates(ctx context.Context, callID string) error {
	res, err := d.candidates.DeleteMany(ctx, bson.D{{Key: "call_id", Value: callID}})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		d.hub.Notify()
	}
	return nil
}

func (d *DB) CandidateCallIDs(ctx context.Context) ([]string, error) {
	vals, err := d.candidates.Distinct(ctx, "call_id", bson.D{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

func (d *DB) Changes(ctx context.Context) (<-chan struct{}, func()) {
	return d.hub.Subscribe(ctx)
}

// Drop removes both collections. Used by tests.
func (d *DB) Drop(ctx context.Context) error {
	return multierr.Append(d.sessions.Drop(ctx), d.candidates.Drop(ctx))
}

// Close stops the change stream and disconnects.
func (d *DB) Close() error {
	d.cancel()
	<-d.done
	d.hub.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
