// Package mongostore persists grounding sessions and messages in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/reportflow/reportflow/grounding"
)

const (
	defaultSessionsCollection = "sessions"
	defaultMessagesCollection = "messages"
	defaultOpTimeout          = 5 * time.Second
	storeName                 = "grounding-mongo"
)

type (
	// Options configures the Mongo grounding store.
	Options struct {
		// Client is a connected Mongo client. Required.
		Client *mongo.Client
		// Database is the database name. Required.
		Database string
		// SessionsCollection defaults to "sessions".
		SessionsCollection string
		// MessagesCollection defaults to "messages".
		MessagesCollection string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store implements grounding.Store on MongoDB. Message sequence numbers
	// come from an atomic increment of the session's message count, so they
	// are strictly increasing even with concurrent writers.
	Store struct {
		client   *mongo.Client
		sessions *mongo.Collection
		messages *mongo.Collection
		timeout  time.Duration
	}
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessions := opts.SessionsCollection
	if sessions == "" {
		sessions = defaultSessionsCollection
	}
	messages := opts.MessagesCollection
	if messages == "" {
		messages = defaultMessagesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:   opts.Client,
		sessions: db.Collection(sessions),
		messages: db.Collection(messages),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return storeName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// CreateSession registers the session idempotently. A pure $setOnInsert
// update never modifies an existing session, so retries and concurrent
// first turns are safe.
func (s *Store) CreateSession(ctx context.Context, sess grounding.Session) (grounding.Session, error) {
	if sess.ID == "" {
		return grounding.Session{}, errors.New("session id is required")
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sess.ID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id":    sess.ID,
			"tenant_id":     sess.TenantID,
			"created_at":    createdAt,
			"last_activity": createdAt,
			"message_count": int64(0),
		},
	}
	if _, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return grounding.Session{}, err
	}
	return s.LoadSession(ctx, sess.ID)
}

// LoadSession returns the session or grounding.ErrSessionNotFound.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (grounding.Session, error) {
	if sessionID == "" {
		return grounding.Session{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var sess grounding.Session
	if err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return grounding.Session{}, grounding.ErrSessionNotFound
		}
		return grounding.Session{}, err
	}
	return sess, nil
}

// AppendMessage atomically claims the next sequence number on the session
// document and inserts the message with it. last_activity uses $max so the
// timestamp never moves backwards.
func (s *Store) AppendMessage(ctx context.Context, msg grounding.Message) (grounding.Message, error) {
	if msg.SessionID == "" {
		return grounding.Message{}, errors.New("session id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": msg.SessionID}
	update := bson.M{
		"$inc": bson.M{"message_count": int64(1)},
		"$max": bson.M{"last_activity": msg.CreatedAt},
	}
	var sess grounding.Session
	err := s.sessions.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return grounding.Message{}, grounding.ErrSessionNotFound
		}
		return grounding.Message{}, err
	}

	msg.Seq = sess.MessageCount
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return grounding.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the session's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]grounding.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if _, err := s.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []grounding.Message
	for cur.Next(ctx) {
		var msg grounding.Message
		if err := cur.Decode(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	sessionIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.sessions.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	messageIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.messages.Indexes().CreateOne(ctx, messageIndex)
	return err
}
