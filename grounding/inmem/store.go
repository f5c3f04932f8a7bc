// Package inmem provides an in-memory grounding store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/reportflow/reportflow/grounding"
)

// Store implements grounding.Store with process-local maps.
type Store struct {
	mu       sync.Mutex
	sessions map[string]grounding.Session
	messages map[string][]grounding.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]grounding.Session),
		messages: make(map[string][]grounding.Message),
	}
}

// CreateSession registers the session if it does not exist yet and returns
// the stored session either way.
func (s *Store) CreateSession(_ context.Context, sess grounding.Session) (grounding.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.ID]; ok {
		return existing, nil
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.LastActivity = sess.CreatedAt
	sess.MessageCount = 0
	s.sessions[sess.ID] = sess
	return sess, nil
}

// LoadSession returns the session or grounding.ErrSessionNotFound.
func (s *Store) LoadSession(_ context.Context, sessionID string) (grounding.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return grounding.Session{}, grounding.ErrSessionNotFound
	}
	return sess, nil
}

// AppendMessage stores the message with the next sequence number and advances
// the session counters.
func (s *Store) AppendMessage(_ context.Context, msg grounding.Message) (grounding.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return grounding.Message{}, grounding.ErrSessionNotFound
	}
	sess.MessageCount++
	msg.Seq = sess.MessageCount
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.CreatedAt.After(sess.LastActivity) {
		sess.LastActivity = msg.CreatedAt
	}
	s.sessions[msg.SessionID] = sess
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return msg, nil
}

// ListMessages returns the session's messages in sequence order.
func (s *Store) ListMessages(_ context.Context, sessionID string) ([]grounding.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, grounding.ErrSessionNotFound
	}
	msgs := s.messages[sessionID]
	out := make([]grounding.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
