// Package grounding persists conversation turns and ties every generated
// answer back to the records that produced it. A session aggregates ordered
// messages; assistant messages carry a references list pointing at the agent
// results and source records behind the answer.
package grounding

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id is unknown to the store.
var ErrSessionNotFound = errors.New("session not found")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Reference types.
const (
	// RefAgentResult points at one agent's structured output.
	RefAgentResult = "agent_result"
	// RefReport points at a stored incident report.
	RefReport = "report"
)

type (
	// Session is the conversation aggregate. MessageCount and LastActivity
	// are derived from message creation and only ever move forward.
	Session struct {
		ID           string    `json:"id" bson:"session_id"`
		TenantID     string    `json:"tenant_id" bson:"tenant_id"`
		CreatedAt    time.Time `json:"created_at" bson:"created_at"`
		LastActivity time.Time `json:"last_activity" bson:"last_activity"`
		MessageCount int64     `json:"message_count" bson:"message_count"`
	}

	// Reference points an assistant message at one source record.
	Reference struct {
		// Type classifies the referenced record, e.g. RefAgentResult.
		Type string `json:"type" bson:"type"`
		// ReferenceID identifies the record within its type.
		ReferenceID string `json:"reference_id" bson:"reference_id"`
		// Summary is a short human-readable rendering of the record.
		Summary string `json:"summary" bson:"summary"`
		// Status optionally records the outcome of the referenced work.
		Status string `json:"status,omitempty" bson:"status,omitempty"`
		// Location optionally carries a place name extracted from the record.
		Location string `json:"location,omitempty" bson:"location,omitempty"`
	}

	// Message is one turn entry. Seq is assigned by the store and is strictly
	// increasing within a session. References is non-nil on every assistant
	// message: an empty list means the answer used no source data, a nil list
	// means the invariant was violated upstream.
	Message struct {
		SessionID  string      `json:"session_id" bson:"session_id"`
		Seq        int64       `json:"seq" bson:"seq"`
		Role       Role        `json:"role" bson:"role"`
		Content    string      `json:"content" bson:"content"`
		CreatedAt  time.Time   `json:"created_at" bson:"created_at"`
		References []Reference `json:"references,omitempty" bson:"references,omitempty"`
	}

	// Store persists sessions and their ordered messages.
	Store interface {
		// CreateSession registers a session. Creating an existing session is
		// a no-op that returns the stored session, so callers can create
		// lazily on first turn.
		CreateSession(ctx context.Context, s Session) (Session, error)
		// LoadSession returns the session or ErrSessionNotFound.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// AppendMessage stores the message, assigns its sequence number and
		// advances the session's message count and last activity. Returns the
		// stored message.
		AppendMessage(ctx context.Context, msg Message) (Message, error)
		// ListMessages returns the session's messages in sequence order.
		ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	}
)
