package grounding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/telemetry"
)

type (
	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store persists sessions and messages. Required.
		Store Store
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Clock overrides time.Now, for tests.
		Clock func() time.Time
	}

	// Manager records completed orchestration turns. It creates sessions
	// lazily, appends the user and assistant messages in order, and builds
	// one reference per agent result so every answer stays traceable to the
	// agents that produced it.
	Manager struct {
		store Store
		log   telemetry.Logger
		now   func() time.Time
	}
)

// NewManager builds a Manager from the given options.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{store: opts.Store, log: logger, now: clock}, nil
}

// RecordTurn persists one completed turn: the user's report text followed by
// the assistant's answer, the latter referencing every agent result that fed
// it. The references list is always non-nil, empty when no results applied.
// Returns the stored assistant message.
func (m *Manager) RecordTurn(ctx context.Context, tenantID, sessionID, userText, answer string, results []agent.Result) (Message, error) {
	if sessionID == "" {
		return Message{}, errors.New("session id is required")
	}
	now := m.now().UTC()
	if _, err := m.store.CreateSession(ctx, Session{ID: sessionID, TenantID: tenantID, CreatedAt: now}); err != nil {
		return Message{}, fmt.Errorf("create session %q: %w", sessionID, err)
	}

	if _, err := m.store.AppendMessage(ctx, Message{
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   userText,
		CreatedAt: now,
	}); err != nil {
		return Message{}, fmt.Errorf("append user message: %w", err)
	}

	assistant := Message{
		SessionID:  sessionID,
		Role:       RoleAssistant,
		Content:    answer,
		CreatedAt:  now,
		References: referencesFor(results),
	}
	stored, err := m.store.AppendMessage(ctx, assistant)
	if err != nil {
		return Message{}, fmt.Errorf("append assistant message: %w", err)
	}
	m.log.Info(ctx, "turn recorded",
		"session_id", sessionID, "tenant_id", tenantID, "references", len(stored.References))
	return stored, nil
}

// referencesFor builds one reference per result, ordered by agent id. Failed
// agents are referenced too, flagged by status, so partial answers stay
// honest about what they rest on.
func referencesFor(results []agent.Result) []Reference {
	refs := make([]Reference, 0, len(results))
	sorted := make([]agent.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })
	for _, res := range sorted {
		ref := Reference{
			Type:        RefAgentResult,
			ReferenceID: res.AgentID,
			Status:      "completed",
		}
		if res.Failed() {
			ref.Status = "failed"
			ref.Summary = "agent execution failed"
		} else {
			ref.Summary = summarize(res.Fields)
			if loc, ok := res.Fields["location_name"].(string); ok && loc != "" {
				ref.Location = loc
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

func summarize(fields map[string]any) string {
	if len(fields) == 0 {
		return "no fields extracted"
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", fields)
	}
	return string(raw)
}
