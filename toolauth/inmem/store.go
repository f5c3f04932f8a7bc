// Package inmem provides an in-memory implementation of
// toolauth.PermissionStore for testing and local development. Data is lost
// when the process exits; production deployments use the Redis-backed store.
package inmem

import (
	"context"
	"sync"

	"github.com/reportflow/reportflow/toolauth"
)

// Store implements toolauth.PermissionStore using an in-process map keyed by
// the (tenant, agent, tool) triple. It is thread-safe.
type Store struct {
	mu    sync.RWMutex
	perms map[key]toolauth.Permission
}

type key struct {
	tenantID string
	agentID  string
	tool     string
}

// New returns an empty in-memory permission store.
func New() *Store {
	return &Store{perms: make(map[key]toolauth.Permission)}
}

// Get returns the permission for the triple, reporting absence via found.
func (s *Store) Get(_ context.Context, tenantID, agentID, tool string) (toolauth.Permission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.perms[key{tenantID, agentID, tool}]
	return perm, ok, nil
}

// Put stores the permission record, replacing any existing one.
func (s *Store) Put(_ context.Context, perm toolauth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[key{perm.TenantID, perm.AgentID, perm.Tool}] = perm
	return nil
}

// Delete removes the permission record for the triple, if any.
func (s *Store) Delete(_ context.Context, tenantID, agentID, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, key{tenantID, agentID, tool})
	return nil
}
