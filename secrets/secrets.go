// Package secrets defines the secret store consumed by the tool access
// control layer. The production backend is an external managed store; this
// package provides the interface plus in-memory and environment-backed
// implementations for local development and tests.
//
// Secret values must never appear in logs or error messages. Implementations
// return ErrNotFound for unknown names rather than echoing lookup details.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound indicates the named secret does not exist in the store.
var ErrNotFound = errors.New("secret not found")

// Store resolves named secrets to their material.
type Store interface {
	// Get returns the secret material for the given name. Returns ErrNotFound
	// when the name is unknown.
	Get(ctx context.Context, name string) (string, error)
}

// InMemory is a map-backed Store for tests and local development.
type InMemory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{secrets: make(map[string]string)}
}

// Set stores a secret under the given name.
func (s *InMemory) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// Get returns the secret material for the given name.
func (s *InMemory) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Env resolves secrets from environment variables. A secret named
// "geocoder-api-key" maps to the variable <prefix>GEOCODER_API_KEY.
type Env struct {
	prefix string
}

// NewEnv returns an environment-backed store using the given variable prefix,
// e.g. "REPORTFLOW_SECRET_".
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

// Get returns the secret material for the given name.
func (e *Env) Get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(e.varName(name))
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (e *Env) varName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return fmt.Sprintf("%s%s", e.prefix, mapped)
}
