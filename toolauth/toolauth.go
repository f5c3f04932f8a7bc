// Package toolauth implements the tool access control layer: it decides
// whether a given agent may invoke a given tool on behalf of a tenant, and
// resolves the credentials needed to call it.
//
// Permission lookups go through a process-local TTL cache backed by the
// external permission store. Revocations invalidate the cache immediately so
// there is no stale-allow window on revoke; a stale-allow window up to the
// TTL is acceptable on grant across independent orchestrator instances. That
// eventual consistency inside the TTL window is a deliberate availability
// trade-off.
package toolauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reportflow/reportflow/secrets"
	"github.com/reportflow/reportflow/telemetry"
)

// DefaultCacheTTL bounds how long a cached permission decision is served
// before the store is consulted again.
const DefaultCacheTTL = 5 * time.Minute

// AuthMethod enumerates how a tool authenticates its callers.
type AuthMethod string

const (
	// AuthNone marks tools callable without credentials.
	AuthNone AuthMethod = "none"
	// AuthIAM marks tools using ambient platform identity; no secret material
	// is resolved.
	AuthIAM AuthMethod = "iam"
	// AuthAPIKey marks tools authenticated by a static API key.
	AuthAPIKey AuthMethod = "apikey"
	// AuthBearer marks tools authenticated by a bearer token.
	AuthBearer AuthMethod = "bearer"
	// AuthBasic marks tools authenticated by basic credentials.
	AuthBasic AuthMethod = "basic"
)

type (
	// Permission is one (tenant, agent, tool) grant record. The external
	// permission store is the source of truth; the verifier caches decisions
	// for the TTL window.
	Permission struct {
		TenantID  string    `json:"tenant_id"`
		AgentID   string    `json:"agent_id"`
		Tool      string    `json:"tool"`
		Allowed   bool      `json:"allowed"`
		GrantedAt time.Time `json:"granted_at"`
	}

	// PermissionStore persists permission triples. An absent record is a valid
	// outcome, reported via found=false, and resolves to denied.
	PermissionStore interface {
		Get(ctx context.Context, tenantID, agentID, tool string) (perm Permission, found bool, err error)
		Put(ctx context.Context, perm Permission) error
		Delete(ctx context.Context, tenantID, agentID, tool string) error
	}

	// Tool is the metadata needed to call a tool.
	Tool struct {
		// Name identifies the tool.
		Name string
		// Auth is how the tool authenticates callers.
		Auth AuthMethod
		// SecretName names the secret holding the tool's credential material.
		// Required for secret-backed auth methods.
		SecretName string
	}

	// Catalog resolves tool names to their metadata.
	Catalog interface {
		Lookup(ctx context.Context, name string) (Tool, bool, error)
	}

	// StaticCatalog is a Catalog backed by a fixed tool set.
	StaticCatalog map[string]Tool

	// Credential is resolved credential material for a tool call. Its String
	// method redacts the token so accidental logging never leaks secrets.
	Credential struct {
		Method AuthMethod
		Token  string
	}

	// AuthError reports a failed credential resolution. It never carries raw
	// secret material and is never retried with the same credentials.
	AuthError struct {
		Tool   string
		Reason string
	}

	// Options configures a Verifier.
	Options struct {
		// Permissions is the backing permission store. Required.
		Permissions PermissionStore
		// Catalog resolves tool metadata. Required for credential resolution.
		Catalog Catalog
		// Secrets is the secret store consulted for secret-backed auth methods.
		Secrets secrets.Store
		// CacheTTL overrides DefaultCacheTTL when positive.
		CacheTTL time.Duration
		// Logger records verification outcomes. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Verifier answers permission checks and resolves tool credentials. Safe
	// for concurrent use: agents within a dependency level share one instance,
	// and the cache is the only mutable state they touch.
	Verifier struct {
		store   PermissionStore
		catalog Catalog
		secrets secrets.Store
		cache   *permissionCache
		log     telemetry.Logger
	}
)

// Lookup implements Catalog.
func (c StaticCatalog) Lookup(_ context.Context, name string) (Tool, bool, error) {
	t, ok := c[name]
	return t, ok, nil
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("credential resolution failed for tool %q: %s", e.Tool, e.Reason)
}

// String redacts the credential token.
func (c Credential) String() string {
	return fmt.Sprintf("credential(method=%s, token=REDACTED)", c.Method)
}

// New builds a Verifier from the given options.
func New(opts Options) (*Verifier, error) {
	if opts.Permissions == nil {
		return nil, errors.New("permission store is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Verifier{
		store:   opts.Permissions,
		catalog: opts.Catalog,
		secrets: opts.Secrets,
		cache:   newPermissionCache(ttl),
		log:     logger,
	}, nil
}

// Verify reports whether the agent may invoke the tool on behalf of the
// tenant. Cache hits are served without consulting the store; misses query
// the store and repopulate the cache. An absent permission record resolves to
// denied, never to an error. Outcomes are logged with identifiers only, never
// credential values.
func (v *Verifier) Verify(ctx context.Context, tenantID, agentID, tool string) (bool, error) {
	key := cacheKey{tenantID: tenantID, agentID: agentID, tool: tool}
	if allowed, ok := v.cache.get(key); ok {
		v.log.Debug(ctx, "tool permission cache hit",
			"tenant_id", tenantID, "agent_id", agentID, "tool", tool, "allowed", allowed)
		return allowed, nil
	}

	perm, found, err := v.store.Get(ctx, tenantID, agentID, tool)
	if err != nil {
		return false, fmt.Errorf("permission lookup: %w", err)
	}
	allowed := found && perm.Allowed
	v.cache.set(key, allowed)
	v.log.Info(ctx, "tool permission verified",
		"tenant_id", tenantID, "agent_id", agentID, "tool", tool, "allowed", allowed, "found", found)
	return allowed, nil
}

// Grant records an allowed permission and invalidates the cached entry. The
// local instance observes the grant immediately; other instances converge
// within their cache TTL.
func (v *Verifier) Grant(ctx context.Context, tenantID, agentID, tool string) error {
	perm := Permission{
		TenantID:  tenantID,
		AgentID:   agentID,
		Tool:      tool,
		Allowed:   true,
		GrantedAt: time.Now().UTC(),
	}
	if err := v.store.Put(ctx, perm); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	v.cache.invalidate(cacheKey{tenantID: tenantID, agentID: agentID, tool: tool})
	v.log.Info(ctx, "tool permission granted", "tenant_id", tenantID, "agent_id", agentID, "tool", tool)
	return nil
}

// Revoke deletes the permission record and invalidates the cached entry
// immediately, so a subsequent Verify on this instance is denied even inside
// the TTL window.
func (v *Verifier) Revoke(ctx context.Context, tenantID, agentID, tool string) error {
	if err := v.store.Delete(ctx, tenantID, agentID, tool); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	v.cache.invalidate(cacheKey{tenantID: tenantID, agentID: agentID, tool: tool})
	v.log.Info(ctx, "tool permission revoked", "tenant_id", tenantID, "agent_id", agentID, "tool", tool)
	return nil
}

// ResolveCredentials returns the credential material needed to call the named
// tool. Secret-backed auth methods consult the secret store; failures surface
// as *AuthError without echoing any secret material.
func (v *Verifier) ResolveCredentials(ctx context.Context, tool string) (Credential, error) {
	if v.catalog == nil {
		return Credential{}, &AuthError{Tool: tool, Reason: "no tool catalog configured"}
	}
	meta, found, err := v.catalog.Lookup(ctx, tool)
	if err != nil {
		return Credential{}, &AuthError{Tool: tool, Reason: "tool metadata lookup failed"}
	}
	if !found {
		return Credential{}, &AuthError{Tool: tool, Reason: "unknown tool"}
	}

	switch meta.Auth {
	case AuthNone, AuthIAM:
		return Credential{Method: meta.Auth}, nil
	case AuthAPIKey, AuthBearer, AuthBasic:
		if v.secrets == nil {
			return Credential{}, &AuthError{Tool: tool, Reason: "no secret store configured"}
		}
		if meta.SecretName == "" {
			return Credential{}, &AuthError{Tool: tool, Reason: "tool metadata missing secret name"}
		}
		token, err := v.secrets.Get(ctx, meta.SecretName)
		if err != nil {
			// Deliberately vague: error paths must not describe secret
			// contents or store internals.
			return Credential{}, &AuthError{Tool: tool, Reason: "secret unavailable"}
		}
		return Credential{Method: meta.Auth, Token: token}, nil
	default:
		return Credential{}, &AuthError{Tool: tool, Reason: fmt.Sprintf("unsupported auth method %q", meta.Auth)}
	}
}
