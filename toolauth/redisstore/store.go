// Package redisstore hosts the Redis client used as the permission store
// backend. Each (tenant, agent, tool) triple maps to one JSON value; Redis is
// the source of truth behind the verifier's process-local cache.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/reportflow/reportflow/toolauth"
)

const (
	defaultKeyPrefix = "perm:"
	defaultOpTimeout = 5 * time.Second
	clientName       = "permission-redis"
)

// Client exposes Redis-backed permission operations. It implements
// toolauth.PermissionStore and clue's health.Pinger.
type Client interface {
	health.Pinger
	toolauth.PermissionStore
}

// Options configures the Redis permission store client.
type Options struct {
	// Redis is the Redis connection. Required.
	Redis *redis.Client
	// KeyPrefix namespaces permission keys. Defaults to "perm:".
	KeyPrefix string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

type client struct {
	redis   *redis.Client
	prefix  string
	timeout time.Duration
}

// New returns a Client backed by Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{redis: opts.Redis, prefix: prefix, timeout: timeout}, nil
}

// Name identifies the client for health reporting.
func (c *client) Name() string {
	return clientName
}

// Ping verifies connectivity to Redis.
func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

// Get loads the permission record for the triple. An absent key is reported
// via found=false, not as an error.
func (c *client) Get(ctx context.Context, tenantID, agentID, tool string) (toolauth.Permission, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.redis.Get(ctx, c.key(tenantID, agentID, tool)).Result()
	if errors.Is(err, redis.Nil) {
		return toolauth.Permission{}, false, nil
	}
	if err != nil {
		return toolauth.Permission{}, false, fmt.Errorf("redis get permission: %w", err)
	}
	var perm toolauth.Permission
	if err := json.Unmarshal([]byte(raw), &perm); err != nil {
		return toolauth.Permission{}, false, fmt.Errorf("decode permission record: %w", err)
	}
	return perm, true, nil
}

// Put stores the permission record, replacing any existing one.
func (c *client) Put(ctx context.Context, perm toolauth.Permission) error {
	raw, err := json.Marshal(perm)
	if err != nil {
		return fmt.Errorf("encode permission record: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.redis.Set(ctx, c.key(perm.TenantID, perm.AgentID, perm.Tool), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set permission: %w", err)
	}
	return nil
}

// Delete removes the permission record for the triple.
func (c *client) Delete(ctx context.Context, tenantID, agentID, tool string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.redis.Del(ctx, c.key(tenantID, agentID, tool)).Err(); err != nil {
		return fmt.Errorf("redis delete permission: %w", err)
	}
	return nil
}

func (c *client) key(tenantID, agentID, tool string) string {
	return fmt.Sprintf("%s%s:%s:%s", c.prefix, tenantID, agentID, tool)
}
