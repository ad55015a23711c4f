package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// TemplateCache implements domain.TemplateCache with one JSON-valued hash
// per template version.
//
// Key schema:
//
//	{prefix}template:{id}:{version} - hash with field "data" containing JSON
type TemplateCache struct {
	c   *Client
	ttl time.Duration
}

var _ domain.TemplateCache = (*TemplateCache)(nil)

// NewTemplateCache creates a TemplateCache. Entries expire after ttl; a
// zero ttl keeps them until invalidated.
func NewTemplateCache(c *Client, ttl time.Duration) *TemplateCache {
	return &TemplateCache{c: c, ttl: ttl}
}

func (tc *TemplateCache) key(id string, version int) string {
	return tc.c.Key("template", id, strconv.Itoa(version))
}

// Set stores a template version.
func (tc *TemplateCache) Set(ctx context.Context, t domain.RuleTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal template %s: %w", t.ID, err)
	}
	key := tc.key(t.ID, t.Version)

	pipe := tc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	if tc.ttl > 0 {
		pipe.Expire(ctx, key, tc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set template %s: %w", key, err)
	}
	return nil
}

// Get returns a cached template version or domain.ErrNotFound.
func (tc *TemplateCache) Get(ctx context.Context, id string, version int) (domain.RuleTemplate, error) {
	data, err := tc.c.rdb.HGet(ctx, tc.key(id, version), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RuleTemplate{}, domain.ErrNotFound
		}
		return domain.RuleTemplate{}, fmt.Errorf("redis: get template %s v%d: %w", id, version, err)
	}

	var t domain.RuleTemplate
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.RuleTemplate{}, fmt.Errorf("redis: unmarshal template %s v%d: %w", id, version, err)
	}
	return t, nil
}

// Invalidate drops a cached template version.
func (tc *TemplateCache) Invalidate(ctx context.Context, id string, version int) error {
	if err := tc.c.rdb.Del(ctx, tc.key(id, version)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate template %s v%d: %w", id, version, err)
	}
	return nil
}
