package workflow

import (
	"context"
	"time"

	"github.com/regulens/compliance-core/internal/cache"
	"github.com/regulens/compliance-core/internal/cache/rediscache"
	"github.com/regulens/compliance-core/internal/domain"
)

// DefinitionCache is the read-mostly, populated-on-miss cache (§5) an Engine
// uses for WorkflowDefinitions. Entries are immutable once loaded — a new
// definition version gets a new id rather than mutating a cached one — and
// both implementations keep an entry for 24 hours.
type DefinitionCache interface {
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, bool)
	Set(ctx context.Context, id string, def *domain.WorkflowDefinition)
}

// localDefCache is the default, single-instance tier: internal/cache's
// in-process TTL map.
type localDefCache struct {
	cache *cache.Cache
}

func newLocalDefCache() *localDefCache {
	return &localDefCache{cache: cache.New(cache.Config{DefaultTTL: 24 * time.Hour, CleanupInterval: time.Hour})}
}

func (c *localDefCache) Get(_ context.Context, id string) (*domain.WorkflowDefinition, bool) {
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*domain.WorkflowDefinition), true
}

func (c *localDefCache) Set(_ context.Context, id string, def *domain.WorkflowDefinition) {
	c.cache.Set(id, def, 0)
}

// redisDefCache is the optional second-level tier for multi-instance
// deployments (§5, §6 Cache config): definitions loaded by one instance
// become visible to every other instance sharing the same Redis server,
// instead of each instance warming its own in-process cache independently.
type redisDefCache struct {
	cache *rediscache.Cache
	ttl   time.Duration
}

func newRedisDefCache(c *rediscache.Cache) *redisDefCache {
	return &redisDefCache{cache: c, ttl: 24 * time.Hour}
}

func (c *redisDefCache) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, bool) {
	var def domain.WorkflowDefinition
	ok, err := c.cache.Get(ctx, defCacheKey(id), &def)
	if err != nil || !ok {
		return nil, false
	}
	return &def, true
}

func (c *redisDefCache) Set(ctx context.Context, id string, def *domain.WorkflowDefinition) {
	_ = c.cache.Set(ctx, defCacheKey(id), def, c.ttl)
}

func defCacheKey(id string) string {
	return "workflow_definition:" + id
}
