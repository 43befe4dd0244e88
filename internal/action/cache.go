package action

import (
	"context"
	"sync"

	"pulse/internal/logger"
	"pulse/pkg/metrics"
)

// Cache holds all non-deleted actions in memory, keyed by tenant. It is
// loaded once at startup and refreshed per action when a reload signal names
// one; it is never lazily populated mid-match, so an unknown tenant simply
// has no actions configured.
type Cache struct {
	repo   Repository
	logger logger.Logger

	mu       sync.RWMutex
	byTenant map[int64][]*Action
	byID     map[int64]*Action
}

func NewCache(repo Repository, log logger.Logger) *Cache {
	return &Cache{
		repo:     repo,
		logger:   log,
		byTenant: make(map[int64][]*Action),
		byID:     make(map[int64]*Action),
	}
}

// LoadAll replaces the whole cache with freshly fetched actions.
func (c *Cache) LoadAll(ctx context.Context) error {
	actions, err := c.repo.FetchActions(ctx)
	if err != nil {
		return err
	}

	byTenant := make(map[int64][]*Action)
	byID := make(map[int64]*Action, len(actions))
	for _, a := range actions {
		byTenant[a.TenantID] = append(byTenant[a.TenantID], a)
		byID[a.ID] = a
	}

	c.mu.Lock()
	c.byTenant = byTenant
	c.byID = byID
	c.mu.Unlock()

	metrics.ActionsCached.Set(float64(len(byID)))
	c.logger.InfowCtx(ctx, "Action cache loaded",
		"actions", len(byID),
		"tenants", len(byTenant),
	)
	return nil
}

// RefreshAction re-fetches one action. A deleted or missing row evicts it.
func (c *Cache) RefreshAction(ctx context.Context, id int64) error {
	a, err := c.repo.FetchAction(ctx, id)
	if err != nil {
		return err
	}

	if a == nil || a.Deleted {
		c.Evict(id)
		return nil
	}

	c.mu.Lock()
	if prev, ok := c.byID[id]; ok {
		c.removeFromTenantLocked(prev)
	}
	c.byID[id] = a
	c.byTenant[a.TenantID] = append(c.byTenant[a.TenantID], a)
	total := len(c.byID)
	c.mu.Unlock()

	metrics.ActionsCached.Set(float64(total))
	return nil
}

func (c *Cache) Evict(id int64) {
	c.mu.Lock()
	if prev, ok := c.byID[id]; ok {
		c.removeFromTenantLocked(prev)
		delete(c.byID, id)
	}
	total := len(c.byID)
	c.mu.Unlock()

	metrics.ActionsCached.Set(float64(total))
}

// Get returns one cached action by id, or nil.
func (c *Cache) Get(id int64) *Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// ForTenant returns a snapshot of the tenant's cached actions, safe to
// iterate while a concurrent refresh rewrites the cache.
func (c *Cache) ForTenant(tenantID int64) []*Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Action(nil), c.byTenant[tenantID]...)
}

func (c *Cache) removeFromTenantLocked(a *Action) {
	list := c.byTenant[a.TenantID]
	for i, cached := range list {
		if cached.ID == a.ID {
			c.byTenant[a.TenantID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
