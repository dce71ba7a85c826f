package plancompiler

import (
	"sync"
)

// Cache is the read-mostly plan cache keyed by plan hash. Writes happen on
// compile miss and are deduplicated: the first writer for a hash wins, and
// identical compiled output makes the race harmless.
type Cache struct {
	mu    sync.RWMutex
	plans map[string]*ExecutablePlan
}

func NewCache() *Cache {
	return &Cache{plans: make(map[string]*ExecutablePlan)}
}

// Get returns the cached plan for a hash, or nil.
func (c *Cache) Get(planHash string) *ExecutablePlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plans[planHash]
}

// Put stores a plan under its own hash if absent.
func (c *Cache) Put(plan *ExecutablePlan) {
	if plan == nil || plan.PlanHash == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.plans[plan.PlanHash]; !exists {
		c.plans[plan.PlanHash] = plan
	}
}

// Len reports the number of cached plans.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}
