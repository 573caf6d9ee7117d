package routeopt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// Cache holds recent optimization results keyed by courier, job set, start
// location and preferences. Entries past their route's expiry are never
// served.
type Cache struct {
	mu    sync.RWMutex
	store map[string]*models.OptimizedRoute
}

func NewCache() *Cache {
	return &Cache{store: make(map[string]*models.OptimizedRoute)}
}

func cacheKey(courierID string, jobIDs []string, start models.Coord, prefs models.RoutePreferences) string {
	ids := make([]string, len(jobIDs))
	copy(ids, jobIDs)
	sort.Strings(ids)
	return fmt.Sprintf("%s|%s|%.6f,%.6f|%s|%v",
		courierID, strings.Join(ids, ","), start.Lat, start.Lon,
		prefs.Objective, prefs.AvoidHighways)
}

func (c *Cache) Get(key string, now time.Time) (*models.OptimizedRoute, bool) {
	c.mu.RLock()
	r, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if r.IsExpired(now) {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return nil, false
	}
	return r, true
}

func (c *Cache) Put(key string, r *models.OptimizedRoute) {
	c.mu.Lock()
	c.store[key] = r
	c.mu.Unlock()
}

// Invalidate drops every cached route for a courier, used when their job
// set changes outside an optimization call.
func (c *Cache) Invalidate(courierID string) {
	prefix := courierID + "|"
	c.mu.Lock()
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			delete(c.store, k)
		}
	}
	c.mu.Unlock()
}
