package live

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgnsrekt/forumlive/internal/search"
)

// CachedData pairs a published event with the rows resolved for it.
type CachedData struct {
	Event   *Event
	Objects map[string][]search.Row
	Created time.Time
}

// dataCache is a short-lived, publish-ordered list of resolved rows.
type dataCache struct {
	mu     sync.Mutex
	items  []*CachedData
	expire time.Duration
}

func (c *dataCache) expired(item *CachedData, now time.Time) bool {
	return now.Sub(item.Created) >= c.expire
}

// add prunes expired entries, then appends item.
func (c *dataCache) add(item *CachedData, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := 0
	for keep < len(c.items) && c.expired(c.items[keep], now) {
		keep++
	}
	if keep > 0 {
		c.items = append([]*CachedData(nil), c.items[keep:]...)
	}
	c.items = append(c.items, item)
}

// lookup returns the live entry for e. An entry that should still be live but is gone
// is reported as ErrInvariant.
func (c *dataCache) lookup(e *Event, now time.Time) (*CachedData, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.items) - 1; i >= 0; i-- {
		if c.items[i].Event == e {
			if c.expired(c.items[i], now) {
				return nil, false, nil
			}
			return c.items[i], true, nil
		}
	}

	if now.Sub(e.published) < c.expire {
		return nil, false, fmt.Errorf("%w: no cached data for event %d (%s) published %s ago",
			ErrInvariant, e.ID, e.Type, now.Sub(e.published))
	}
	return nil, false, nil
}
