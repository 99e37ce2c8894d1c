package ibkr

import (
	"sync"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// quoteCacheTTL bounds how long a snapshot may serve repeat reads.
const quoteCacheTTL = 2 * time.Second

// quoteCache is a write-through quote cache invalidated on disconnect.
type quoteCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.Quote
}

func newQuoteCache() *quoteCache {
	return &quoteCache{quotes: make(map[string]domain.Quote)}
}

func (c *quoteCache) get(key string, now time.Time) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[key]
	if !ok || q.Age(now) > quoteCacheTTL {
		return domain.Quote{}, false
	}
	return q, true
}

func (c *quoteCache) put(key string, q domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[key] = q
}

func (c *quoteCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[string]domain.Quote)
}
