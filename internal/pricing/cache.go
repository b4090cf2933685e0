package pricing

import (
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// QuoteCache is a tiny in-memory TTL cache for segment quotes, keyed by the
// offer and station pair. Quotes are deterministic for a fixed polyline, so
// the TTL only needs to cover how long an offer's geometry may stay unedited.
type QuoteCache struct {
	mu    sync.RWMutex
	store map[string]quoteEntry
	ttl   time.Duration
}

type quoteEntry struct {
	q  models.SegmentQuote
	ts time.Time
}

func NewQuoteCache(ttl time.Duration) *QuoteCache {
	return &QuoteCache{store: make(map[string]quoteEntry), ttl: ttl}
}

func quoteKey(offerID, pickupID, dropoffID string) string {
	return offerID + "|" + pickupID + "->" + dropoffID
}

// Get returns the cached quote and true if present and not expired.
func (c *QuoteCache) Get(offerID, pickupID, dropoffID string) (models.SegmentQuote, bool) {
	k := quoteKey(offerID, pickupID, dropoffID)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.SegmentQuote{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.SegmentQuote{}, false
	}
	return e.q, true
}

// Set stores a quote.
func (c *QuoteCache) Set(offerID, pickupID, dropoffID string, q models.SegmentQuote) {
	k := quoteKey(offerID, pickupID, dropoffID)
	c.mu.Lock()
	c.store[k] = quoteEntry{q: q, ts: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops every cached quote for an offer, called when the offer is
// withdrawn or its geometry changes.
func (c *QuoteCache) Invalidate(offerID string) {
	prefix := offerID + "|"
	c.mu.Lock()
	for k := range c.store {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.store, k)
		}
	}
	c.mu.Unlock()
}
