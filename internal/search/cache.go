package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/attendry/internal/model"
)

// Cache memoises non-empty orchestration results for a bounded TTL.
// Entries are never served past their TTL.
type Cache struct {
	lru *expirable.LRU[string, model.OrchestrationResult]
}

// NewCache creates a cache holding at most size entries for ttl each.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{lru: expirable.NewLRU[string, model.OrchestrationResult](size, nil, ttl)}
}

type cacheKey struct {
	Query    string               `json:"q"`
	Country  string               `json:"c,omitempty"`
	Locale   string               `json:"l,omitempty"`
	DateFrom string               `json:"f,omitempty"`
	DateTo   string               `json:"t,omitempty"`
	Industry string               `json:"i,omitempty"`
	Order    []model.ProviderName `json:"o"`
}

// Key hashes the effective query, the request parameters and the provider
// order.
func Key(query string, sc SearchContext, order []model.ProviderName) string {
	k := cacheKey{
		Query:    query,
		Country:  sc.Country,
		Locale:   sc.Locale,
		Industry: sc.Industry,
		Order:    order,
	}
	if sc.DateFrom != nil {
		k.DateFrom = sc.DateFrom.Format(time.DateOnly)
	}
	if sc.DateTo != nil {
		k.DateTo = sc.DateTo.Format(time.DateOnly)
	}
	// Marshal of this struct cannot fail.
	b, _ := json.Marshal(k)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Get returns a cached result.
func (c *Cache) Get(key string) (model.OrchestrationResult, bool) {
	return c.lru.Get(key)
}

// Put stores res unless it is empty.
func (c *Cache) Put(key string, res model.OrchestrationResult) {
	if res.Empty() {
		return
	}
	c.lru.Add(key, res)
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(key string) {
	c.lru.Remove(key)
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
