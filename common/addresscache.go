package common

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AddressCache is the broker's bounded, age-checked cache of
// {workerId -> broker address}, used by ask/tell to skip a registry
// round trip on repeat sends. Entries older than
// maxAge are treated as absent even if still resident, so a slow-to-
// evict cache cannot route around a broker that has actually changed
// address.
type AddressCache struct {
	lru    *lru.Cache[string, cacheEntry]
	maxAge time.Duration
	now    func() time.Time
}

type cacheEntry struct {
	addr     string
	brokerID string
	storedAt time.Time
}

// NewAddressCache returns a cache holding at most max entries, each
// valid for maxAge before it is treated as a miss. max <= 0 is raised
// to 1: the cache then holds a single entry and lookups can still hit.
func NewAddressCache(max int, maxAge time.Duration) *AddressCache {
	if max <= 0 {
		max = 1
	}
	c, _ := lru.New[string, cacheEntry](max)
	return &AddressCache{lru: c, maxAge: maxAge, now: time.Now}
}

// Get returns the cached broker id and address for workerId, if present
// and not expired.
func (c *AddressCache) Get(workerID string) (brokerID, addr string, ok bool) {
	e, found := c.lru.Get(workerID)
	if !found {
		return "", "", false
	}
	if c.maxAge > 0 && c.now().Sub(e.storedAt) > c.maxAge {
		c.lru.Remove(workerID)
		return "", "", false
	}
	return e.brokerID, e.addr, true
}

// Put records (or refreshes) the broker id/address for workerId.
func (c *AddressCache) Put(workerID, brokerID, addr string) {
	c.lru.Add(workerID, cacheEntry{addr: addr, brokerID: brokerID, storedAt: c.now()})
}

// Evict drops any cached entry for workerId. Ask and Tell do this when
// a send to the cached broker address fails.
func (c *AddressCache) Evict(workerID string) {
	c.lru.Remove(workerID)
}

// Clear drops every cached entry on broker destroy.
func (c *AddressCache) Clear() {
	c.lru.Purge()
}
