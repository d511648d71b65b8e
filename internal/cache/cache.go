package cache

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// route describes one entry in the §4.3 write-routing table: the first
// matching pattern (checked in declaration order) decides both the tier
// and the TTL for a Set call.
type route struct {
	match func(key string) bool
	tier  TierName
	ttl   time.Duration
}

var blockKeyRe = regexp.MustCompile(`^block:[^:]+:\d+$`)

func hasPrefix(p string) func(string) bool {
	return func(key string) bool { return strings.HasPrefix(key, p) }
}

// routingTable implements §4.3's ordered prefix rules.
var routingTable = []route{
	{hasPrefix("chain:list"), Main, 300 * time.Second},
	{hasPrefix("chain:summary"), Main, 300 * time.Second},
	{hasPrefix("rpc:list"), Main, 300 * time.Second},
	{hasPrefix("tx:"), Main, time.Hour},
	{func(k string) bool { return blockKeyRe.MatchString(k) }, Main, time.Hour},
	{hasPrefix("validators"), Main, 300 * time.Second},
	{hasPrefix("status"), Main, 60 * time.Second},
	{hasPrefix("metrics"), Metrics, DefaultMetricsTTL},
}

// Cache is the four-tier keyed cache described in §4.3.
type Cache struct {
	mu     sync.RWMutex
	groups map[TierName]*tierGroup
}

// New creates an empty Cache with all four tiers initialized at their
// default TTLs.
func New() *Cache {
	return &Cache{
		groups: map[TierName]*tierGroup{
			Main:       newTierGroup(Main, DefaultMainTTL, 300*time.Second, time.Hour),
			Persistent: newTierGroup(Persistent, DefaultPersistentTTL),
			Session:    newTierGroup(Session, DefaultSessionTTL),
			Metrics:    newTierGroup(Metrics, DefaultMetricsTTL),
		},
	}
}

// Set writes value under key, selecting tier and TTL by the first
// matching routing-table pattern; unmatched keys land in main at the
// default TTL.
func (c *Cache) Set(key string, value any) {
	tier, ttl := DefaultMainTTL, DefaultMainTTL
	target := Main
	for _, r := range routingTable {
		if r.match(key) {
			target, ttl = r.tier, r.ttl
			break
		}
	}
	_ = tier
	c.mu.RLock()
	g := c.groups[target]
	c.mu.RUnlock()
	g.bucketFor(ttl).set(key, value)
}

// SetIn writes value into a specific tier at ttl, bypassing the routing
// table. Used for sticky-session entries (§4.1) and metrics snapshots
// that are already known to belong to a particular tier.
func (c *Cache) SetIn(tier TierName, key string, value any, ttl time.Duration) {
	c.mu.RLock()
	g := c.groups[tier]
	c.mu.RUnlock()
	g.bucketFor(ttl).set(key, value)
}

// Get performs a read-through lookup across all four tiers in order
// main→persistent→session→metrics, returning the first non-expired hit.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range []TierName{Main, Persistent, Session, Metrics} {
		if v, ok := c.groups[name].get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// GetFrom looks up key in a single named tier only.
func (c *Cache) GetFrom(tier TierName, key string) (any, bool) {
	c.mu.RLock()
	g := c.groups[tier]
	c.mu.RUnlock()
	return g.get(key)
}

// Delete removes key from every tier.
func (c *Cache) Delete(key string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, g := range c.groups {
		g.delete(key)
	}
}

// Flush clears keys matching pattern across all tiers. An empty pattern
// clears everything. Returns the total number of entries removed.
func (c *Cache) Flush(pattern string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if pattern == "" {
		n := 0
		for _, g := range c.groups {
			for _, b := range g.buckets {
				n += b.store.Len()
			}
			g.purge()
		}
		return n
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		// An invalid regex flushes nothing rather than panicking; the
		// HTTP layer only passes patterns built with regexp.QuoteMeta.
		return 0
	}
	n := 0
	for _, g := range c.groups {
		n += g.matchDelete(re)
	}
	return n
}

// Stats returns per-tier statistics.
func (c *Cache) Stats() map[string]TierStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TierStats, len(c.groups))
	for name, g := range c.groups {
		out[name.String()] = g.stats()
	}
	return out
}

// Sweep reports the number of entries remaining in each tier after the
// underlying expiring stores have lazily pruned anything past its
// expiry. The library backing each bucket evicts on access and on its
// own internal timer; Sweep exists so callers (the scheduler, §4.6) have
// an explicit "periodic sweep" operation to report counts from, per
// §4.3.
func (c *Cache) Sweep() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.groups))
	for name, g := range c.groups {
		size := 0
		for _, b := range g.buckets {
			size += b.store.Len()
		}
		out[name.String()] = size
	}
	return out
}

// ParseBlockHeight extracts the numeric height from a "block:<int>" key.
// Chain-qualified keys ("block:<chain>:<int>", the form the proxy builds)
// are not parsed and report false.
func ParseBlockHeight(key string) (int64, bool) {
	if !strings.HasPrefix(key, "block:") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(key, "block:"), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
