// Package cache implements the four keyed TTL tiers described in §4.3:
// main, persistent, session, and metrics. Each tier is a bounded,
// per-entry-TTL store; write routing by key prefix and read-through
// across tiers is this package's own logic, layered over a
// library-provided expiring map rather than a hand-rolled sweeper.
package cache

import (
	"regexp"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// TierName identifies one of the four cache tiers.
type TierName int

const (
	Main TierName = iota
	Persistent
	Session
	Metrics
	tierCount
)

func (t TierName) String() string {
	switch t {
	case Main:
		return "main"
	case Persistent:
		return "persistent"
	case Session:
		return "session"
	case Metrics:
		return "metrics"
	default:
		return "unknown"
	}
}

// Default TTLs per §4.3.
const (
	DefaultMainTTL       = 60 * time.Second
	DefaultPersistentTTL = time.Hour
	DefaultSessionTTL    = 5 * time.Minute
	DefaultMetricsTTL    = time.Minute

	// defaultCapacity bounds each bucket's entry count. The spec's cache
	// contract is TTL-keyed, not capacity-keyed, but an unbounded map fed
	// by arbitrary client-derived keys (body hashes, session ids) is an
	// unbounded-memory hazard; a generous cap keeps eviction invisible in
	// practice while giving a library-backed guardrail.
	defaultCapacity = 100_000
)

// TierStats holds per-tier hit/miss/size counters (§4.3 "Statistics").
type TierStats struct {
	Size    int
	Hits    int64
	Misses  int64
	HitRate float64
}

// bucket is one TTL-homogeneous expiring store.
type bucket struct {
	store  *lru.LRU[string, any]
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

func newBucket(ttl time.Duration) *bucket {
	return &bucket{store: lru.NewLRU[string, any](defaultCapacity, nil, ttl), ttl: ttl}
}

func (b *bucket) get(key string) (any, bool) {
	v, ok := b.store.Get(key)
	if ok {
		b.hits.Add(1)
	} else {
		b.misses.Add(1)
	}
	return v, ok
}

func (b *bucket) set(key string, value any) {
	b.store.Add(key, value)
}

func (b *bucket) delete(key string) bool {
	return b.store.Remove(key)
}

func (b *bucket) stats() TierStats {
	size := b.store.Len()
	hits, misses := b.hits.Load(), b.misses.Load()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return TierStats{Size: size, Hits: hits, Misses: misses, HitRate: rate}
}

func (b *bucket) purge() { b.store.Purge() }

func (b *bucket) matchDelete(re *regexp.Regexp) int {
	n := 0
	for _, k := range b.store.Keys() {
		if re == nil || re.MatchString(k) {
			b.store.Remove(k)
			n++
		}
	}
	return n
}

// tierGroup is a logical tier that may be backed by several TTL buckets
// (the "main" tier serves entries at 60s, 300s, and an immutable 3600s
// TTL depending on key pattern — see routingTable in cache.go). Single-TTL tiers
// (persistent, session, metrics) hold exactly one bucket.
type tierGroup struct {
	name    TierName
	buckets map[time.Duration]*bucket
}

func newTierGroup(name TierName, ttls ...time.Duration) *tierGroup {
	g := &tierGroup{name: name, buckets: make(map[time.Duration]*bucket, len(ttls))}
	for _, ttl := range ttls {
		g.buckets[ttl] = newBucket(ttl)
	}
	return g
}

func (g *tierGroup) bucketFor(ttl time.Duration) *bucket {
	if b, ok := g.buckets[ttl]; ok {
		return b
	}
	b := newBucket(ttl)
	g.buckets[ttl] = b
	return b
}

func (g *tierGroup) get(key string) (any, bool) {
	for _, b := range g.buckets {
		if v, ok := b.store.Get(key); ok {
			b.hits.Add(1)
			return v, true
		}
	}
	// A lookup that finds nothing is one miss for the tier, charged to a
	// single bucket rather than to every bucket searched.
	for _, b := range g.buckets {
		b.misses.Add(1)
		break
	}
	return nil, false
}

func (g *tierGroup) delete(key string) bool {
	deleted := false
	for _, b := range g.buckets {
		if b.delete(key) {
			deleted = true
		}
	}
	return deleted
}

func (g *tierGroup) purge() {
	for _, b := range g.buckets {
		b.purge()
	}
}

func (g *tierGroup) matchDelete(re *regexp.Regexp) int {
	n := 0
	for _, b := range g.buckets {
		n += b.matchDelete(re)
	}
	return n
}

func (g *tierGroup) stats() TierStats {
	var agg TierStats
	var hits, misses int64
	for _, b := range g.buckets {
		s := b.stats()
		agg.Size += s.Size
		hits += s.Hits
		misses += s.Misses
	}
	agg.Hits, agg.Misses = hits, misses
	if hits+misses > 0 {
		agg.HitRate = float64(hits) / float64(hits+misses)
	}
	return agg
}
