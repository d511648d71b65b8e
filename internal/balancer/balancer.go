// Package balancer implements the per-(chain,route) endpoint selection
// engine described in §4.1: strategy dispatch over a filtered healthy
// endpoint set, weight maintenance, and sticky sessions.
package balancer

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/Polqt/chainlb/internal/breaker"
	"github.com/Polqt/chainlb/internal/cache"
)

// ErrNoAvailableEndpoint is returned when the filtering pipeline leaves
// no candidate endpoint for a (chain, route) pair.
var ErrNoAvailableEndpoint = errors.New("balancer: no available endpoint")

// ErrUnknownChain is returned when the catalog has no such chain.
var ErrUnknownChain = errors.New("balancer: unknown chain")

// Strategy is the selection algorithm for a route, dispatched by a
// single Select call rather than duck-typed per-strategy objects (§9).
type Strategy string

const (
	RoundRobin       Strategy = "round-robin"
	Weighted         Strategy = "weighted"
	LeastConnections Strategy = "least-connections"
	Random           Strategy = "random"
	IPHash           Strategy = "ip-hash"
)

// RouteConfig is the subset of the effective route config (§4.8) the
// balancer needs to select an endpoint.
type RouteConfig struct {
	Strategy   Strategy
	Whitelist  []string // host glob patterns; empty means "allow all"
	Blacklist  []string // host glob patterns
	Sticky     bool
	SessionTTL time.Duration
}

// Catalog is the read view the balancer needs over the endpoint store.
// *storage.Store satisfies this.
type Catalog interface {
	// EndpointURLs returns the chain's endpoint base URLs in insertion
	// order, or ok=false if the chain is unknown.
	EndpointURLs(chain string) (urls []string, ok bool)
	// IsRejectedHost reports whether host is in the hard-ban set.
	IsRejectedHost(host string) bool
}

// EndpointStats is a point-in-time snapshot of one endpoint's health,
// returned by Snapshot (the §4.1 "snapshot" operation).
type EndpointStats struct {
	URL            string
	SuccessCount   int64
	FailureCount   int64
	ResponseTimeMs float64
	Weight         float64
	InFlight       int64
	BreakerState   string
}

type endpointStat struct {
	mu             sync.Mutex
	successCount   int64
	failureCount   int64
	responseTimeMs float64
	weight         float64
	lastSeen       time.Time
	inFlight       atomic.Int64
}

func (s *endpointStat) currentWeight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

func (s *endpointStat) currentInFlight() int64 { return s.inFlight.Load() }

func (s *endpointStat) addInFlight(delta int64) { s.inFlight.Add(delta) }

// Balancer selects and tracks endpoints across all chains and routes.
type Balancer struct {
	catalog  Catalog
	breakers *breaker.Registry
	sessions *cache.Cache

	mu      sync.Mutex
	stats   map[string]*endpointStat  // endpoint URL -> stats
	rrIndex map[string]*atomic.Uint64 // "chain|route" -> round-robin cursor

	// randFloat/randIntn are overridable for deterministic tests (S2).
	randFloat func() float64
	randIntn  func(n int) int
}

// New creates a Balancer backed by catalog for endpoint lookups,
// breakers for circuit state, and sessions for sticky-session storage.
func New(catalog Catalog, breakers *breaker.Registry, sessions *cache.Cache) *Balancer {
	return &Balancer{
		catalog:   catalog,
		breakers:  breakers,
		sessions:  sessions,
		stats:     make(map[string]*endpointStat),
		rrIndex:   make(map[string]*atomic.Uint64),
		randFloat: rand.Float64,
		randIntn:  rand.Intn,
	}
}

func (b *Balancer) statFor(url string) *endpointStat {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stats[url]
	if !ok {
		s = &endpointStat{weight: 1.0}
		b.stats[url] = s
	}
	return s
}

// Select chooses one endpoint URL for (chainName, routePattern) given the
// client's IP and the route's effective config. Per §4.1.
func (b *Balancer) Select(chainName, routePattern, clientIP string, cfg RouteConfig) (string, error) {
	urls, ok := b.catalog.EndpointURLs(chainName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChain, chainName)
	}

	filtered := b.filter(urls, cfg)

	routeKey := chainName + "|" + routePattern

	if cfg.Sticky && len(filtered) > 0 {
		sessKey := "session:" + routeKey + ":" + sessionID(clientIP)
		if v, found := b.sessions.GetFrom(cache.Session, sessKey); found {
			if chosen, ok := v.(string); ok && lo.Contains(filtered, chosen) {
				return chosen, nil
			}
		}
		chosen, err := b.selectFrom(filtered, routeKey, cfg.Strategy, clientIP)
		if err != nil {
			return "", err
		}
		ttl := cfg.SessionTTL
		if ttl <= 0 {
			ttl = cache.DefaultSessionTTL
		}
		b.sessions.SetIn(cache.Session, sessKey, chosen, ttl)
		return chosen, nil
	}

	return b.selectFrom(filtered, routeKey, cfg.Strategy, clientIP)
}

func (b *Balancer) filter(urls []string, cfg RouteConfig) []string {
	out := lo.Filter(urls, func(u string, _ int) bool {
		host := hostOf(u)
		if len(cfg.Whitelist) > 0 && !matchAny(cfg.Whitelist, host) {
			return false
		}
		if matchAny(cfg.Blacklist, host) {
			return false
		}
		if b.breakers.Get(u).Snapshot() == breaker.Open {
			return false
		}
		// The rejected set is keyed by bare hostname, without a port.
		bare := host
		if h, _, err := net.SplitHostPort(host); err == nil {
			bare = h
		}
		if b.catalog.IsRejectedHost(bare) {
			return false
		}
		return true
	})
	return out
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, host); ok {
			return true
		}
	}
	return false
}

func hostOf(baseURL string) string {
	rest := baseURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// selectFrom dispatches to the configured strategy over an
// already-filtered endpoint set.
func (b *Balancer) selectFrom(filtered []string, routeKey string, strat Strategy, clientIP string) (string, error) {
	if len(filtered) == 0 {
		return "", ErrNoAvailableEndpoint
	}

	switch strat {
	case Weighted:
		return b.selectWeighted(filtered), nil
	case LeastConnections:
		return b.selectLeastConnections(filtered), nil
	case Random:
		return filtered[b.randIntn(len(filtered))], nil
	case IPHash:
		return filtered[ipHash(clientIP)%uint32(len(filtered))], nil
	case RoundRobin, "":
		return b.selectRoundRobin(filtered, routeKey), nil
	default:
		return b.selectRoundRobin(filtered, routeKey), nil
	}
}

// selectRoundRobin advances a per-(chain,route) cursor on every call
// (§5 ordering guarantees: two concurrent selects observe distinct
// successive indices) and wraps modulo the current filtered-set size.
func (b *Balancer) selectRoundRobin(filtered []string, routeKey string) string {
	b.mu.Lock()
	cursor, ok := b.rrIndex[routeKey]
	if !ok {
		cursor = &atomic.Uint64{}
		b.rrIndex[routeKey] = cursor
	}
	b.mu.Unlock()

	next := cursor.Add(1)
	idx := int((next - 1) % uint64(len(filtered)))
	return filtered[idx]
}

func (b *Balancer) selectWeighted(filtered []string) string {
	weights := make([]float64, len(filtered))
	var total float64
	for i, u := range filtered {
		w := b.statFor(u).currentWeight()
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return filtered[0]
	}
	sample := b.randFloat() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if sample < acc {
			return filtered[i]
		}
	}
	return filtered[len(filtered)-1]
}

func (b *Balancer) selectLeastConnections(filtered []string) string {
	best := filtered[0]
	bestStat := b.statFor(best)
	bestConn, bestWeight := bestStat.currentInFlight(), bestStat.currentWeight()
	for _, u := range filtered[1:] {
		s := b.statFor(u)
		conn, weight := s.currentInFlight(), s.currentWeight()
		if conn < bestConn || (conn == bestConn && weight > bestWeight) {
			best, bestConn, bestWeight = u, conn, weight
		}
	}
	return best
}

func ipHash(clientIP string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return h.Sum32()
}

// RecordResult applies the §4.1 weight-maintenance formula after an
// upstream call completes.
func (b *Balancer) RecordResult(endpointURL string, latencyMs float64, ok bool) {
	s := b.statFor(endpointURL)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.successCount++
	} else {
		s.failureCount++
	}
	if s.responseTimeMs > 0 {
		s.responseTimeMs = 0.8*s.responseTimeMs + 0.2*latencyMs
	} else {
		s.responseTimeMs = latencyMs
	}
	s.lastSeen = time.Now()
	s.weight = computeWeight(s.successCount, s.failureCount, s.responseTimeMs)
}

func computeWeight(success, failure int64, responseTimeMs float64) float64 {
	total := success + failure
	successRate := 1.0
	if total > 0 {
		successRate = float64(success) / float64(total)
	}
	normLatency := responseTimeMs
	if normLatency > 5000 {
		normLatency = 5000
	}
	normLatency /= 5000
	w := 0.7*successRate + 0.3*(1-normLatency)
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	return w
}

// IncInFlight/DecInFlight bracket an in-flight upstream call so
// least-connections selection can read a live count.
func (b *Balancer) IncInFlight(endpointURL string) { b.statFor(endpointURL).addInFlight(1) }
func (b *Balancer) DecInFlight(endpointURL string) { b.statFor(endpointURL).addInFlight(-1) }

// Snapshot returns per-endpoint stats for chainName in catalog insertion
// order (the §4.1 "snapshot" operation).
func (b *Balancer) Snapshot(chainName string) ([]EndpointStats, error) {
	urls, ok := b.catalog.EndpointURLs(chainName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainName)
	}
	out := make([]EndpointStats, 0, len(urls))
	for _, u := range urls {
		s := b.statFor(u)
		s.mu.Lock()
		out = append(out, EndpointStats{
			URL:            u,
			SuccessCount:   s.successCount,
			FailureCount:   s.failureCount,
			ResponseTimeMs: s.responseTimeMs,
			Weight:         s.weight,
			InFlight:       s.inFlight.Load(),
			BreakerState:   b.breakers.Get(u).Snapshot().String(),
		})
		s.mu.Unlock()
	}
	return out, nil
}

func sessionID(clientIP string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clientIP))
	return fmt.Sprintf("%x", h.Sum64())
}
