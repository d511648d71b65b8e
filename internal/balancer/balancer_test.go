package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/chainlb/internal/breaker"
	"github.com/Polqt/chainlb/internal/cache"
)

type fakeCatalog struct {
	endpoints map[string][]string
	rejected  map[string]bool
}

func (f *fakeCatalog) EndpointURLs(chain string) ([]string, bool) {
	v, ok := f.endpoints[chain]
	return v, ok
}

func (f *fakeCatalog) IsRejectedHost(host string) bool { return f.rejected[host] }

func newTestBalancer(endpoints []string) (*Balancer, *breaker.Registry) {
	cat := &fakeCatalog{endpoints: map[string][]string{"osmosis": endpoints}, rejected: map[string]bool{}}
	breakers := breaker.NewRegistry()
	return New(cat, breakers, cache.New()), breakers
}

func TestRoundRobinCyclesS1(t *testing.T) {
	b, _ := newTestBalancer([]string{"a", "b", "c"})
	cfg := RouteConfig{Strategy: RoundRobin}

	var got []string
	for i := 0; i < 4; i++ {
		u, err := b.Select("osmosis", "/status", "1.2.3.4", cfg)
		require.NoError(t, err)
		got = append(got, u)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestWeightedSelectionS2(t *testing.T) {
	b, _ := newTestBalancer([]string{"a", "b", "c"})
	// Seed weights 1.0, 0.5, 0.5 directly via the internal stat map.
	b.statFor("a").weight = 1.0
	b.statFor("b").weight = 0.5
	b.statFor("c").weight = 0.5

	cfg := RouteConfig{Strategy: Weighted}

	cases := []struct {
		sample float64
		want   string
	}{
		{0.4, "a"},
		{0.6, "b"},
		{0.8, "c"},
	}
	for _, tc := range cases {
		b.randFloat = func() float64 { return tc.sample }
		got, err := b.Select("osmosis", "/status", "1.2.3.4", cfg)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "sample=%v", tc.sample)
	}
}

func TestEWMAUpdateS3(t *testing.T) {
	b, _ := newTestBalancer([]string{"a"})
	b.RecordResult("a", 100, true)
	s := b.statFor("a")
	assert.Equal(t, 100.0, s.responseTimeMs)

	b.RecordResult("a", 200, false)
	assert.InDelta(t, 120.0, s.responseTimeMs, 0.0001)
	assert.Equal(t, int64(1), s.successCount)
	assert.Equal(t, int64(1), s.failureCount)
}

func TestWeightRangeInvariant(t *testing.T) {
	b, _ := newTestBalancer([]string{"a"})
	for i := 0; i < 50; i++ {
		b.RecordResult("a", float64(i*37%7000), i%3 != 0)
		w := b.statFor("a").currentWeight()
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0)
	}
}

func TestNoAvailableEndpointWhenBreakerOpen(t *testing.T) {
	b, breakers := newTestBalancer([]string{"a"})
	br := breakers.Get("a")
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		br.ShouldAllow()
		br.Record(false)
	}
	_, err := b.Select("osmosis", "/status", "1.2.3.4", RouteConfig{Strategy: RoundRobin})
	assert.ErrorIs(t, err, ErrNoAvailableEndpoint)
}

func TestUnknownChain(t *testing.T) {
	b, _ := newTestBalancer([]string{"a"})
	_, err := b.Select("no-such-chain", "/status", "1.2.3.4", RouteConfig{})
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestGlobFilters(t *testing.T) {
	b, _ := newTestBalancer([]string{"https://good.example.com", "https://bad.example.com"})
	cfg := RouteConfig{Strategy: RoundRobin, Blacklist: []string{"bad.*"}}
	for i := 0; i < 4; i++ {
		got, err := b.Select("osmosis", "/status", "1.2.3.4", cfg)
		require.NoError(t, err)
		assert.Equal(t, "https://good.example.com", got)
	}
}

func TestStickySessionReturnsSameEndpoint(t *testing.T) {
	b, _ := newTestBalancer([]string{"a", "b", "c"})
	cfg := RouteConfig{Strategy: RoundRobin, Sticky: true}

	first, err := b.Select("osmosis", "/status", "9.9.9.9", cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Select("osmosis", "/status", "9.9.9.9", cfg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestIPHashDeterministic(t *testing.T) {
	b, _ := newTestBalancer([]string{"a", "b", "c"})
	cfg := RouteConfig{Strategy: IPHash}
	first, err := b.Select("osmosis", "/status", "203.0.113.5", cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Select("osmosis", "/status", "203.0.113.5", cfg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
