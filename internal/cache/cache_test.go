package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadThroughInvariant6(t *testing.T) {
	c := New()
	c.SetIn(Main, "k", "v", 30*time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must be a miss strictly after expiry")
}

func TestTierRoutingS7(t *testing.T) {
	c := New()
	c.Set("tx:abc", "txval")
	c.Set("status:1", "statusval")

	_, ok := c.GetFrom(Main, "tx:abc")
	assert.True(t, ok)
	_, ok = c.GetFrom(Main, "status:1")
	assert.True(t, ok)

	removed := c.Flush("^tx:")
	assert.Equal(t, 1, removed)

	_, ok = c.GetFrom(Main, "tx:abc")
	assert.False(t, ok, "tx: entries should be flushed")
	_, ok = c.GetFrom(Main, "status:1")
	assert.True(t, ok, "status: entries must survive an unrelated flush")
}

func TestBlockKeyRouting(t *testing.T) {
	c := New()
	c.Set("block:osmosis:12345", "blockval")
	_, ok := c.GetFrom(Main, "block:osmosis:12345")
	assert.True(t, ok)

	// Non-numeric suffix does not match the immutable block pattern and
	// falls through to the default TTL bucket — still lands in main.
	c.Set("block:osmosis:latest", "other")
	_, ok = c.GetFrom(Main, "block:osmosis:latest")
	assert.True(t, ok)
}

func TestBlockKeyRoutingDiscriminatesByChain(t *testing.T) {
	c := New()
	c.Set("block:osmosis:100", "osmosis-block")
	c.Set("block:cosmoshub:100", "cosmoshub-block")

	v, ok := c.GetFrom(Main, "block:osmosis:100")
	assert.True(t, ok)
	assert.Equal(t, "osmosis-block", v)

	v, ok = c.GetFrom(Main, "block:cosmoshub:100")
	assert.True(t, ok)
	assert.Equal(t, "cosmoshub-block", v)
}

func TestDeleteRemovesFromAllTiers(t *testing.T) {
	c := New()
	c.SetIn(Session, "sess:1", "choice-a", DefaultSessionTTL)
	c.Delete("sess:1")
	_, ok := c.GetFrom(Session, "sess:1")
	assert.False(t, ok)
}

func TestFlushAllClearsEverything(t *testing.T) {
	c := New()
	c.Set("status:a", "1")
	c.Set("chain:list:cosmoshub", "2")
	n := c.Flush("")
	assert.Equal(t, 2, n)
	stats := c.Stats()
	assert.Equal(t, 0, stats[Main.String()].Size)
}

func TestStatsHitRate(t *testing.T) {
	c := New()
	c.Set("status:x", "v")
	c.GetFrom(Main, "status:x")
	c.GetFrom(Main, "status:missing")
	stats := c.Stats()[Main.String()]
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}
