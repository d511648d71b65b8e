package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripAndRecoverS4(t *testing.T) {
	b := NewWithConfig(3, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.True(t, b.ShouldAllow())
		b.Record(false)
	}
	assert.Equal(t, Open, b.Snapshot())
	assert.False(t, b.ShouldAllow(), "should fail fast while OPEN")

	time.Sleep(40 * time.Millisecond)
	assert.True(t, b.ShouldAllow(), "probe should be admitted after reset timeout")
	assert.Equal(t, HalfOpen, b.Snapshot())

	b.Record(true)
	assert.Equal(t, Closed, b.Snapshot())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := NewWithConfig(3, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.ShouldAllow()
		b.Record(false)
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.ShouldAllow())
	b.Record(false)
	assert.Equal(t, Open, b.Snapshot())
}

func TestHalfOpenAllowsOneProbeOnly(t *testing.T) {
	b := NewWithConfig(1, 5*time.Millisecond)
	b.ShouldAllow()
	b.Record(false)
	time.Sleep(10 * time.Millisecond)

	require.True(t, b.ShouldAllow())
	assert.False(t, b.ShouldAllow(), "a second concurrent probe must be rejected")
}

func TestMonotonicityInvariant(t *testing.T) {
	// §8 invariant 3: after failureThreshold consecutive failures,
	// ShouldAllow returns false until resetTimeout elapses.
	b := NewWithConfig(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.ShouldAllow()
		b.Record(false)
	}
	for i := 0; i < 10; i++ {
		assert.False(t, b.ShouldAllow())
	}
}

func TestRegistryIsPerURL(t *testing.T) {
	r := NewRegistry()
	a := r.Get("https://a.example.com")
	b := r.Get("https://b.example.com")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("https://a.example.com"))
}
