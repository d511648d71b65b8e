package netutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIsIdempotentAndCaseInsensitiveOnHost(t *testing.T) {
	a := Normalize("https://Host.Example.COM/")
	b := Normalize("https://host.example.com")
	assert.Equal(t, a, b)
	assert.Equal(t, a, Normalize(a))
}

func TestSplitHostPort(t *testing.T) {
	host, port := SplitHostPort("https://rpc.example.com:26657/")
	assert.Equal(t, "rpc.example.com", host)
	assert.Equal(t, "26657", port)

	host, port = SplitHostPort("https://rpc.example.com")
	assert.Equal(t, "rpc.example.com", host)
	assert.Equal(t, "", port)
}

func TestIsDisallowedPeerHostRejectsLoopbackAndPrivateRanges(t *testing.T) {
	for _, h := range []string{"0.0.0.0", "127.0.0.1", "LOCALHOST", "10.1.2.3", "172.16.0.5", "192.168.1.1", "::1"} {
		assert.True(t, IsDisallowedPeerHost(h), "expected %q to be disallowed", h)
	}
}

func TestIsDisallowedPeerHostAllowsPublicHosts(t *testing.T) {
	for _, h := range []string{"rpc.cosmos.network", "8.8.8.8", "203.0.113.5"} {
		assert.False(t, IsDisallowedPeerHost(h), "expected %q to be allowed", h)
	}
}

func TestIsDisallowedPeerHostTreatsLeadingZeroOctetsAsPrivate(t *testing.T) {
	assert.True(t, IsDisallowedPeerHost("010.000.000.001"))
}
