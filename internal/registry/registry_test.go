package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToChainSeedsNormalizedEndpoints(t *testing.T) {
	e := &Entry{
		ChainName:    "osmosis",
		ChainID:      "osmosis-1",
		Bech32Prefix: "osmo",
	}
	e.APIs.RPC = append(e.APIs.RPC,
		struct {
			Address  string `json:"address"`
			Provider string `json:"provider"`
		}{Address: "https://Rpc.Osmosis.Zone/"},
	)

	c := ToChain(e)
	assert.Equal(t, "osmosis", c.Name)
	assert.Equal(t, "osmosis-1", c.ChainID)
	assert.Len(t, c.Endpoints, 1)
	assert.Equal(t, "https://rpc.osmosis.zone", c.Endpoints[0].BaseURL)
}

func TestIsReservedDirSkipsNonChainEntries(t *testing.T) {
	assert.True(t, isReservedDir(".github"))
	assert.True(t, isReservedDir("testnets"))
	assert.False(t, isReservedDir("osmosis"))
}

func TestClientRespectsContextCancellation(t *testing.T) {
	c := New("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchChain(ctx, "osmosis")
	assert.Error(t, err)
}
