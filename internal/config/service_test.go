package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/chainlb/internal/balancer"
)

func TestDefaultsApplyWithNoFiles(t *testing.T) {
	s, err := Load(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	eff := s.Effective("osmosis", "/status")
	assert.Equal(t, balancer.RoundRobin, eff.Strategy)
	assert.Equal(t, 10*time.Second, eff.Timeout)
	assert.True(t, eff.CacheEnabled)
}

func TestChainOverrideComposesOverGlobal(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	retries := 7
	cacheOff := false
	require.NoError(t, s.SetChain(ChainConfig{
		ChainName: "osmosis",
		Routes: []RouteOverride{
			{PathPattern: "/status", Strategy: balancer.LeastConnections, Retries: &retries, CacheEnabled: &cacheOff},
		},
	}))

	eff := s.Effective("osmosis", "/status")
	assert.Equal(t, balancer.LeastConnections, eff.Strategy)
	assert.Equal(t, 7, eff.Retries)
	assert.False(t, eff.CacheEnabled)

	other := s.Effective("osmosis", "/net_info")
	assert.Equal(t, balancer.RoundRobin, other.Strategy, "unmatched path keeps global default")
}

func TestMalformedGlobalFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "global.json"), []byte("{not json"), 0o644))

	s, err := Load(dir, nil)
	require.NoError(t, err, "malformed config must never fail startup")
	defer s.Close()

	assert.Equal(t, DefaultGlobalConfig().Port, s.Global().Port)
}

func TestMalformedChainFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "chains"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chains", "osmosis.json"), []byte("not json"), 0o644))

	s, err := Load(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Chain("osmosis")
	assert.False(t, ok)
}

func TestSetGlobalPersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, nil)
	require.NoError(t, err)
	g := s.Global()
	g.Port = "9090"
	require.NoError(t, s.SetGlobal(g))
	s.Close()

	s2, err := Load(dir, nil)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "9090", s2.Global().Port)
}
