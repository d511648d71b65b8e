package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/chainlb/internal/chainmodel"
	"github.com/Polqt/chainlb/internal/netutil"
	"github.com/Polqt/chainlb/internal/storage"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.Retries = 1
	cfg.RetryDelay = time.Millisecond
	cfg.MaxDepth = 1
	cfg.MainWorkers = 2
	cfg.PeerWorkers = 2
	cfg.ChainWorkers = 2
	return cfg
}

func statusHandler(network string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			now := time.Now().UTC().Format(time.RFC3339Nano)
			w.Write([]byte(`{"result":{"node_info":{"network":"` + network + `","other":{"rpc_address":""}},"sync_info":{"latest_block_height":"100","latest_block_time":"` + now + `","catching_up":false}}}`))
		case "/net_info":
			w.Write([]byte(`{"result":{"n_peers":"0","peers":[]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func staleStatusHandler(network string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
			w.Write([]byte(`{"result":{"node_info":{"network":"` + network + `","other":{"rpc_address":""}},"sync_info":{"latest_block_height":"100","latest_block_time":"` + stale + `","catching_up":false}}}`))
		case "/net_info":
			w.Write([]byte(`{"result":{"n_peers":"0","peers":[]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestCrawlChainRecordsSuccessAndKeepsExistingEndpoint(t *testing.T) {
	srv := httptest.NewServer(statusHandler("osmosis-1"))
	defer srv.Close()

	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	s.PutChain(&chainmodel.Chain{Name: "osmosis", ChainID: "osmosis-1"})
	s.AddEndpoint("osmosis", srv.URL)

	c := New(s, testConfig(), nil)
	res := c.CrawlChain(context.Background(), "osmosis")

	assert.Equal(t, 1, res.ProbedHosts)
	assert.Equal(t, 0, res.MisplacedEndpoints)
	assert.Equal(t, 1, res.TotalEndpoints)
	assert.Empty(t, res.Errors)
	assert.False(t, s.IsRejectedHost(srv.URL))
}

func TestCrawlChainRejectsStaleStatus(t *testing.T) {
	srv := httptest.NewServer(staleStatusHandler("osmosis-1"))
	defer srv.Close()

	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	s.PutChain(&chainmodel.Chain{Name: "osmosis", ChainID: "osmosis-1"})
	s.AddEndpoint("osmosis", srv.URL)

	c := New(s, testConfig(), nil)
	res := c.CrawlChain(context.Background(), "osmosis")

	assert.NotEmpty(t, res.Errors, "a node reporting an hour-old block must be rejected as stale")
	assert.Equal(t, 0, res.NewEndpoints)
}

func TestCrawlChainReassignsMisplacedEndpointS6(t *testing.T) {
	srv := httptest.NewServer(statusHandler("cosmoshub-4"))
	defer srv.Close()

	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	s.PutChain(&chainmodel.Chain{Name: "osmosis", ChainID: "osmosis-1"})
	s.PutChain(&chainmodel.Chain{Name: "cosmoshub", ChainID: "cosmoshub-4"})
	s.AddEndpoint("osmosis", srv.URL)

	c := New(s, testConfig(), nil)
	res := c.CrawlChain(context.Background(), "osmosis")

	assert.Equal(t, 1, res.MisplacedEndpoints)
	urls, _ := s.EndpointURLs("cosmoshub")
	assert.Contains(t, urls, netutil.Normalize(srv.URL))

	osmosisChain, _ := s.GetChain("osmosis")
	assert.Len(t, osmosisChain.Endpoints, 1, "original chain's endpoint list must be unchanged")
}

func TestCrawlChainRecordsFailureOnUnreachableHost(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	s.PutChain(&chainmodel.Chain{Name: "osmosis", ChainID: "osmosis-1"})
	s.AddEndpoint("osmosis", "http://127.0.0.1:1")

	c := New(s, testConfig(), nil)
	res := c.CrawlChain(context.Background(), "osmosis")

	assert.NotEmpty(t, res.Errors)
}

func TestCrawlChainUnknownChain(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	c := New(s, testConfig(), nil)
	res := c.CrawlChain(context.Background(), "no-such-chain")
	assert.NotEmpty(t, res.Errors)
}

func TestPeerCandidateHostsUnionsAddressSources(t *testing.T) {
	var peer NetInfoPeer
	peer.RemoteIP = "203.0.113.5"
	peer.NodeInfo.ListenAddr = "deadbeef@203.0.113.6:26656"
	peer.NodeInfo.Other.RPCAddress = "tcp://203.0.113.7:26657"

	hosts := peerCandidateHosts(peer)
	assert.ElementsMatch(t, []string{"203.0.113.5", "203.0.113.6", "203.0.113.7"}, hosts)
}

func TestPeerCandidateHostsSkipsEmptyAddresses(t *testing.T) {
	var peer NetInfoPeer
	peer.RemoteIP = "203.0.113.5"
	hosts := peerCandidateHosts(peer)
	assert.Equal(t, []string{"203.0.113.5"}, hosts)
}

func TestCandidateURLsTriesWellKnownPortsFirst(t *testing.T) {
	urls := candidateURLs("node.example.com", []int{80})
	require.Len(t, urls, 4)
	assert.Equal(t, "https://node.example.com:443", urls[0])
	assert.Equal(t, "https://node.example.com:26657", urls[1])
	assert.Equal(t, "http://node.example.com:26657", urls[2])
	assert.Equal(t, "https://node.example.com:80", urls[3], "remaining ports probe https for named hosts")
}

func TestCandidateURLsUsesHTTPForBareIPs(t *testing.T) {
	urls := candidateURLs("203.0.113.9", []int{26657, 443, 8080})
	assert.Contains(t, urls, "http://203.0.113.9:8080")
	assert.NotContains(t, urls, "https://203.0.113.9:8080")
	// 26657 and 443 already present from the well-known sequence; the
	// fallback loop must not duplicate them.
	count := 0
	for _, u := range urls {
		if u == "https://203.0.113.9:443" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
