// Package crawler implements the peer-discovery BFS described in §4.5:
// starting from a chain's known endpoints, probe /status and /net_info,
// filter peer candidates to public hosts, cross the discovered port set
// against new hosts, and fold newly-confirmed endpoints (or
// misplaced ones) back into storage.
package crawler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Polqt/chainlb/internal/netutil"
	"github.com/Polqt/chainlb/internal/storage"
)

// Config bounds crawl concurrency and timeouts (§4.5, §6 environment).
type Config struct {
	Timeout      time.Duration
	Retries      int
	RetryDelay   time.Duration
	MaxDepth     int
	MainWorkers  int // CRAWLER_MAIN: concurrent probes of a chain's already-known endpoints
	PeerWorkers  int // CRAWLER_PEERS: concurrent probes of newly discovered peer candidates
	ChainWorkers int // CHAIN_CRAWLING: concurrent chains crawled by CrawlAll
}

// DefaultConfig mirrors internal/config's GlobalConfig crawler defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Minute,
		Retries:      3,
		RetryDelay:   500 * time.Millisecond,
		MaxDepth:     3,
		MainWorkers:  5,
		PeerWorkers:  10,
		ChainWorkers: 3,
	}
}

// Result summarizes one chain crawl (returned by /api/update-chain,
// /api/update-all-chains and the crawl-now command; the scheduler's
// network-crawl task discards it).
type Result struct {
	RunID              string
	ChainName          string
	ProbedHosts        int
	NewEndpoints       int
	TotalEndpoints     int
	MisplacedEndpoints int
	Errors             []string
}

// flushEveryNewEndpoints bounds how much a crash mid-crawl can lose:
// CrawlChain persists to storage after every this-many newly confirmed
// endpoints, in addition to the guaranteed flush on return (§4.5 step 9).
const flushEveryNewEndpoints = 10

// wellKnownPorts is the §4.5 step 6 probe order tried against every peer
// candidate host before falling back to the chain's other known ports.
var wellKnownPorts = []struct {
	scheme string
	port   int
}{
	{"https", 443},
	{"https", 26657},
	{"http", 26657},
}

// Crawler walks peer graphs and writes discoveries into storage.
type Crawler struct {
	store  *storage.Store
	client *http.Client
	cfg    Config
	log    *zap.Logger

	chainSem chan struct{}
}

// New builds a Crawler backed by store.
func New(store *storage.Store, cfg Config, log *zap.Logger) *Crawler {
	return &Crawler{
		store: store,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		cfg:      cfg,
		log:      log,
		chainSem: make(chan struct{}, maxInt(cfg.ChainWorkers, 1)),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *Crawler) logWarn(msg string, fields ...zap.Field) {
	if c.log != nil {
		c.log.Warn(msg, fields...)
	}
}

// CrawlAll crawls every chain currently in the catalog, bounded by
// CHAIN_CRAWLING concurrent chain crawls.
func (c *Crawler) CrawlAll(ctx context.Context) []Result {
	names := c.store.ListChains()
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		c.chainSem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-c.chainSem }()
			results[i] = c.CrawlChain(ctx, name)
		}()
	}
	wg.Wait()
	return results
}

// visited tracks hosts already probed during one CrawlChain run so the
// BFS never re-probes a host (it may be discovered as a peer of
// multiple nodes).
type visitState struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisitState() *visitState { return &visitState{seen: make(map[string]struct{})} }

func (v *visitState) markIfNew(host string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[host]; ok {
		return false
	}
	v.seen[host] = struct{}{}
	return true
}

// CrawlChain runs a bounded-depth BFS starting from chainName's current
// endpoint set, probing each host's /status (identity + misplaced-
// endpoint check) and /net_info (peer discovery), honoring a per-chain
// wall-clock deadline (§5 "Cancellation & timeouts").
func (c *Crawler) CrawlChain(ctx context.Context, chainName string) Result {
	res := Result{RunID: uuid.NewString(), ChainName: chainName}

	chain, ok := c.store.GetChain(chainName)
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown chain %s", chainName))
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Guaranteed final flush (§4.5 step 9): runs on every return path,
	// including a panic unwind, so a crash mid-crawl loses at most
	// flushEveryNewEndpoints endpoints rather than the whole run.
	defer func() {
		if err := c.store.SaveChains(); err != nil {
			c.logWarn("crawler: final flush failed", zap.String("chain", chainName), zap.Error(err))
		}
	}()

	visited := newVisitState()
	mainSem := make(chan struct{}, maxInt(c.cfg.MainWorkers, 1))
	peerSem := make(chan struct{}, maxInt(c.cfg.PeerWorkers, 1))
	newSinceFlush := 0

	type probeOutcome struct {
		host    string
		status  *StatusResponse
		netInfo *NetInfoResponse
		err     error
	}

	frontier := make([]string, 0, len(chain.Endpoints))
	for _, ep := range chain.Endpoints {
		host := netutil.Normalize(ep.BaseURL)
		if visited.markIfNew(host) {
			frontier = append(frontier, host)
		}
	}

	var mu sync.Mutex // guards res fields across goroutines

	for depth := 0; depth < c.cfg.MaxDepth && len(frontier) > 0; depth++ {
		outcomes := make(chan probeOutcome, len(frontier))
		var wg sync.WaitGroup
		sem := mainSem
		if depth > 0 {
			sem = peerSem
		}
		for _, host := range frontier {
			host := host
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				st, ni, err := c.probe(ctx, host)
				outcomes <- probeOutcome{host: host, status: st, netInfo: ni, err: err}
			}()
		}
		go func() { wg.Wait(); close(outcomes) }()

		var nextFrontier []string
		for o := range outcomes {
			mu.Lock()
			res.ProbedHosts++
			mu.Unlock()

			if o.err != nil {
				c.store.RecordCrawlFailure(hostnameOf(o.host))
				mu.Lock()
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", o.host, o.err))
				mu.Unlock()
				continue
			}
			c.store.RecordCrawlSuccess(hostnameOf(o.host))

			added, misplaced := c.ingestStatus(chainName, o.host, o.status)
			mu.Lock()
			shouldFlush := false
			if added {
				res.NewEndpoints++
				newSinceFlush++
				if newSinceFlush >= flushEveryNewEndpoints {
					newSinceFlush = 0
					shouldFlush = true
				}
			}
			if misplaced {
				res.MisplacedEndpoints++
			}
			mu.Unlock()

			if shouldFlush {
				if err := c.store.SaveChains(); err != nil {
					c.logWarn("crawler: periodic flush failed", zap.String("chain", chainName), zap.Error(err))
				}
			}

			if o.netInfo == nil {
				continue
			}
			for _, peer := range o.netInfo.Result.Peers {
				for _, host := range peerCandidateHosts(peer) {
					if netutil.IsDisallowedPeerHost(host) {
						continue
					}
					if c.store.IsRejectedHost(host) {
						continue
					}
					for _, candidate := range candidateURLs(host, c.store.Ports()) {
						if visited.markIfNew(netutil.Normalize(candidate)) {
							nextFrontier = append(nextFrontier, netutil.Normalize(candidate))
						}
					}
				}
			}
		}
		frontier = nextFrontier
	}

	if updated, ok := c.store.GetChain(chainName); ok {
		res.TotalEndpoints = len(updated.Endpoints)
	}
	return res
}

// peerCandidateHosts unions the three address sources §4.5 step 5
// names for one /net_info peer entry: its reported listen address, its
// other.rpc_address, and the remote IP the connection itself came from.
// Duplicates are harmless; visitState dedupes before any host is probed.
func peerCandidateHosts(peer NetInfoPeer) []string {
	var hosts []string
	if peer.RemoteIP != "" {
		hosts = append(hosts, peer.RemoteIP)
	}
	if h := hostFromAddr(peer.NodeInfo.ListenAddr); h != "" {
		hosts = append(hosts, h)
	}
	if h := hostFromAddr(peer.NodeInfo.Other.RPCAddress); h != "" {
		hosts = append(hosts, h)
	}
	return hosts
}

// hostFromAddr extracts a bare host from a Tendermint-style address
// string, which may carry a node-id@ prefix (peer listen addrs) and a
// scheme (rpc_address, e.g. "tcp://0.0.0.0:26657").
func hostFromAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if idx := strings.Index(addr, "@"); idx >= 0 {
		addr = addr[idx+1:]
	}
	host, _ := netutil.SplitHostPort(addr)
	return host
}

// candidateURLs builds the §4.5 step 6 probe sequence for host: the
// well-known TLS and plaintext RPC ports first, then every other port
// this network has seen, using http for bare IPs (self-signed certs are
// common and pointless to assume) and https for named hosts.
func candidateURLs(host string, ports []int) []string {
	seen := make(map[string]struct{}, len(wellKnownPorts)+len(ports))
	urls := make([]string, 0, len(wellKnownPorts)+len(ports))
	add := func(scheme string, port int) {
		key := fmt.Sprintf("%s:%d", scheme, port)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		urls = append(urls, fmt.Sprintf("%s://%s:%d", scheme, host, port))
	}

	for _, wk := range wellKnownPorts {
		add(wk.scheme, wk.port)
	}

	fallbackScheme := "https"
	if net.ParseIP(host) != nil {
		fallbackScheme = "http"
	}
	for _, port := range ports {
		add(fallbackScheme, port)
	}
	return urls
}

func hostnameOf(baseURL string) string {
	host, _ := netutil.SplitHostPort(baseURL)
	return host
}

// probe fetches /status then /net_info for host, making up to
// cfg.Retries attempts in total (at least one) with cfg.RetryDelay
// after each failed attempt.
func (c *Crawler) probe(ctx context.Context, host string) (*StatusResponse, *NetInfoResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxInt(c.cfg.Retries, 1); attempt++ {
		st, err := c.fetchStatus(ctx, host)
		if err == nil {
			ni, _ := c.fetchNetInfo(ctx, host) // net_info is best-effort
			return st, ni, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return nil, nil, lastErr
}

func (c *Crawler) fetchStatus(ctx context.Context, host string) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.fetchJSON(ctx, host+"/status", &st); err != nil {
		return nil, err
	}
	if !st.Valid() {
		return nil, fmt.Errorf("crawler: %s: missing required status fields", host)
	}
	if !st.Fresh(time.Now()) {
		return nil, fmt.Errorf("crawler: %s: stale latest_block_time %s", host, st.Result.SyncInfo.LatestBlockTime)
	}
	return &st, nil
}

func (c *Crawler) fetchNetInfo(ctx context.Context, host string) (*NetInfoResponse, error) {
	var ni NetInfoResponse
	if err := c.fetchJSON(ctx, host+"/net_info", &ni); err != nil {
		return nil, err
	}
	return &ni, nil
}

func (c *Crawler) fetchJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// ingestStatus applies the §8 S6 "misplaced endpoint" rule: if the
// probed host declares a network id different from chainName's own
// chain id, the endpoint belongs to whichever chain does declare that
// id (if known), not the chain we crawled it from.
func (c *Crawler) ingestStatus(chainName, host string, st *StatusResponse) (added, misplaced bool) {
	target, ok := c.store.GetChain(chainName)
	if !ok {
		return false, false
	}

	ownerName := chainName
	declared := st.Result.NodeInfo.Network
	if declared != "" && declared != target.ChainID {
		other, ok := c.store.ChainByChainID(declared)
		if !ok {
			return false, false // unknown chain id: drop, crawled under no known chain
		}
		ownerName = other.Name
		misplaced = true
	}

	added = c.store.AddEndpoint(ownerName, host)
	return added, misplaced
}
