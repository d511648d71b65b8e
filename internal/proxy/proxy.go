// Package proxy implements the request pipeline described in §4.2:
// cache-check, endpoint selection, upstream fetch under breaker gating,
// retry with backoff, cache-store, and stats recording. It is
// transparent to request/response bodies — JSON-shape validation only
// decides cacheability and success accounting, never mutates the body.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Polqt/chainlb/internal/balancer"
	"github.com/Polqt/chainlb/internal/breaker"
	"github.com/Polqt/chainlb/internal/cache"
	"github.com/Polqt/chainlb/internal/config"
)

// hop-by-hop headers stripped in both directions (§4.2 step 4/7).
var hopByHop = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
}

const baseRetryDelay = 100 * time.Millisecond

// readMethodAllowlist names POST path prefixes treated as idempotent
// reads for cacheability purposes (§4.2 step 2).
var readMethodAllowlist = []string{"abci_query", "block", "tx"}

// ErrUnknownChain mirrors balancer.ErrUnknownChain for callers that only
// import proxy.
var ErrUnknownChain = balancer.ErrUnknownChain

// Result describes the outcome of one Forward call, enough for the HTTP
// layer to write a response without reaching back into the pipeline.
type Result struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	CacheHit    bool
	UpstreamURL string
}

// Pipeline wires together the balancer, cache, and breaker registry
// behind a single Forward entry point.
type Pipeline struct {
	lb       *balancer.Balancer
	breakers *breaker.Registry
	cache    *cache.Cache
	cfg      *config.Service
	client   *http.Client
	log      *zap.Logger
}

// New builds a Pipeline. The HTTP client tolerates self-signed upstream
// certificates (§4.2 step 5: chain operators frequently use untrusted
// certs) but otherwise uses sane transport defaults.
func New(lb *balancer.Balancer, breakers *breaker.Registry, c *cache.Cache, cfg *config.Service, log *zap.Logger) *Pipeline {
	return &Pipeline{
		lb:       lb,
		breakers: breakers,
		cache:    c,
		cfg:      cfg,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log,
	}
}

// Forward runs the full pipeline for one inbound request to
// (chainName, path) carrying method/header/body from r.
func (p *Pipeline) Forward(r *http.Request, chainName, path, clientIP string) (*Result, error) {
	path = strings.TrimPrefix(path, "/")
	eff := p.cfg.Effective(chainName, path)

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, fmt.Errorf("proxy: read request body: %w", err)
	}

	key := cacheKey(chainName, r.Method, path, body)
	cacheable := eff.CacheEnabled && isCacheableRequest(r.Method, path)

	if cacheable {
		if v, ok := p.cache.Get(key); ok {
			if cached, ok := v.(*Result); ok {
				hit := *cached
				hit.CacheHit = true
				return &hit, nil
			}
		}
	}

	triedHosts := make(map[string]struct{})
	retries := eff.Retries
	if retries <= 0 {
		retries = 1
	}
	backoff := eff.BackoffMultiplier
	if backoff <= 0 {
		backoff = 2.0
	}

	var lastErr error
	var lastHost string

	for attempt := 0; attempt < retries; attempt++ {
		endpoint, err := p.lb.Select(chainName, path, clientIP, eff.RouteConfig)
		if err != nil {
			lastErr = err
			break
		}
		if _, seen := triedHosts[endpoint]; seen && len(triedHosts) >= totalCandidates(p.lb, chainName) {
			break
		}
		triedHosts[endpoint] = struct{}{}
		lastHost = endpoint

		br := p.breakers.Get(endpoint)
		if !br.ShouldAllow() {
			lastErr = fmt.Errorf("breaker open for %s", endpoint)
			continue
		}

		timeout := eff.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)

		start := time.Now()
		p.lb.IncInFlight(endpoint)
		res, ferr := p.fetchOnce(ctx, endpoint, r, path, body)
		p.lb.DecInFlight(endpoint)
		cancel()
		latencyMs := float64(time.Since(start).Milliseconds())

		ok := ferr == nil && isSuccessOutcome(res.StatusCode)
		br.Record(ok)
		p.lb.RecordResult(endpoint, latencyMs, ok)

		if ferr != nil {
			lastErr = ferr
			p.logWarn("upstream attempt failed", endpoint, ferr)
			time.Sleep(backoffDelay(attempt, backoff))
			continue
		}
		if isRetryableStatus(res.StatusCode) {
			lastErr = fmt.Errorf("upstream %s returned status %d", endpoint, res.StatusCode)
			time.Sleep(backoffDelay(attempt, backoff))
			continue
		}

		res.UpstreamURL = endpoint
		if cacheable && isCacheableStatus(res.StatusCode) && validJSONIfRequired(res.Body) {
			p.cache.Set(key, res)
		}
		return res, nil
	}

	if lastErr == nil {
		lastErr = balancer.ErrNoAvailableEndpoint
	}
	return nil, &ExhaustedError{LastHost: lastHost, Cause: lastErr}
}

// ExhaustedError is returned when every attempt failed (§4.2 step 8,
// §7 "Exhaustion"). The HTTP layer maps it to a 502.
type ExhaustedError struct {
	LastHost string
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all upstream attempts failed (last host %s): %v", e.LastHost, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

func totalCandidates(lb *balancer.Balancer, chainName string) int {
	// Bound retry attempts by distinct host count when known; Select
	// itself already filters unhealthy hosts, so a generous cap here only
	// prevents infinite looping on a pathological single-endpoint chain.
	stats, err := lb.Snapshot(chainName)
	if err != nil {
		return 1
	}
	if len(stats) == 0 {
		return 1
	}
	return len(stats)
}

func (p *Pipeline) fetchOnce(ctx context.Context, endpoint string, r *http.Request, path string, body []byte) (*Result, error) {
	target := endpoint + "/" + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Host = hostOnly(endpoint)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopByHop[k] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func hostOnly(baseURL string) string {
	rest := baseURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	return rest
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func isCacheableRequest(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return true
	}
	if method != http.MethodPost {
		return false
	}
	lower := strings.ToLower(path)
	for _, allowed := range readMethodAllowlist {
		if strings.HasPrefix(lower, allowed) {
			return true
		}
	}
	return false
}

func isCacheableStatus(code int) bool {
	return code >= 200 && code < 300
}

func isSuccessOutcome(code int) bool {
	// §7: a 4xx is the endpoint working correctly on an invalid request —
	// counted as success for breaker/balancer purposes. Only network
	// errors and 5xx count as failure.
	return code < 500
}

func isRetryableStatus(code int) bool {
	return code >= 500
}

func validJSONIfRequired(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return true
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return true // not JSON-shaped traffic; nothing to validate
	}
	return json.Valid(trimmed)
}

func backoffDelay(attempt int, multiplier float64) time.Duration {
	d := float64(baseRetryDelay)
	for i := 0; i < attempt; i++ {
		d *= multiplier
	}
	return time.Duration(d)
}

// cacheKey builds the §4.3-routable cache key for one request. Requests
// recognized as a specific RPC category (status, validators, tx, block)
// are keyed by that category so they land in the tier the routing table
// assigns it; everything else falls back to the generic
// "chain:METHOD:path[:bodyHash]" form from §4.2 step 2.
func cacheKey(chain, method, path string, body []byte) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lower, "status"):
		return "status:" + chain + ":" + path
	case strings.HasPrefix(lower, "validators"):
		return "validators:" + chain + ":" + path
	case strings.HasPrefix(lower, "tx"):
		return withBodyHash("tx:"+chain+":"+path, body)
	}
	if height, ok := blockHeightFromPath(path); ok {
		return "block:" + chain + ":" + strconv.FormatInt(height, 10)
	}
	base := chain + ":" + method + ":" + path
	return withBodyHash(base, body)
}

func withBodyHash(base string, body []byte) string {
	if len(body) == 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write(body)
	return fmt.Sprintf("%s:%x", base, h.Sum64())
}

// blockHeightFromPath recognizes "block/123" and "block?height=123"
// shaped paths used by Tendermint-style RPCs.
func blockHeightFromPath(path string) (int64, bool) {
	lower := strings.ToLower(path)
	if !strings.HasPrefix(lower, "block") {
		return 0, false
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		if n, err := strconv.ParseInt(path[idx+1:], 10, 64); err == nil {
			return n, true
		}
	}
	if idx := strings.Index(path, "height="); idx >= 0 {
		rest := path[idx+len("height="):]
		if amp := strings.IndexByte(rest, '&'); amp >= 0 {
			rest = rest[:amp]
		}
		if n, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func (p *Pipeline) logWarn(msg, endpoint string, err error) {
	if p.log != nil {
		p.log.Warn(msg, zap.String("endpoint", endpoint), zap.Error(err))
	}
}
