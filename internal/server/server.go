// Package server implements the HTTP framing named a collaborator in
// §1: routing, request/response plumbing, and the admin/API surface
// from §6. It owns no business logic — every handler delegates to
// internal/proxy, internal/balancer, internal/storage,
// internal/crawler, internal/scheduler, or internal/config.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Polqt/chainlb/internal/balancer"
	"github.com/Polqt/chainlb/internal/cache"
	"github.com/Polqt/chainlb/internal/chainmodel"
	"github.com/Polqt/chainlb/internal/config"
	"github.com/Polqt/chainlb/internal/crawler"
	"github.com/Polqt/chainlb/internal/netutil"
	"github.com/Polqt/chainlb/internal/proxy"
	"github.com/Polqt/chainlb/internal/scheduler"
	"github.com/Polqt/chainlb/internal/storage"
)

// Server wires every component behind the stdlib ServeMux (Go 1.22
// method+wildcard patterns — HTTP framing is an explicit out-of-scope
// collaborator, so no router library earns a place here; see
// edgecache's own cmd/cmd.go for the same idiom).
type Server struct {
	store    *storage.Store
	lb       *balancer.Balancer
	pipeline *proxy.Pipeline
	cache    *cache.Cache
	cfg      *config.Service
	crawl    *crawler.Crawler
	sched    *scheduler.Scheduler
	log      *zap.Logger

	startedAt            time.Time
	initialFetchComplete func() bool

	mux *http.ServeMux
}

// New builds a Server and registers every route from §6.
func New(
	store *storage.Store,
	lb *balancer.Balancer,
	pipeline *proxy.Pipeline,
	c *cache.Cache,
	cfg *config.Service,
	crawl *crawler.Crawler,
	sched *scheduler.Scheduler,
	initialFetchComplete func() bool,
	log *zap.Logger,
) *Server {
	s := &Server{
		store:                store,
		lb:                   lb,
		pipeline:             pipeline,
		cache:                c,
		cfg:                  cfg,
		crawl:                crawl,
		sched:                sched,
		log:                  log,
		startedAt:            time.Now(),
		initialFetchComplete: initialFetchComplete,
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/lb/", s.handleProxy) // "{chain}/{path...}" parsed manually below
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStatsAll)
	s.mux.HandleFunc("GET /stats/{chain}", s.handleStatsChain)
	s.mux.HandleFunc("GET /api/chain-list", s.handleChainList)
	s.mux.HandleFunc("GET /api/chains-summary", s.handleChainsSummary)
	s.mux.HandleFunc("GET /api/rpc-list/{chain}", s.handleRPCList)
	s.mux.HandleFunc("POST /api/update-chain/{chain}", s.handleUpdateChain)
	s.mux.HandleFunc("POST /api/update-all-chains", s.handleUpdateAllChains)
	s.mux.HandleFunc("POST /api/cleanup-blacklist", s.handleCleanupBlacklist)
	s.mux.HandleFunc("POST /api/add-chain", s.handleAddChain)
	s.mux.HandleFunc("DELETE /api/remove-chain/{chain}", s.handleRemoveChain)
	s.mux.HandleFunc("GET /config/global", s.handleGetGlobalConfig)
	s.mux.HandleFunc("PUT /config/global", s.handlePutGlobalConfig)
	s.mux.HandleFunc("GET /config/chain/{name}", s.handleGetChainConfig)
	s.mux.HandleFunc("PUT /config/chain/{name}", s.handlePutChainConfig)
	s.mux.HandleFunc("DELETE /cache/{chain}/{path...}", s.handleCacheFlush)
	s.mux.HandleFunc("DELETE /cache/{chain}", s.handleCacheFlush)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleProxy implements "ALL /lb/{chain}/{*path}" (§6). It parses the
// chain and remaining path manually because the chain segment's
// trailing path is itself arbitrary, opaque RPC path+query.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/lb/")
	chain, path, found := strings.Cut(rest, "/")
	if chain == "" {
		writeError(w, http.StatusNotFound, "chain name required")
		return
	}
	if !found {
		path = ""
	}

	clientIP := clientIPOf(r)
	res, err := s.pipeline.Forward(r, chain, path, clientIP)
	if err != nil {
		s.writeProxyError(w, chain, err)
		return
	}

	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if res.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func (s *Server) writeProxyError(w http.ResponseWriter, chain string, err error) {
	var exhausted *proxy.ExhaustedError
	if errors.As(err, &exhausted) {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":    "upstream exhausted",
			"lastHost": exhausted.LastHost,
		})
		return
	}
	if errors.Is(err, balancer.ErrUnknownChain) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown chain %q", chain))
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func clientIPOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := s.sched != nil && s.sched.Degraded()
	status := "UP"
	code := http.StatusOK
	if degraded {
		status = "DEGRADED"
		code = http.StatusServiceUnavailable
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var schedulerTasks []scheduler.Status
	if s.sched != nil {
		schedulerTasks = s.sched.Status()
	}

	initialFetch := true
	if s.initialFetchComplete != nil {
		initialFetch = s.initialFetchComplete()
	}

	writeJSON(w, code, map[string]any{
		"status":               status,
		"initialFetchComplete": initialFetch,
		"chains":               s.store.ListChains(),
		"cacheStats":           s.cache.Stats(),
		"schedulerTasks":       schedulerTasks,
		"memory": map[string]uint64{
			"allocBytes":      mem.Alloc,
			"totalAllocBytes": mem.TotalAlloc,
			"sysBytes":        mem.Sys,
		},
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatsAll(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]balancer.EndpointStats)
	for _, name := range s.store.ListChains() {
		snap, err := s.lb.Snapshot(name)
		if err == nil {
			out[name] = snap
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatsChain(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	snap, err := s.lb.Snapshot(chain)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleChainList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListChains())
}

func (s *Server) handleChainsSummary(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		Name          string `json:"name"`
		ChainID       string `json:"chainId"`
		EndpointCount int    `json:"endpointCount"`
		LastUpdated   string `json:"lastUpdated"`
	}
	var out []summary
	for _, name := range s.store.ListChains() {
		c, ok := s.store.GetChain(name)
		if !ok {
			continue
		}
		out = append(out, summary{
			Name:          c.Name,
			ChainID:       c.ChainID,
			EndpointCount: len(c.Endpoints),
			LastUpdated:   c.LastUpdated.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRPCList(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	urls, ok := s.store.EndpointURLs(chain)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown chain %q", chain))
		return
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) handleUpdateChain(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	if _, ok := s.store.GetChain(chain); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown chain %q", chain))
		return
	}
	res := s.crawl.CrawlChain(r.Context(), chain)
	_ = s.store.SaveChains()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateAllChains(w http.ResponseWriter, r *http.Request) {
	results := s.crawl.CrawlAll(r.Context())
	_ = s.store.SaveChains()
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCleanupBlacklist(w http.ResponseWriter, r *http.Request) {
	removed := s.store.CleanupBlacklist(6*time.Hour, 5)
	_ = s.store.SaveBlacklistedIPs()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type addChainRequest struct {
	ChainName    string   `json:"chainName"`
	ChainID      string   `json:"chainId"`
	RPCAddresses []string `json:"rpcAddresses"`
	Bech32Prefix string   `json:"bech32Prefix"`
}

func (s *Server) handleAddChain(w http.ResponseWriter, r *http.Request) {
	var req addChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ChainName == "" || req.ChainID == "" {
		writeError(w, http.StatusBadRequest, "chainName and chainId are required")
		return
	}
	if _, exists := s.store.GetChain(req.ChainName); exists {
		writeError(w, http.StatusConflict, fmt.Sprintf("chain %q already exists", req.ChainName))
		return
	}

	c := &chainmodel.Chain{
		Name:         req.ChainName,
		ChainID:      req.ChainID,
		Bech32Prefix: req.Bech32Prefix,
		LastUpdated:  time.Now(),
	}
	for _, addr := range req.RPCAddresses {
		c.AddEndpoint(netutil.Normalize(addr))
	}
	s.store.PutChain(c)
	_ = s.store.SaveChains()
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRemoveChain(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	if _, ok := s.store.GetChain(chain); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown chain %q", chain))
		return
	}
	if err := s.store.RemoveChain(chain); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Global())
}

func (s *Server) handlePutGlobalConfig(w http.ResponseWriter, r *http.Request) {
	var g config.GlobalConfig
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "malformed config body")
		return
	}
	if err := s.cfg.SetGlobal(g); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGetChainConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cc, ok := s.cfg.Chain(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no config override for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, cc)
}

func (s *Server) handlePutChainConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var cc config.ChainConfig
	if err := json.NewDecoder(r.Body).Decode(&cc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed config body")
		return
	}
	cc.ChainName = name
	if err := s.cfg.SetChain(cc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cc)
}

// handleCacheFlush implements "DELETE /cache/{chain}/{path?}": flush
// keys matching "{chain}:.*{path}" or, with no path, the "{chain}:"
// prefix (§6).
func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	path := r.PathValue("path")
	var pattern string
	if path == "" {
		pattern = "^" + regexp.QuoteMeta(chain) + ":"
	} else {
		pattern = regexp.QuoteMeta(chain) + ":.*" + regexp.QuoteMeta(path)
	}
	n := s.cache.Flush(pattern)
	writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
}
