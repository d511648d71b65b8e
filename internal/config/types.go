package config

import (
	"time"

	"github.com/Polqt/chainlb/internal/balancer"
)

// GlobalConfig is process-wide configuration: built-in defaults, with
// Port and GithubPAT read from CHAINLB_PORT and CHAINLB_GITHUB_PAT, and
// optionally overridden by config/global.json. No other field is read
// from the environment.
type GlobalConfig struct {
	Port              string        `json:"port"`
	GithubPAT         string        `json:"-"` // never persisted to disk
	RequestTimeout    time.Duration `json:"requestTimeout"`
	CrawlerTimeout    time.Duration `json:"crawlerTimeout"`
	CrawlerRetries    int           `json:"crawlerRetries"`
	CrawlerRetryDelay time.Duration `json:"crawlerRetryDelay"`
	CrawlerMaxDepth   int           `json:"crawlerMaxDepth"`
	CrawlerMain       int           `json:"crawlerMain"`
	CrawlerPeers      int           `json:"crawlerPeers"`
	ChainCrawling     int           `json:"chainCrawling"`

	DefaultStrategy balancer.Strategy `json:"defaultStrategy"`
	DefaultRetries  int               `json:"defaultRetries"`
	DefaultBackoff  float64           `json:"defaultBackoffMultiplier"`
	DefaultCacheTTL time.Duration     `json:"defaultCacheTtl"`
}

// DefaultGlobalConfig returns the built-in defaults applied before
// environment and file overrides.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Port:              "8080",
		RequestTimeout:    10 * time.Second,
		CrawlerTimeout:    5 * time.Minute,
		CrawlerRetries:    3,
		CrawlerRetryDelay: 500 * time.Millisecond,
		CrawlerMaxDepth:   3,
		CrawlerMain:       5,
		CrawlerPeers:      10,
		ChainCrawling:     3,
		DefaultStrategy:   balancer.RoundRobin,
		DefaultRetries:    3,
		DefaultBackoff:    2.0,
		DefaultCacheTTL:   60 * time.Second,
	}
}

// ChainConfig is a per-chain override.
type ChainConfig struct {
	ChainName      string          `json:"chainName"`
	TimeoutMs      time.Duration   `json:"timeoutMs,omitempty"` // a count of milliseconds
	CrawlerEnabled *bool           `json:"crawlerEnabled,omitempty"`
	Routes         []RouteOverride `json:"routes,omitempty"`
}

// RouteOverride is a per-(chain,routePattern) policy override.
type RouteOverride struct {
	PathPattern  string            `json:"pathPattern"`
	Strategy     balancer.Strategy `json:"strategy,omitempty"`
	TimeoutMs    time.Duration     `json:"timeoutMs,omitempty"` // a count of milliseconds
	Retries      *int              `json:"retries,omitempty"`
	Backoff      *float64          `json:"backoffMultiplier,omitempty"`
	CacheEnabled *bool             `json:"cacheEnabled,omitempty"`
	CacheTTL     time.Duration     `json:"cacheTtl,omitempty"`
	Sticky       *bool             `json:"sticky,omitempty"`
	SessionTTL   time.Duration     `json:"sessionTtl,omitempty"`
	Whitelist    []string          `json:"whitelist,omitempty"`
	Blacklist    []string          `json:"blacklist,omitempty"`
}

// EffectiveRouteConfig is the fully-composed global→chain→route config
// for one (chain, path) pair (§3 "Configuration").
type EffectiveRouteConfig struct {
	balancer.RouteConfig
	Timeout           time.Duration
	Retries           int
	BackoffMultiplier float64
	CacheEnabled      bool
	CacheTTL          time.Duration
}
