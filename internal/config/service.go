package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Polqt/chainlb/internal/balancer"
)

// Service composes GlobalConfig with per-chain and per-route overrides
// into an EffectiveRouteConfig for every (chain, path) lookup (§4.8).
// Chain overrides live under configDir/chains/<name>.json and are
// hot-reloaded via fsnotify; a malformed file is logged and the
// previous in-memory version is kept (§7 "Configuration never crashes
// the process").
type Service struct {
	configDir string
	log       *zap.Logger

	mu     sync.RWMutex
	global GlobalConfig
	chains map[string]ChainConfig

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads GlobalConfig from the environment (via viper) and from
// configDir/global.json if present, then loads every chains/*.json
// override file.
func Load(configDir string, log *zap.Logger) (*Service, error) {
	s := &Service{
		configDir: configDir,
		log:       log,
		chains:    make(map[string]ChainConfig),
		done:      make(chan struct{}),
	}

	v := viper.New()
	v.SetEnvPrefix("CHAINLB")
	v.AutomaticEnv()
	g := DefaultGlobalConfig()
	if p := v.GetString("port"); p != "" {
		g.Port = p
	}
	if pat := v.GetString("github_pat"); pat != "" {
		g.GithubPAT = pat
	}
	s.global = g

	if err := os.MkdirAll(filepath.Join(configDir, "chains"), 0o755); err != nil {
		return nil, fmt.Errorf("config: create config dir: %w", err)
	}
	s.reloadGlobalFile()
	s.reloadAllChainFiles()

	if err := s.startWatch(); err != nil && log != nil {
		log.Warn("config hot-reload disabled", zap.Error(err))
	}
	return s, nil
}

func (s *Service) globalPath() string { return filepath.Join(s.configDir, "global.json") }
func (s *Service) chainPath(name string) string {
	return filepath.Join(s.configDir, "chains", name+".json")
}

func (s *Service) reloadGlobalFile() {
	data, err := os.ReadFile(s.globalPath())
	if err != nil {
		return // absent is fine: env + defaults apply
	}
	// Start from the current config so fields absent from the file (and
	// the never-persisted GithubPAT) keep their env/default values.
	s.mu.RLock()
	override := s.global
	s.mu.RUnlock()
	if err := json.Unmarshal(data, &override); err != nil {
		s.logWarn("malformed global.json, keeping previous config", err)
		return
	}
	s.mu.Lock()
	s.global = override
	s.mu.Unlock()
}

func (s *Service) reloadAllChainFiles() {
	dir := filepath.Join(s.configDir, "chains")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		s.reloadChainFile(filepath.Join(dir, e.Name()))
	}
}

func (s *Service) reloadChainFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cc ChainConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		s.logWarn("malformed chain config "+path+", keeping previous", err)
		return
	}
	name := cc.ChainName
	if name == "" {
		name = trimExt(filepath.Base(path))
	}
	s.mu.Lock()
	s.chains[name] = cc
	s.mu.Unlock()
}

func trimExt(base string) string {
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

func (s *Service) logWarn(msg string, err error) {
	if s.log != nil {
		s.log.Warn(msg, zap.Error(err))
	}
}

// startWatch installs an fsnotify watch over configDir and configDir/chains
// so edits take effect without a restart.
func (s *Service) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.configDir); err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Join(s.configDir, "chains")); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *Service) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ev.Name == s.globalPath() {
				s.reloadGlobalFile()
			} else if filepath.Ext(ev.Name) == ".json" {
				s.reloadChainFile(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logWarn("config watcher error", err)
		}
	}
}

// Close stops the hot-reload watch.
func (s *Service) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Global returns the current global config.
func (s *Service) Global() GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// SetGlobal replaces the in-memory global config and persists it.
func (s *Service) SetGlobal(g GlobalConfig) error {
	s.mu.Lock()
	s.global = g
	s.mu.Unlock()
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.globalPath(), data, 0o644)
}

// Chain returns the override for a named chain, if any.
func (s *Service) Chain(name string) (ChainConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, ok := s.chains[name]
	return cc, ok
}

// SetChain replaces a chain's override and persists it.
func (s *Service) SetChain(cc ChainConfig) error {
	s.mu.Lock()
	s.chains[cc.ChainName] = cc
	s.mu.Unlock()
	data, err := json.MarshalIndent(cc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.chainPath(cc.ChainName), data, 0o644)
}

// Effective composes global → chain → route overrides for (chainName,
// path) into the config the balancer and proxy pipeline need (§4.8).
func (s *Service) Effective(chainName, path string) EffectiveRouteConfig {
	s.mu.RLock()
	g := s.global
	cc, hasChain := s.chains[chainName]
	s.mu.RUnlock()

	eff := EffectiveRouteConfig{
		RouteConfig: balancer.RouteConfig{
			Strategy: g.DefaultStrategy,
		},
		Timeout:           g.RequestTimeout,
		Retries:           g.DefaultRetries,
		BackoffMultiplier: g.DefaultBackoff,
		CacheEnabled:      true,
		CacheTTL:          g.DefaultCacheTTL,
	}
	if hasChain && cc.TimeoutMs > 0 {
		eff.Timeout = cc.TimeoutMs * time.Millisecond
	}
	if !hasChain {
		return eff
	}

	var best *RouteOverride
	for i := range cc.Routes {
		if routeMatches(cc.Routes[i].PathPattern, path) {
			r := cc.Routes[i]
			best = &r
			break
		}
	}
	if best == nil {
		return eff
	}
	if best.Strategy != "" {
		eff.Strategy = best.Strategy
	}
	if best.TimeoutMs > 0 {
		eff.Timeout = best.TimeoutMs * time.Millisecond
	}
	if best.Retries != nil {
		eff.Retries = *best.Retries
	}
	if best.Backoff != nil {
		eff.BackoffMultiplier = *best.Backoff
	}
	if best.CacheEnabled != nil {
		eff.CacheEnabled = *best.CacheEnabled
	}
	if best.CacheTTL > 0 {
		eff.CacheTTL = best.CacheTTL
	}
	if best.Sticky != nil {
		eff.Sticky = *best.Sticky
	}
	if best.SessionTTL > 0 {
		eff.SessionTTL = best.SessionTTL
	}
	if len(best.Whitelist) > 0 {
		eff.Whitelist = best.Whitelist
	}
	if len(best.Blacklist) > 0 {
		eff.Blacklist = best.Blacklist
	}
	return eff
}

func routeMatches(pattern, path string) bool {
	ok, err := filepath.Match(pattern, path)
	return err == nil && ok
}
