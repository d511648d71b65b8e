// Package storage implements the persistent catalog of chains and
// endpoints, plus the IP blacklist/goodlist/rejected sets and the
// discovered-port set, described in §4.7. Writes are whole-file replace
// via a temp file + atomic rename; reads are served from memory, and
// GetChain re-reads the chains directory when a name is not in memory.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Polqt/chainlb/internal/chainmodel"
	"github.com/Polqt/chainlb/internal/netutil"
)

// BlacklistEntry tracks consecutive crawl failures for one hostname.
type BlacklistEntry struct {
	FailureCount int       `json:"failureCount"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
}

// RejectionThreshold is the consecutive-failure count at which a
// blacklisted host is promoted to the hard-ban "rejected" set (§3).
const RejectionThreshold = 10

// Store is the in-memory, disk-backed catalog. The zero value is not
// usable; use Open.
type Store struct {
	dataDir string

	mu        sync.RWMutex
	chains    map[string]*chainmodel.Chain
	blacklist map[string]*BlacklistEntry
	rejected  map[string]struct{}
	good      map[string]struct{}
	ports     map[int]struct{}
}

// Open creates a Store rooted at dataDir, creating the directory
// structure if absent, and loads any existing catalog from disk.
func Open(dataDir string) (*Store, error) {
	for _, sub := range []string{"", "chains"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}
	s := &Store{
		dataDir:   dataDir,
		chains:    make(map[string]*chainmodel.Chain),
		blacklist: make(map[string]*BlacklistEntry),
		rejected:  make(map[string]struct{}),
		good:      make(map[string]struct{}),
		ports:     map[int]struct{}{443: {}, 26657: {}},
	}
	if err := s.LoadChains(); err != nil {
		return nil, err
	}
	if err := s.LoadBlacklistedIPs(); err != nil {
		return nil, err
	}
	if err := s.LoadRejectedIPs(); err != nil {
		return nil, err
	}
	if err := s.LoadGoodIPs(); err != nil {
		return nil, err
	}
	if err := s.LoadPorts(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) chainPath(name string) string {
	return filepath.Join(s.dataDir, "chains", name+".json")
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", path, err)
	}
	return true, nil
}

// LoadChains (re)reads every chains/*.json file from disk into memory.
func (s *Store) LoadChains() error {
	dir := filepath.Join(s.dataDir, "chains")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: list chains dir: %w", err)
	}
	chains := make(map[string]*chainmodel.Chain, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var c chainmodel.Chain
		ok, err := readJSON(filepath.Join(dir, e.Name()), &c)
		if err != nil {
			return err
		}
		if ok {
			chains[c.Name] = &c
		}
	}
	s.mu.Lock()
	s.chains = chains
	s.mu.Unlock()
	return nil
}

// SaveChains writes every chain in memory to its own file.
func (s *Store) SaveChains() error {
	s.mu.RLock()
	snapshot := make([]*chainmodel.Chain, 0, len(s.chains))
	for _, c := range s.chains {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		if err := writeAtomic(s.chainPath(c.Name), c); err != nil {
			return fmt.Errorf("storage: save chain %s: %w", c.Name, err)
		}
	}
	return nil
}

// GetChain returns a copy-free pointer to the named chain, refreshing
// from disk first if it is not yet in memory (lookup-miss refresh,
// §4.7).
func (s *Store) GetChain(name string) (*chainmodel.Chain, bool) {
	s.mu.RLock()
	c, ok := s.chains[name]
	s.mu.RUnlock()
	if ok {
		return c, true
	}
	_ = s.LoadChains()
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok = s.chains[name]
	return c, ok
}

// PutChain inserts or replaces a chain record in memory (admin API path,
// registry ingest). Callers must call SaveChains to persist.
func (s *Store) PutChain(c *chainmodel.Chain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[c.Name] = c
}

// RemoveChain deletes a chain from memory and disk (admin-only; chains
// are otherwise never deleted, §3).
func (s *Store) RemoveChain(name string) error {
	s.mu.Lock()
	delete(s.chains, name)
	s.mu.Unlock()
	err := os.Remove(s.chainPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ChainByChainID finds the chain whose declared ChainID matches id. Used
// by the crawler to reassign a misplaced endpoint to its owning chain
// (§3 invariant: chainId is authoritative).
func (s *Store) ChainByChainID(id string) (*chainmodel.Chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chains {
		if c.ChainID == id {
			return c, true
		}
	}
	return nil, false
}

// ListChains returns all known chain names.
func (s *Store) ListChains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.chains))
	for n := range s.chains {
		names = append(names, n)
	}
	return names
}

// EndpointURLs satisfies balancer.Catalog: the ordered base URLs for a
// chain's current endpoint set.
func (s *Store) EndpointURLs(chain string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[chain]
	if !ok {
		return nil, false
	}
	urls := make([]string, len(c.Endpoints))
	for i, e := range c.Endpoints {
		urls[i] = e.BaseURL
	}
	return urls, true
}

// AddEndpoint adds baseURL (normalized) to chain's endpoint set,
// deduplicated, preserving insertion order (§3 invariant).
func (s *Store) AddEndpoint(chain, baseURL string) bool {
	norm := netutil.Normalize(baseURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chain]
	if !ok {
		return false
	}
	added := c.AddEndpoint(norm)
	if added {
		c.LastUpdated = time.Now()
	}
	return added
}
