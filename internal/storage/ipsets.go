package storage

import (
	"sort"
	"time"
)

func (s *Store) blacklistPath() string { return s.path("blacklisted_ips.json") }
func (s *Store) rejectedPath() string  { return s.path("rejected_ips.json") }
func (s *Store) goodPath() string      { return s.path("good_ips.json") }
func (s *Store) portsPath() string     { return s.path("ports.json") }

func (s *Store) path(name string) string {
	return s.dataDir + "/" + name
}

// LoadBlacklistedIPs reads the blacklist file into memory.
func (s *Store) LoadBlacklistedIPs() error {
	var m map[string]*BlacklistEntry
	ok, err := readJSON(s.blacklistPath(), &m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.blacklist = m
	} else if s.blacklist == nil {
		s.blacklist = make(map[string]*BlacklistEntry)
	}
	return nil
}

// SaveBlacklistedIPs writes the in-memory blacklist to disk.
func (s *Store) SaveBlacklistedIPs() error {
	s.mu.RLock()
	snapshot := s.blacklist
	s.mu.RUnlock()
	return writeAtomic(s.blacklistPath(), snapshot)
}

// LoadRejectedIPs reads the hard-ban set into memory.
func (s *Store) LoadRejectedIPs() error {
	var list []string
	ok, err := readJSON(s.rejectedPath(), &list)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.rejected = make(map[string]struct{}, len(list))
		for _, h := range list {
			s.rejected[h] = struct{}{}
		}
	} else if s.rejected == nil {
		s.rejected = make(map[string]struct{})
	}
	return nil
}

// SaveRejectedIPs writes the hard-ban set to disk.
func (s *Store) SaveRejectedIPs() error {
	s.mu.RLock()
	list := make([]string, 0, len(s.rejected))
	for h := range s.rejected {
		list = append(list, h)
	}
	s.mu.RUnlock()
	sort.Strings(list)
	return writeAtomic(s.rejectedPath(), list)
}

// LoadGoodIPs reads the known-good hostname set into memory.
func (s *Store) LoadGoodIPs() error {
	var list []string
	ok, err := readJSON(s.goodPath(), &list)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.good = make(map[string]struct{}, len(list))
		for _, h := range list {
			s.good[h] = struct{}{}
		}
	} else if s.good == nil {
		s.good = make(map[string]struct{})
	}
	return nil
}

// SaveGoodIPs writes the known-good hostname set to disk.
func (s *Store) SaveGoodIPs() error {
	s.mu.RLock()
	list := make([]string, 0, len(s.good))
	for h := range s.good {
		list = append(list, h)
	}
	s.mu.RUnlock()
	sort.Strings(list)
	return writeAtomic(s.goodPath(), list)
}

// LoadPorts reads the discovered-port set into memory, seeding the
// canonical defaults ({443, 26657}) if the file does not yet exist.
func (s *Store) LoadPorts() error {
	var list []int
	ok, err := readJSON(s.portsPath(), &list)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.ports = make(map[int]struct{}, len(list))
		for _, p := range list {
			s.ports[p] = struct{}{}
		}
	}
	if len(s.ports) == 0 {
		s.ports = map[int]struct{}{443: {}, 26657: {}}
	}
	return nil
}

// SavePorts writes the discovered-port set to disk.
func (s *Store) SavePorts() error {
	s.mu.RLock()
	list := make([]int, 0, len(s.ports))
	for p := range s.ports {
		list = append(list, p)
	}
	s.mu.RUnlock()
	sort.Ints(list)
	return writeAtomic(s.portsPath(), list)
}

// Ports returns the current discovered-port set.
func (s *Store) Ports() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]int, 0, len(s.ports))
	for p := range s.ports {
		list = append(list, p)
	}
	sort.Ints(list)
	return list
}

// AddPort records a newly discovered port.
func (s *Store) AddPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = struct{}{}
}

// RecordCrawlFailure increments hostname's consecutive failure count,
// promoting it to the rejected set once it reaches RejectionThreshold
// (§3, §4.5 step 8). Returns true if the host was (newly) rejected.
func (s *Store) RecordCrawlFailure(hostname string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.blacklist[hostname]
	if !ok {
		entry = &BlacklistEntry{FirstSeen: now}
		s.blacklist[hostname] = entry
	}
	entry.FailureCount++
	entry.LastSeen = now

	if entry.FailureCount >= RejectionThreshold {
		s.rejected[hostname] = struct{}{}
		return true
	}
	return false
}

// RecordCrawlSuccess clears hostname's blacklist entry and records it in
// the goodlist.
func (s *Store) RecordCrawlSuccess(hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blacklist, hostname)
	s.good[hostname] = struct{}{}
}

// IsRejectedHost satisfies balancer.Catalog and guards the crawler's
// probe step (§4.5 step 6/8).
func (s *Store) IsRejectedHost(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rejected[host]
	return ok
}

// CleanupBlacklist ages out entries older than maxAge whose failure
// count is below maxFailureCount (the scheduler's blacklist-cleanup
// task, §4.6, defaults: 6h / 5). Entries that have already crossed the
// rejection cutoff are never aged out here, and the rejected set is not
// modified; Store has no operation that removes a host from it. Returns
// the number of entries removed.
func (s *Store) CleanupBlacklist(maxAge time.Duration, maxFailureCount int) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for host, entry := range s.blacklist {
		if entry.FailureCount >= RejectionThreshold {
			continue
		}
		if entry.FailureCount < maxFailureCount && now.Sub(entry.LastSeen) > maxAge {
			delete(s.blacklist, host)
			removed++
		}
	}
	return removed
}
