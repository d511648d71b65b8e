// Package netutil holds URL normalization and host-filtering helpers
// shared by the crawler, the registry client, storage and the server.
package netutil

import (
	"net"
	"regexp"
	"strings"
)

// Normalize canonicalizes a base URL: lower-cases the host, strips a
// trailing slash, and leaves scheme and port untouched. It is idempotent:
// Normalize(Normalize(u)) == Normalize(u).
//
// Per §8 invariant 7: Normalize("https://Host.Example.COM/") ==
// Normalize("https://host.example.com").
func Normalize(rawURL string) string {
	u := strings.TrimSpace(rawURL)
	u = strings.TrimSuffix(u, "/")

	schemeIdx := strings.Index(u, "://")
	if schemeIdx < 0 {
		return strings.ToLower(u)
	}
	scheme := u[:schemeIdx]
	rest := u[schemeIdx+3:]
	return scheme + "://" + strings.ToLower(rest)
}

// SplitHostPort returns the lower-cased host and explicit port (empty if
// none) for a normalized base URL, ignoring scheme.
func SplitHostPort(baseURL string) (host, port string) {
	rest := baseURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	rest = strings.TrimSuffix(rest, "/")
	if idx := strings.LastIndex(rest, ":"); idx >= 0 && !strings.Contains(rest[idx:], "]") {
		return rest[:idx], rest[idx+1:]
	}
	return rest, ""
}

// permissive IPv4 matcher: the source tolerates leading zeros in octets
// (e.g. "001.002.003.004"); kept here as a known-sloppy compatibility
// behavior rather than fixed, per the design notes' Open Question on this.
var ipv4Permissive = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// IsDisallowedPeerHost reports whether host must be dropped by the
// crawler's peer filter: 0.0.0.0, 127.0.0.1, localhost (any case), any
// RFC1918 private IPv4 range, or any IPv6 literal.
//
// Satisfies §8 invariant 4.
func IsDisallowedPeerHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.Trim(h, "[]")
	switch h {
	case "0.0.0.0", "127.0.0.1", "localhost":
		return true
	}
	if strings.Contains(h, ":") {
		// Any colon left after stripping brackets means an IPv6 literal.
		return true
	}
	if !ipv4Permissive.MatchString(h) {
		return false
	}
	ip := net.ParseIP(normalizeLeadingZeros(h))
	if ip == nil {
		return false
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// normalizeLeadingZeros strips leading zeros from each IPv4 octet so
// net.ParseIP (which rejects them) can still classify permissively
// accepted addresses like "010.000.000.001".
func normalizeLeadingZeros(h string) string {
	parts := strings.Split(h, ".")
	if len(parts) != 4 {
		return h
	}
	for i, p := range parts {
		trimmed := strings.TrimLeft(p, "0")
		if trimmed == "" {
			trimmed = "0"
		}
		parts[i] = trimmed
	}
	return strings.Join(parts, ".")
}
