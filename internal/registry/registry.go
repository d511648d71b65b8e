// Package registry fetches chain seed data from the public Cosmos
// chain-registry (§6 "Outbound HTTP"). It is a thin, rate-limited
// HTTP+JSON client; it does not decide what to do with the data it
// fetches — that belongs to the scheduler's registry-refresh task.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Polqt/chainlb/internal/chainmodel"
	"github.com/Polqt/chainlb/internal/netutil"
)

const (
	rawContentBase = "https://raw.githubusercontent.com/cosmos/chain-registry/master"
	contentsAPI    = "https://api.github.com/repos/cosmos/chain-registry/contents"
)

// Entry is the subset of a chain-registry chain.json this proxy needs.
type Entry struct {
	ChainName    string `json:"chain_name"`
	ChainID      string `json:"chain_id"`
	Bech32Prefix string `json:"bech32_prefix"`
	APIs         struct {
		RPC []struct {
			Address  string `json:"address"`
			Provider string `json:"provider"`
		} `json:"rpc"`
	} `json:"apis"`
}

// Client fetches chain-registry content, rate-limited to be polite to
// GitHub's anonymous API quota (one request per second, with bursts of
// up to two).
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	pat     string
}

// New builds a Client. pat, if non-empty, is sent as a GitHub personal
// access token (raises the anonymous rate limit).
func New(pat string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		pat:     pat,
	}
}

// ListChainNames fetches the top-level directory listing of the
// chain-registry repository and returns the chain directory names.
func (c *Client) ListChainNames(ctx context.Context) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentsAPI, nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: list chains: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: list chains: unexpected status %d", resp.StatusCode)
	}

	var items []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("registry: decode listing: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		if it.Type == "dir" && !isReservedDir(it.Name) {
			names = append(names, it.Name)
		}
	}
	return names, nil
}

func isReservedDir(name string) bool {
	switch name {
	case ".github", "testnets", "_IBC", "_non-cosmos", "_scripts":
		return true
	default:
		return false
	}
}

// FetchChain fetches and decodes {chain}/chain.json.
func (c *Client) FetchChain(ctx context.Context, chainName string) (*Entry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s/chain.json", rawContentBase, chainName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %s: %w", chainName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: fetch %s: unexpected status %d", chainName, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", chainName, err)
	}
	return &e, nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.pat != "" {
		req.Header.Set("Authorization", "token "+c.pat)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}

// ToChain converts a registry Entry into the catalog's Chain shape,
// seeding one endpoint per advertised RPC address.
func ToChain(e *Entry) *chainmodel.Chain {
	c := &chainmodel.Chain{
		Name:           e.ChainName,
		ChainID:        e.ChainID,
		Bech32Prefix:   e.Bech32Prefix,
		LastUpdated:    time.Now(),
		DefaultTimeout: 10 * time.Second,
	}
	for _, rpc := range e.APIs.RPC {
		c.AddEndpoint(netutil.Normalize(rpc.Address))
	}
	return c
}
