package crawler

import "time"

// StatusResponse is the explicit shape of a Tendermint-style /status
// response. §9's design note replaces the source's nullable
// map[string]any traversal with tagged structs: a missing required
// field is a decode failure, handled identically to a non-2xx (§7).
type StatusResponse struct {
	Result struct {
		NodeInfo struct {
			Network string `json:"network"`
			Other   struct {
				RPCAddress string `json:"rpc_address"`
			} `json:"other"`
		} `json:"node_info"`
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
			LatestBlockTime   string `json:"latest_block_time"`
			CatchingUp        bool   `json:"catching_up"`
		} `json:"sync_info"`
	} `json:"result"`
}

// NetInfoResponse is the explicit shape of a /net_info response.
type NetInfoResponse struct {
	Result struct {
		NPeers string        `json:"n_peers"`
		Peers  []NetInfoPeer `json:"peers"`
	} `json:"result"`
}

// NetInfoPeer is one entry of /net_info's peer list. §4.5 step 5 derives
// crawl candidates from three of its fields: listen_addr, other.rpc_address,
// and remote_ip.
type NetInfoPeer struct {
	NodeInfo struct {
		ListenAddr string `json:"listen_addr"`
		Network    string `json:"network"`
		Other      struct {
			RPCAddress string `json:"rpc_address"`
		} `json:"other"`
	} `json:"node_info"`
	RemoteIP string `json:"remote_ip"`
}

// Valid reports whether the required fields for crawl decisions are
// present. An empty network name means the response cannot be trusted
// to assert chain identity.
func (s *StatusResponse) Valid() bool {
	return s.Result.NodeInfo.Network != ""
}

// maxBlockTimeSkew is the §4.5 step 3 freshness tolerance: a node whose
// latest block is older than this relative to "now" is treated as stale
// even though it answered /status with a 200.
const maxBlockTimeSkew = 60 * time.Second

// Fresh reports whether sync_info.latest_block_time falls within
// maxBlockTimeSkew of now. An unparseable timestamp is treated as stale
// rather than trusted.
func (s *StatusResponse) Fresh(now time.Time) bool {
	t, err := time.Parse(time.RFC3339Nano, s.Result.SyncInfo.LatestBlockTime)
	if err != nil {
		return false
	}
	skew := now.Sub(t)
	if skew < 0 {
		skew = -skew
	}
	return skew <= maxBlockTimeSkew
}
