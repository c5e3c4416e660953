package facilitator

import (
	"strconv"
	"strings"
)

// Network is a blockchain network identifier. Both short names ("base",
// "solana-devnet") and CAIP-2 identifiers ("eip155:8453",
// "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1") are accepted.
type Network string

// ChainKind is the closed set of chain families this facilitator can
// dispatch to. The kind is resolved once at the orchestrator boundary and
// passed as a typed value into the executors.
type ChainKind int

const (
	ChainKindUnknown ChainKind = iota
	ChainKindEVM
	ChainKindSolana
)

func (k ChainKind) String() string {
	switch k {
	case ChainKindEVM:
		return "evm"
	case ChainKindSolana:
		return "svm"
	default:
		return "unknown"
	}
}

// networkChainIDs maps short network names to EVM chain IDs.
var networkChainIDs = map[string]int64{
	"avalanche":       43114,
	"avalanche-fuji":  43113,
	"base":            8453,
	"base-sepolia":    84532,
	"ethereum":        1,
	"sepolia":         11155111,
	"iotex":           4689,
	"peaq":            3338,
	"polygon":         137,
	"polygon-amoy":    80002,
	"sei":             1329,
	"sei-testnet":     1328,
	"xlayer":          196,
	"xlayer-testnet":  195,
}

// chainIDNetworks is the inverse of networkChainIDs.
var chainIDNetworks = func() map[int64]Network {
	m := make(map[int64]Network, len(networkChainIDs))
	for name, id := range networkChainIDs {
		m[id] = Network(name)
	}
	return m
}()

// solanaNetworks is the set of short Solana network names.
var solanaNetworks = map[string]bool{
	"solana":         true,
	"solana-mainnet": true,
	"solana-devnet":  true,
}

// Kind resolves the chain family for this network.
func (n Network) Kind() ChainKind {
	s := strings.ToLower(string(n))
	if solanaNetworks[s] || strings.HasPrefix(s, "solana:") {
		return ChainKindSolana
	}
	if _, ok := networkChainIDs[s]; ok {
		return ChainKindEVM
	}
	if strings.HasPrefix(s, "eip155:") {
		return ChainKindEVM
	}
	return ChainKindUnknown
}

// ChainID returns the EVM chain ID for this network. The second return is
// false for Solana networks and unknown names.
func (n Network) ChainID() (int64, bool) {
	s := strings.ToLower(string(n))
	if id, ok := networkChainIDs[s]; ok {
		return id, true
	}
	if ref, ok := strings.CutPrefix(s, "eip155:"); ok {
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// NetworkForChainID returns the short network name for an EVM chain ID.
func NetworkForChainID(chainID int64) (Network, bool) {
	n, ok := chainIDNetworks[chainID]
	return n, ok
}

// KnownTokens holds well-known token addresses keyed by symbol, then chain ID.
var KnownTokens = map[string]map[int64]string{
	"USDC": {
		8453:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		84532:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		1:        "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		11155111: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	},
	"WETH": {
		8453:     "0x4200000000000000000000000000000000000006",
		84532:    "0x4200000000000000000000000000000000000006",
		1:        "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		11155111: "0x7b79995e5f793A07Bc00c21412e50Ecae098E7f9",
	},
}

// DefaultTokens is the token set a freshly configured facilitator serves.
var DefaultTokens = []TokenConfig{
	{Address: KnownTokens["USDC"][8453], Symbol: "USDC", Decimals: 6, ChainID: 8453},
	{Address: KnownTokens["USDC"][84532], Symbol: "USDC", Decimals: 6, ChainID: 84532},
}

// TokensForChain returns the configured tokens for one chain.
func TokensForChain(tokens []TokenConfig, chainID int64) []TokenConfig {
	var out []TokenConfig
	for _, t := range tokens {
		if t.ChainID == chainID {
			out = append(out, t)
		}
	}
	return out
}
