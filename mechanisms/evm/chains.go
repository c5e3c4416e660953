package evm

import (
	"fmt"
	"os"
)

// ChainConfig holds the connection details for one EVM chain.
type ChainConfig struct {
	ChainID int64
	Name    string
	// RPCEnv is the environment variable that overrides the default RPC
	// endpoint for this chain.
	RPCEnv     string
	DefaultRPC string
}

// RPCURL returns the endpoint to dial, preferring the env override.
func (c ChainConfig) RPCURL() string {
	if url := os.Getenv(c.RPCEnv); url != "" {
		return url
	}
	return c.DefaultRPC
}

// chainConfigs lists every chain this executor can settle on. Defaults are
// public endpoints; production deployments set the env overrides.
var chainConfigs = map[int64]ChainConfig{
	1:        {ChainID: 1, Name: "ethereum", RPCEnv: "ETHEREUM_RPC_URL", DefaultRPC: "https://eth.llamarpc.com"},
	11155111: {ChainID: 11155111, Name: "sepolia", RPCEnv: "SEPOLIA_RPC_URL", DefaultRPC: "https://ethereum-sepolia-rpc.publicnode.com"},
	8453:     {ChainID: 8453, Name: "base", RPCEnv: "BASE_RPC_URL", DefaultRPC: "https://mainnet.base.org"},
	84532:    {ChainID: 84532, Name: "base-sepolia", RPCEnv: "BASE_SEPOLIA_RPC_URL", DefaultRPC: "https://sepolia.base.org"},
	43114:    {ChainID: 43114, Name: "avalanche", RPCEnv: "AVALANCHE_RPC_URL", DefaultRPC: "https://api.avax.network/ext/bc/C/rpc"},
	43113:    {ChainID: 43113, Name: "avalanche-fuji", RPCEnv: "AVALANCHE_FUJI_RPC_URL", DefaultRPC: "https://api.avax-test.network/ext/bc/C/rpc"},
	137:      {ChainID: 137, Name: "polygon", RPCEnv: "POLYGON_RPC_URL", DefaultRPC: "https://polygon-rpc.com"},
	80002:    {ChainID: 80002, Name: "polygon-amoy", RPCEnv: "POLYGON_AMOY_RPC_URL", DefaultRPC: "https://rpc-amoy.polygon.technology"},
	4689:     {ChainID: 4689, Name: "iotex", RPCEnv: "IOTEX_RPC_URL", DefaultRPC: "https://babel-api.mainnet.iotex.io"},
	3338:     {ChainID: 3338, Name: "peaq", RPCEnv: "PEAQ_RPC_URL", DefaultRPC: "https://peaq.api.onfinality.io/public"},
	1329:     {ChainID: 1329, Name: "sei", RPCEnv: "SEI_RPC_URL", DefaultRPC: "https://evm-rpc.sei-apis.com"},
	1328:     {ChainID: 1328, Name: "sei-testnet", RPCEnv: "SEI_TESTNET_RPC_URL", DefaultRPC: "https://evm-rpc-testnet.sei-apis.com"},
	196:      {ChainID: 196, Name: "xlayer", RPCEnv: "XLAYER_RPC_URL", DefaultRPC: "https://rpc.xlayer.tech"},
	195:      {ChainID: 195, Name: "xlayer-testnet", RPCEnv: "XLAYER_TESTNET_RPC_URL", DefaultRPC: "https://testrpc.xlayer.tech"},
}

// ConfigForChain looks up the chain config for a chain ID.
func ConfigForChain(chainID int64) (ChainConfig, error) {
	cfg, ok := chainConfigs[chainID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("unsupported chain id %d", chainID)
	}
	return cfg, nil
}

// SupportedChainIDs returns the chain IDs this executor knows how to reach.
func SupportedChainIDs() []int64 {
	ids := make([]int64, 0, len(chainConfigs))
	for id := range chainConfigs {
		ids = append(ids, id)
	}
	return ids
}
