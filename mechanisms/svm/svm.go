// Package svm settles pre-built, payer-signed Solana transactions by
// co-signing as fee payer and broadcasting them.
package svm

import (
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go/rpc"
)

// NetworkConfig holds the connection details for one Solana cluster.
type NetworkConfig struct {
	Name       string
	RPCEnv     string
	DefaultRPC string
	USDCMint   string
}

// RPCURL returns the endpoint to dial, preferring the env override.
func (c NetworkConfig) RPCURL() string {
	if url := os.Getenv(c.RPCEnv); url != "" {
		return url
	}
	return c.DefaultRPC
}

var networkConfigs = map[string]NetworkConfig{
	"solana": {
		Name:       "solana",
		RPCEnv:     "SOLANA_RPC_URL",
		DefaultRPC: rpc.MainNetBeta_RPC,
		USDCMint:   "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	},
	"solana-devnet": {
		Name:       "solana-devnet",
		RPCEnv:     "SOLANA_DEVNET_RPC_URL",
		DefaultRPC: rpc.DevNet_RPC,
		USDCMint:   "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
	},
}

// ConfigForNetwork resolves a Solana network name, accepting both short
// names and CAIP-2 identifiers.
func ConfigForNetwork(network string) (NetworkConfig, error) {
	switch network {
	case "solana", "solana-mainnet", "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp":
		return networkConfigs["solana"], nil
	case "solana-devnet", "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1":
		return networkConfigs["solana-devnet"], nil
	}
	return NetworkConfig{}, fmt.Errorf("unsupported solana network %q", network)
}
