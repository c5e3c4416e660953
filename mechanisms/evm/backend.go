package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the slice of the Ethereum JSON-RPC surface the settlement
// executor touches. *ethclient.Client satisfies it; tests supply a mock.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BackendDialer opens a Backend for one chain. The default implementation
// dials the chain's configured RPC endpoint; tests substitute a canned
// backend per chain.
type BackendDialer func(ctx context.Context, cfg ChainConfig) (Backend, error)

// DialBackend is the production dialer.
func DialBackend(ctx context.Context, cfg ChainConfig) (Backend, error) {
	return ethclient.DialContext(ctx, cfg.RPCURL())
}
