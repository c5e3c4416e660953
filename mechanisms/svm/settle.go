package svm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	facilitator "github.com/openfacilitator/facilitator"
	svmsigner "github.com/openfacilitator/facilitator/signers/svm"
)

// RPCClient is the slice of the Solana RPC surface the executor uses.
// *rpc.Client satisfies it.
type RPCClient interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// ClientDialer opens an RPCClient for one cluster.
type ClientDialer func(cfg NetworkConfig) RPCClient

// DialClient is the production dialer.
func DialClient(cfg NetworkConfig) RPCClient {
	return rpc.New(cfg.RPCURL())
}

// Executor settles payer-signed Solana transactions. It implements
// facilitator.ChainExecutor.
//
// Broadcast is fire-and-forget: Solana confirms in well under a second at
// confirmed commitment, and the transaction carries the payer's signature
// over its exact contents, so the worst failure mode is an expired
// blockhash, not a double spend.
type Executor struct {
	dial ClientDialer

	mu      sync.Mutex
	clients map[string]RPCClient
}

// NewExecutor builds an Executor. A nil dialer uses the real RPC client.
func NewExecutor(dial ClientDialer) *Executor {
	if dial == nil {
		dial = DialClient
	}
	return &Executor{
		dial:    dial,
		clients: make(map[string]RPCClient),
	}
}

// Settle co-signs the payment transaction as fee payer when it names our
// signer, then broadcasts it with preflight disabled.
func (e *Executor) Settle(ctx context.Context, job facilitator.SettleJob) facilitator.SettleResponse {
	fail := func(msg string) facilitator.SettleResponse {
		return facilitator.SettleResponse{Success: false, ErrorMessage: msg, Network: string(job.Network)}
	}

	cfg, err := ConfigForNetwork(string(job.Network))
	if err != nil {
		return fail(err.Error())
	}

	signer, err := svmsigner.ParsePrivateKey(job.SignerKey)
	if err != nil {
		return fail(fmt.Sprintf("invalid signer key: %v", err))
	}

	tx, err := DecodeTransaction(job.Transaction)
	if err != nil {
		return fail(err.Error())
	}
	if len(tx.Message.AccountKeys) == 0 {
		return fail("transaction has no accounts")
	}

	client := e.client(cfg)

	// Older clients build the transaction before fetching a blockhash.
	if tx.Message.RecentBlockhash == (solana.Hash{}) {
		recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		if err != nil {
			return fail(fmt.Sprintf("fetching blockhash: %v", err))
		}
		tx.Message.RecentBlockhash = recent.Value.Blockhash
	}

	// The first account is the fee payer. Only co-sign when the client
	// built the transaction against our signer; anything else would make
	// us pay fees for a transaction we never agreed to fund.
	feePayer := tx.Message.AccountKeys[0]
	if feePayer.Equals(signer.PublicKey()) {
		if err := signer.SignTransaction(tx); err != nil {
			return fail(fmt.Sprintf("co-signing: %v", err))
		}
	}

	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		// Some RPC providers report an error after the transaction has
		// already entered the leader's queue. When a signature came back
		// anyway, report it as likely settled rather than failed.
		if sig != (solana.Signature{}) {
			log.Printf("[SVM] broadcast on %s errored but returned signature %s: %v", cfg.Name, sig, err)
			return facilitator.SettleResponse{
				Success:         true,
				TransactionHash: sig.String(),
				Network:         string(job.Network),
				MaybeSettled:    true,
			}
		}
		return fail(fmt.Sprintf("broadcast failed: %v", err))
	}

	log.Printf("[SVM] broadcast %s on %s", sig, cfg.Name)
	return facilitator.SettleResponse{
		Success:         true,
		TransactionHash: sig.String(),
		Network:         string(job.Network),
	}
}

// WalletBalance returns the signer's lamport balance on a cluster.
func (e *Executor) WalletBalance(ctx context.Context, network, address string) (uint64, error) {
	cfg, err := ConfigForNetwork(network)
	if err != nil {
		return 0, err
	}
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %w", err)
	}
	result, err := e.client(cfg).GetBalance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, err
	}
	return result.Value, nil
}

// TokenBalance returns owner's balance of an SPL token in base units, read
// from the associated token account. An empty mint defaults to the
// cluster's USDC mint.
func (e *Executor) TokenBalance(ctx context.Context, network, owner, mint string) (string, error) {
	cfg, err := ConfigForNetwork(network)
	if err != nil {
		return "", err
	}
	if mint == "" {
		mint = cfg.USDCMint
	}
	ownerPub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("invalid owner address: %w", err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint address: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerPub, mintPub)
	if err != nil {
		return "", fmt.Errorf("deriving token account: %w", err)
	}
	result, err := e.client(cfg).GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return "", err
	}
	if result.Value == nil {
		return "0", nil
	}
	return result.Value.Amount, nil
}

// DecodeTransaction parses a serialized transaction, trying base64 first
// and falling back to base58. Both legacy and versioned message formats
// decode through the same path.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty transaction")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base58.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("transaction is neither base64 nor base58")
		}
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed transaction: %w", err)
	}
	return tx, nil
}

func (e *Executor) client(cfg NetworkConfig) RPCClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[cfg.Name]; ok {
		return c
	}
	c := e.dial(cfg)
	e.clients[cfg.Name] = c
	return c
}
