package evm

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	facilitator "github.com/openfacilitator/facilitator"
	evmsigner "github.com/openfacilitator/facilitator/signers/evm"
)

// Executor settles ERC-3009 authorizations on EVM chains. It implements
// facilitator.ChainExecutor.
//
// One Executor serves every configured chain; backends are dialed lazily
// and cached per chain ID.
type Executor struct {
	dedup  *DedupCache
	nonces *NonceManager
	dial   BackendDialer

	receiptTimeout time.Duration
	pollInterval   time.Duration

	mu       sync.Mutex
	backends map[int64]Backend
}

// ExecutorConfig wires an Executor. Zero fields take defaults; tests
// shorten the receipt timings and substitute Dial.
type ExecutorConfig struct {
	Dedup               *DedupCache
	Nonces              *NonceManager
	Dial                BackendDialer
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// NewExecutor builds an Executor from cfg.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		dedup:          cfg.Dedup,
		nonces:         cfg.Nonces,
		dial:           cfg.Dial,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.ReceiptPollInterval,
		backends:       make(map[int64]Backend),
	}
	if e.dedup == nil {
		e.dedup = NewDedupCache(DedupTTL, DedupSweepInterval)
	}
	if e.nonces == nil {
		e.nonces = NewNonceManager()
	}
	if e.dial == nil {
		e.dial = DialBackend
	}
	if e.receiptTimeout <= 0 {
		e.receiptTimeout = ReceiptTimeout
	}
	if e.pollInterval <= 0 {
		e.pollInterval = ReceiptPollInterval
	}
	return e
}

// Dedup exposes the dedup cache so the host can start and stop its sweeper.
func (e *Executor) Dedup() *DedupCache { return e.dedup }

// Settle broadcasts a transferWithAuthorization call carrying the payer's
// signed authorization and waits for its receipt.
func (e *Executor) Settle(ctx context.Context, job facilitator.SettleJob) facilitator.SettleResponse {
	fail := func(msg string) facilitator.SettleResponse {
		return facilitator.SettleResponse{Success: false, ErrorMessage: msg, Network: string(job.Network)}
	}

	cfg, err := ConfigForChain(job.ChainID)
	if err != nil {
		return fail(err.Error())
	}
	if job.Authorization == nil {
		return fail(facilitator.ReasonInvalidPayload)
	}

	signer, err := evmsigner.ParsePrivateKey(job.SignerKey)
	if err != nil {
		return fail(fmt.Sprintf("invalid signer key: %v", err))
	}

	attemptID := uuid.NewString()
	auth := job.Authorization

	dedupKey := DedupKey(job.ChainID, auth.From, auth.Nonce)
	if !e.dedup.TryAcquire(dedupKey) {
		log.Printf("[EVM] %s rejected duplicate authorization %s", attemptID, dedupKey)
		return fail(facilitator.ReasonDuplicateSubmission)
	}

	backend, err := e.backend(ctx, cfg)
	if err != nil {
		e.dedup.Release(dedupKey)
		return fail(fmt.Sprintf("dialing %s: %v", cfg.Name, err))
	}

	calldata, err := packTransferWithAuthorization(auth, job.Signature)
	if err != nil {
		e.dedup.Release(dedupKey)
		return fail(err.Error())
	}

	tip, maxFee, err := suggestFees(ctx, backend)
	if err != nil {
		e.dedup.Release(dedupKey)
		return fail(fmt.Sprintf("reading gas fees: %v", err))
	}

	balance, err := backend.BalanceAt(ctx, signer.Address, nil)
	if err != nil {
		e.dedup.Release(dedupKey)
		return fail(fmt.Sprintf("reading signer balance: %v", err))
	}
	worstCase := new(big.Int).Mul(new(big.Int).SetUint64(SettlementGasLimit), maxFee)
	if balance.Cmp(worstCase) < 0 {
		e.dedup.Release(dedupKey)
		return fail(fmt.Sprintf("%s: have %s, need %s", facilitator.ReasonInsufficientGas, balance, worstCase))
	}

	nonceKey := NonceKey(job.ChainID, signer.Address.Hex())
	if err := e.nonces.Lock(ctx, nonceKey); err != nil {
		e.dedup.Release(dedupKey)
		return fail(fmt.Sprintf("acquiring nonce lock: %v", err))
	}

	tx, err := e.submit(ctx, backend, cfg, signer, nonceKey, calldata, job, tip, maxFee, attemptID)
	e.nonces.Unlock(nonceKey)
	if err != nil {
		e.dedup.Release(dedupKey)
		return fail(err.Error())
	}

	log.Printf("[EVM] %s broadcast %s on %s (nonce %d)", attemptID, tx.Hash(), cfg.Name, tx.Nonce())
	return e.awaitReceipt(ctx, backend, cfg, signer, nonceKey, dedupKey, tx, job, attemptID)
}

// submit runs the bounded send loop: assign a nonce, sign, broadcast, and
// on recoverable errors resync or bump fees and go again.
func (e *Executor) submit(
	ctx context.Context,
	backend Backend,
	cfg ChainConfig,
	signer *evmsigner.Signer,
	nonceKey string,
	calldata []byte,
	job facilitator.SettleJob,
	tip, maxFee *big.Int,
	attemptID string,
) (*types.Transaction, error) {
	fetchPending := func(ctx context.Context) (uint64, error) {
		return backend.PendingNonceAt(ctx, signer.Address)
	}

	asset := common.HexToAddress(job.Asset)
	var lastErr error

	for attempt := 1; attempt <= MaxSendAttempts; attempt++ {
		nonce, err := e.nonces.Next(ctx, nonceKey, fetchPending)
		if err != nil {
			return nil, err
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(job.ChainID),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: maxFee,
			Gas:       SettlementGasLimit,
			To:        &asset,
			Data:      calldata,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(job.ChainID)), signer.Key)
		if err != nil {
			return nil, fmt.Errorf("signing transaction: %w", err)
		}

		err = backend.SendTransaction(ctx, signed)
		if err == nil {
			e.nonces.Advance(nonceKey, nonce)
			return signed, nil
		}
		lastErr = err

		switch classifySendError(err) {
		case sendErrNonceTooLow:
			pending, ferr := fetchPending(ctx)
			if ferr != nil {
				return nil, fmt.Errorf("resyncing nonce after %q: %w", err, ferr)
			}
			e.nonces.Sync(nonceKey, pending)
			log.Printf("[EVM] %s attempt %d: nonce %d too low, resynced to %d", attemptID, attempt, nonce, pending)
		case sendErrUnderpriced:
			tip = bumpFee(tip)
			maxFee = bumpFee(maxFee)
			log.Printf("[EVM] %s attempt %d: underpriced, bumped maxFee to %s", attemptID, attempt, maxFee)
		default:
			return nil, fmt.Errorf("broadcast failed: %w", err)
		}
	}
	return nil, fmt.Errorf("broadcast failed after %d attempts: %w", MaxSendAttempts, lastErr)
}

// awaitReceipt polls for the receipt until confirmation or timeout.
func (e *Executor) awaitReceipt(
	ctx context.Context,
	backend Backend,
	cfg ChainConfig,
	signer *evmsigner.Signer,
	nonceKey, dedupKey string,
	tx *types.Transaction,
	job facilitator.SettleJob,
	attemptID string,
) facilitator.SettleResponse {
	deadline := time.NewTimer(e.receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				e.dedup.MarkSettled(dedupKey)
				log.Printf("[EVM] %s confirmed %s in block %s", attemptID, tx.Hash(), receipt.BlockNumber)
				return facilitator.SettleResponse{
					Success:         true,
					TransactionHash: tx.Hash().Hex(),
					Network:         string(job.Network),
					GasUsed:         receipt.GasUsed,
				}
			}
			// Reverted on-chain. The authorization was not consumed, so
			// the key is released and a corrected resubmission can run.
			e.dedup.Release(dedupKey)
			reason := revertReason(ctx, backend, signer.Address, tx, receipt.BlockNumber)
			log.Printf("[EVM] %s reverted %s: %s", attemptID, tx.Hash(), reason)
			return facilitator.SettleResponse{
				Success:         false,
				TransactionHash: tx.Hash().Hex(),
				ErrorMessage:    fmt.Sprintf("transaction reverted: %s", reason),
				Network:         string(job.Network),
			}
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return e.reconcileAfterTimeout(ctx, backend, signer, nonceKey, dedupKey, tx, job, attemptID)
		case <-ctx.Done():
			// Treat caller cancellation like a timeout: the transaction
			// is out there and may still land.
			return e.reconcileAfterTimeout(context.WithoutCancel(ctx), backend, signer, nonceKey, dedupKey, tx, job, attemptID)
		}
	}
}

// reconcileAfterTimeout repairs the nonce cursor after an unconfirmed
// broadcast. The dedup entry is retained: the transaction may confirm
// after we stop watching, and a retry would pay twice.
func (e *Executor) reconcileAfterTimeout(
	ctx context.Context,
	backend Backend,
	signer *evmsigner.Signer,
	nonceKey, dedupKey string,
	tx *types.Transaction,
	job facilitator.SettleJob,
	attemptID string,
) facilitator.SettleResponse {
	e.dedup.MarkSettled(dedupKey)

	latest, pending, txKnown, err := e.observeAccount(ctx, backend, signer.Address, tx.Hash())
	if err != nil {
		// The cursor stays where it is rather than being rebased on a
		// value we never saw.
		log.Printf("[EVM] %s reconcile skipped, account state unavailable: %v", attemptID, err)
	} else if lockErr := e.nonces.Lock(ctx, nonceKey); lockErr != nil {
		log.Printf("[EVM] %s reconcile skipped: %v", attemptID, lockErr)
	} else {
		target := pending
		if !txKnown || latest == pending {
			// The transaction was dropped, or nothing of ours is in
			// flight anymore. Rebase on confirmed state.
			target = latest
		}
		if _, rerr := e.nonces.ForceReset(ctx, nonceKey, func(context.Context) (uint64, error) {
			return target, nil
		}); rerr != nil {
			log.Printf("[EVM] %s reconcile failed: %v", attemptID, rerr)
		} else {
			log.Printf("[EVM] %s reconciled cursor to %d (tx known: %v, latest %d, pending %d)",
				attemptID, target, txKnown, latest, pending)
		}
		e.nonces.Unlock(nonceKey)
	}

	return facilitator.SettleResponse{
		Success:         false,
		TransactionHash: tx.Hash().Hex(),
		ErrorMessage:    fmt.Sprintf("settlement not confirmed within %s", e.receiptTimeout),
		Network:         string(job.Network),
		MaybeSettled:    true,
	}
}

func (e *Executor) observeAccount(ctx context.Context, backend Backend, addr common.Address, hash common.Hash) (latest, pending uint64, txKnown bool, err error) {
	latest, err = backend.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, 0, false, err
	}
	pending, err = backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, 0, false, err
	}
	_, _, txErr := backend.TransactionByHash(ctx, hash)
	return latest, pending, txErr == nil, nil
}

// NonceStatus is the admin view of one signer's nonce coordination state.
type NonceStatus struct {
	Key          string `json:"key"`
	Cursor       uint64 `json:"cursor"`
	Seeded       bool   `json:"seeded"`
	ChainLatest  uint64 `json:"chainLatest"`
	ChainPending uint64 `json:"chainPending"`
}

// GetNonceStatus reports the local cursor alongside the chain's view, for
// diagnosing a wedged signer account.
func (e *Executor) GetNonceStatus(ctx context.Context, chainID int64, signerAddr string) (NonceStatus, error) {
	cfg, err := ConfigForChain(chainID)
	if err != nil {
		return NonceStatus{}, err
	}
	backend, err := e.backend(ctx, cfg)
	if err != nil {
		return NonceStatus{}, err
	}
	addr := common.HexToAddress(signerAddr)
	latest, err := backend.NonceAt(ctx, addr, nil)
	if err != nil {
		return NonceStatus{}, err
	}
	pending, err := backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return NonceStatus{}, err
	}
	key := NonceKey(chainID, signerAddr)
	cursor, seeded := e.nonces.Cursor(key)
	return NonceStatus{
		Key:          key,
		Cursor:       cursor,
		Seeded:       seeded,
		ChainLatest:  latest,
		ChainPending: pending,
	}, nil
}

// ForceResetNonce rebases a signer's cursor on the chain's confirmed nonce.
func (e *Executor) ForceResetNonce(ctx context.Context, chainID int64, signerAddr string) (uint64, error) {
	cfg, err := ConfigForChain(chainID)
	if err != nil {
		return 0, err
	}
	backend, err := e.backend(ctx, cfg)
	if err != nil {
		return 0, err
	}
	addr := common.HexToAddress(signerAddr)
	key := NonceKey(chainID, signerAddr)
	if err := e.nonces.Lock(ctx, key); err != nil {
		return 0, err
	}
	defer e.nonces.Unlock(key)
	return e.nonces.ForceReset(ctx, key, func(ctx context.Context) (uint64, error) {
		return backend.NonceAt(ctx, addr, nil)
	})
}

// WalletBalance returns the native balance of addr on a chain.
func (e *Executor) WalletBalance(ctx context.Context, chainID int64, addr string) (*big.Int, error) {
	cfg, err := ConfigForChain(chainID)
	if err != nil {
		return nil, err
	}
	backend, err := e.backend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return backend.BalanceAt(ctx, common.HexToAddress(addr), nil)
}

// TokenBalance returns addr's balance of an ERC-20 token.
func (e *Executor) TokenBalance(ctx context.Context, chainID int64, token, addr string) (*big.Int, error) {
	cfg, err := ConfigForChain(chainID)
	if err != nil {
		return nil, err
	}
	backend, err := e.backend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(string(erc20BalanceOfABI)))
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	results, err := parsed.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", results[0])
	}
	return balance, nil
}

func (e *Executor) backend(ctx context.Context, cfg ChainConfig) (Backend, error) {
	e.mu.Lock()
	if b, ok := e.backends[cfg.ChainID]; ok {
		e.mu.Unlock()
		return b, nil
	}
	e.mu.Unlock()

	b, err := e.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.backends[cfg.ChainID]; ok {
		return cached, nil
	}
	e.backends[cfg.ChainID] = b
	return b, nil
}

// suggestFees derives the EIP-1559 fee pair: tip with a 50% margin over the
// node's suggestion (floored at 1 gwei) and maxFee covering a 20% base fee
// rise plus the tip.
func suggestFees(ctx context.Context, backend Backend) (tip, maxFee *big.Int, err error) {
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	suggested, err := backend.SuggestGasTipCap(ctx)
	if err != nil || suggested == nil || suggested.Sign() == 0 {
		suggested = oneGwei
	}
	tip = applyPct(suggested, tipMarginPct)

	maxFee = applyPct(baseFee, baseFeeMarginPct)
	maxFee.Add(maxFee, tip)
	return tip, maxFee, nil
}

func applyPct(v, pct *big.Int) *big.Int {
	out := new(big.Int).Mul(v, pct)
	return out.Div(out, pctDenominator)
}

func bumpFee(v *big.Int) *big.Int {
	return applyPct(v, feeBumpPct)
}

type sendErrClass int

const (
	sendErrFatal sendErrClass = iota
	sendErrNonceTooLow
	sendErrUnderpriced
)

func classifySendError(err error) sendErrClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce is too low"):
		return sendErrNonceTooLow
	case strings.Contains(msg, "underpriced"):
		return sendErrUnderpriced
	default:
		return sendErrFatal
	}
}

// packTransferWithAuthorization encodes the EIP-3009 call from a decoded
// authorization and its 65-byte EIP-712 signature.
func packTransferWithAuthorization(auth *facilitator.Authorization, signature string) ([]byte, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(signature))
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("malformed authorization value %q", auth.Value)
	}

	parsed, err := abi.JSON(strings.NewReader(string(transferWithAuthorizationABI)))
	if err != nil {
		return nil, fmt.Errorf("parsing ABI: %w", err)
	}
	return parsed.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(int64(auth.ValidAfter)),
		big.NewInt(int64(auth.ValidBefore)),
		[32]byte(common.HexToHash(auth.Nonce)),
		v,
		r,
		s,
	)
}

// revertReason replays the settlement call at the failing block to surface
// the revert string. Best effort; nodes without archive state return
// nothing useful.
func revertReason(ctx context.Context, backend Backend, from common.Address, tx *types.Transaction, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{
		From:      from,
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}
	_, err := backend.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return "unknown revert"
	}
	reason := err.Error()
	if idx := strings.Index(reason, "execution reverted"); idx >= 0 {
		reason = strings.TrimSpace(strings.TrimPrefix(reason[idx:], "execution reverted"))
		reason = strings.TrimPrefix(reason, ":")
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return "execution reverted"
		}
	}
	return reason
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
