package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/openfacilitator/facilitator"
	evmsigner "github.com/openfacilitator/facilitator/signers/evm"
)

// Throwaway dev key, never funded anywhere.
const testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

const testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

var testSignature = "0x" + strings.Repeat("11", 32) + strings.Repeat("22", 32) + "1b"

type mockBackend struct {
	mu sync.Mutex

	baseFee      *big.Int
	suggestedTip *big.Int
	balance      *big.Int
	pendingNonce uint64
	latestNonce  uint64

	// sendErrs is popped once per SendTransaction call; nil means accept.
	sendErrs []error
	sent     []*types.Transaction

	receiptStatus *uint64
	receiptGas    uint64

	txKnown  bool
	callErr  error
	nonceErr error
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		baseFee:      big.NewInt(1000),
		suggestedTip: big.NewInt(100),
		balance:      big.NewInt(1_000_000_000),
		pendingNonce: 5,
		latestNonce:  5,
	}
}

func (m *mockBackend) confirm(status uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiptStatus = &status
	m.receiptGas = 60000
}

func (m *mockBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(m.baseFee)}, nil
}

func (m *mockBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.suggestedTip), nil
}

func (m *mockBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance), nil
}

func (m *mockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingNonce, nil
}

func (m *mockBackend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonceErr != nil {
		return 0, m.nonceErr
	}
	return m.latestNonce, nil
}

func (m *mockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptStatus == nil {
		return nil, ethereum.NotFound
	}
	for _, tx := range m.sent {
		if tx.Hash() == txHash {
			return &types.Receipt{
				Status:      *m.receiptStatus,
				GasUsed:     m.receiptGas,
				BlockNumber: big.NewInt(123),
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (m *mockBackend) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.txKnown {
		return nil, false, ethereum.NotFound
	}
	for _, tx := range m.sent {
		if tx.Hash() == txHash {
			return tx, true, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (m *mockBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callErr != nil {
		return nil, m.callErr
	}
	return nil, nil
}

func newTestExecutor(backend *mockBackend) *Executor {
	return NewExecutor(ExecutorConfig{
		Dial: func(ctx context.Context, cfg ChainConfig) (Backend, error) {
			return backend, nil
		},
		ReceiptTimeout:      300 * time.Millisecond,
		ReceiptPollInterval: 10 * time.Millisecond,
	})
}

func testJob(authNonce string) facilitator.SettleJob {
	return facilitator.SettleJob{
		Network: "base-sepolia",
		ChainID: 84532,
		Asset:   testAsset,
		PayTo:   "0x2222222222222222222222222222222222222222",
		Authorization: &facilitator.Authorization{
			From:        "0x1111111111111111111111111111111111111111",
			To:          "0x2222222222222222222222222222222222222222",
			Value:       "10000",
			ValidAfter:  0,
			ValidBefore: 99999999999,
			Nonce:       authNonce,
		},
		Signature: testSignature,
		SignerKey: testSignerKey,
	}
}

func TestSettleConfirmed(t *testing.T) {
	backend := newMockBackend()
	backend.confirm(types.ReceiptStatusSuccessful)
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x01"))
	require.True(t, resp.Success, resp.ErrorMessage)
	assert.Equal(t, uint64(60000), resp.GasUsed)
	assert.Equal(t, "base-sepolia", resp.Network)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, resp.TransactionHash, tx.Hash().Hex())
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, SettlementGasLimit, tx.Gas())
	assert.Equal(t, testAsset, tx.To().Hex())

	// baseFee 1000 with a 20% margin plus a 50%-boosted tip of 150.
	assert.Equal(t, int64(150), tx.GasTipCap().Int64())
	assert.Equal(t, int64(1350), tx.GasFeeCap().Int64())
}

func TestSettleDuplicateRejected(t *testing.T) {
	backend := newMockBackend()
	backend.confirm(types.ReceiptStatusSuccessful)
	e := newTestExecutor(backend)

	first := e.Settle(context.Background(), testJob("0x02"))
	require.True(t, first.Success)

	second := e.Settle(context.Background(), testJob("0x02"))
	assert.False(t, second.Success)
	assert.Equal(t, facilitator.ReasonDuplicateSubmission, second.ErrorMessage)
	assert.Len(t, backend.sent, 1, "duplicate must not broadcast")
}

func TestSettleInsufficientBalance(t *testing.T) {
	backend := newMockBackend()
	backend.balance = big.NewInt(1)
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x03"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, facilitator.ReasonInsufficientGas)
	assert.Empty(t, backend.sent)

	// A definite pre-broadcast failure releases the key for retry.
	backend.balance = big.NewInt(1_000_000_000)
	backend.confirm(types.ReceiptStatusSuccessful)
	retry := e.Settle(context.Background(), testJob("0x03"))
	assert.True(t, retry.Success, retry.ErrorMessage)
}

func TestSettleNonceTooLowResync(t *testing.T) {
	backend := newMockBackend()
	backend.confirm(types.ReceiptStatusSuccessful)
	backend.sendErrs = []error{errors.New("nonce too low")}
	e := newTestExecutor(backend)

	// The local cursor lags the chain: another process used nonces 5-8.
	signer, err := evmsigner.ParsePrivateKey(testSignerKey)
	require.NoError(t, err)
	e.nonces.Sync(NonceKey(84532, signer.Address.Hex()), 5)
	backend.pendingNonce = 9

	resp := e.Settle(context.Background(), testJob("0x04"))
	require.True(t, resp.Success, resp.ErrorMessage)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(9), backend.sent[0].Nonce())
}

func TestSettleUnderpricedBump(t *testing.T) {
	backend := newMockBackend()
	backend.confirm(types.ReceiptStatusSuccessful)
	backend.sendErrs = []error{errors.New("replacement transaction underpriced")}
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x05"))
	require.True(t, resp.Success, resp.ErrorMessage)
	require.Len(t, backend.sent, 1)

	// Initial fees were tip 150 / maxFee 1350; one 25% bump each.
	tx := backend.sent[0]
	assert.Equal(t, int64(187), tx.GasTipCap().Int64())
	assert.Equal(t, int64(1687), tx.GasFeeCap().Int64())
}

func TestSettleRetriesExhausted(t *testing.T) {
	backend := newMockBackend()
	backend.sendErrs = []error{
		errors.New("nonce too low"),
		errors.New("nonce too low"),
		errors.New("nonce too low"),
	}
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x06"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "after 3 attempts")
	assert.Empty(t, backend.sent)
}

func TestSettleFatalSendError(t *testing.T) {
	backend := newMockBackend()
	backend.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x07"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "broadcast failed")

	// Nothing reached the chain, so the same authorization may retry.
	backend.sendErrs = nil
	backend.confirm(types.ReceiptStatusSuccessful)
	retry := e.Settle(context.Background(), testJob("0x07"))
	assert.True(t, retry.Success, retry.ErrorMessage)
}

func TestSettleRevert(t *testing.T) {
	backend := newMockBackend()
	backend.confirm(types.ReceiptStatusFailed)
	backend.callErr = errors.New("execution reverted: authorization is used or canceled")
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x08"))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.TransactionHash)
	assert.Contains(t, resp.ErrorMessage, "authorization is used or canceled")

	// A revert consumed nothing; the key must be free again.
	backend.confirm(types.ReceiptStatusSuccessful)
	backend.callErr = nil
	retry := e.Settle(context.Background(), testJob("0x08"))
	assert.True(t, retry.Success, retry.ErrorMessage)
}

func TestSettleTimeoutReconciliation(t *testing.T) {
	backend := newMockBackend()
	// No receipt ever appears and the transaction is unknown to the node.
	backend.txKnown = false
	backend.latestNonce = 5
	backend.pendingNonce = 5
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x09"))
	assert.False(t, resp.Success)
	assert.True(t, resp.MaybeSettled)
	assert.NotEmpty(t, resp.TransactionHash)

	// The outcome is ambiguous, so the dedup entry must be retained.
	dup := e.Settle(context.Background(), testJob("0x09"))
	assert.Equal(t, facilitator.ReasonDuplicateSubmission, dup.ErrorMessage)

	// Dropped transaction: cursor rebased on the confirmed nonce.
	signer, err := evmsigner.ParsePrivateKey(testSignerKey)
	require.NoError(t, err)
	cursor, seeded := e.nonces.Cursor(NonceKey(84532, signer.Address.Hex()))
	assert.True(t, seeded)
	assert.Equal(t, uint64(5), cursor)
}

func TestSettleTimeoutKeepsPendingWhenTxKnown(t *testing.T) {
	backend := newMockBackend()
	backend.txKnown = true
	backend.latestNonce = 5
	backend.pendingNonce = 6
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x0a"))
	assert.True(t, resp.MaybeSettled)

	// The transaction is still in the pool, so the cursor follows the
	// pending nonce instead of rewinding to latest.
	signer, err := evmsigner.ParsePrivateKey(testSignerKey)
	require.NoError(t, err)
	cursor, seeded := e.nonces.Cursor(NonceKey(84532, signer.Address.Hex()))
	assert.True(t, seeded)
	assert.Equal(t, uint64(6), cursor)
}

func TestSettleTimeoutReconcileSkippedOnRPCError(t *testing.T) {
	backend := newMockBackend()
	// Broadcast succeeds, no receipt appears, and by reconcile time the
	// node has stopped answering nonce queries.
	backend.nonceErr = errors.New("connection reset")
	e := newTestExecutor(backend)

	resp := e.Settle(context.Background(), testJob("0x0d"))
	assert.False(t, resp.Success)
	assert.True(t, resp.MaybeSettled)

	// The broadcast advanced the cursor past nonce 5; an unreadable chain
	// state must not rewind it to a value we never observed.
	signer, err := evmsigner.ParsePrivateKey(testSignerKey)
	require.NoError(t, err)
	cursor, seeded := e.nonces.Cursor(NonceKey(84532, signer.Address.Hex()))
	assert.True(t, seeded)
	assert.Equal(t, uint64(6), cursor)
}

func TestSettleUnsupportedChain(t *testing.T) {
	e := newTestExecutor(newMockBackend())
	job := testJob("0x0b")
	job.ChainID = 424242

	resp := e.Settle(context.Background(), job)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "unsupported chain id")
}

func TestSettleInvalidSignature(t *testing.T) {
	e := newTestExecutor(newMockBackend())
	job := testJob("0x0c")
	job.Signature = "0x1234"

	resp := e.Settle(context.Background(), job)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "signature must be 65 bytes")
}

func TestSettleSequentialNonces(t *testing.T) {
	backend := newMockBackend()
	backend.confirm(types.ReceiptStatusSuccessful)
	e := newTestExecutor(backend)

	nonces := []string{"0x21", "0x22", "0x23"}
	for _, n := range nonces {
		resp := e.Settle(context.Background(), testJob(n))
		require.True(t, resp.Success, resp.ErrorMessage)
	}

	require.Len(t, backend.sent, len(nonces))
	for i, tx := range backend.sent {
		assert.Equal(t, uint64(5+i), tx.Nonce())
	}
}

func TestGetNonceStatus(t *testing.T) {
	backend := newMockBackend()
	backend.latestNonce = 7
	backend.pendingNonce = 9
	e := newTestExecutor(backend)

	status, err := e.GetNonceStatus(context.Background(), 84532, "0xAbC0000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), status.ChainLatest)
	assert.Equal(t, uint64(9), status.ChainPending)
	assert.False(t, status.Seeded)
	assert.Equal(t, NonceKey(84532, "0xAbC0000000000000000000000000000000000001"), status.Key)
}

func TestForceResetNonce(t *testing.T) {
	backend := newMockBackend()
	backend.latestNonce = 3
	e := newTestExecutor(backend)

	key := NonceKey(84532, "0xabc")
	e.nonces.Sync(key, 50)

	cursor, err := e.ForceResetNonce(context.Background(), 84532, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)

	got, seeded := e.nonces.Cursor(key)
	assert.True(t, seeded)
	assert.Equal(t, uint64(3), got)
}

func TestClassifySendError(t *testing.T) {
	assert.Equal(t, sendErrNonceTooLow, classifySendError(errors.New("nonce too low")))
	assert.Equal(t, sendErrNonceTooLow, classifySendError(errors.New("Nonce Too Low: next is 9")))
	assert.Equal(t, sendErrUnderpriced, classifySendError(errors.New("transaction underpriced")))
	assert.Equal(t, sendErrUnderpriced, classifySendError(errors.New("replacement transaction underpriced")))
	assert.Equal(t, sendErrFatal, classifySendError(errors.New("intrinsic gas too low")))
}

func TestPackTransferWithAuthorization(t *testing.T) {
	auth := &facilitator.Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "10000",
		ValidAfter:  0,
		ValidBefore: 99999999999,
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
	}

	data, err := packTransferWithAuthorization(auth, testSignature)
	require.NoError(t, err)
	// 4-byte selector plus nine 32-byte words.
	assert.Len(t, data, 4+9*32)

	_, err = packTransferWithAuthorization(auth, "0xzz")
	assert.Error(t, err)

	auth.Value = "not-a-number"
	_, err = packTransferWithAuthorization(auth, testSignature)
	assert.Error(t, err)
}
