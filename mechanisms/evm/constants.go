package evm

import (
	"math/big"
	"time"
)

const (
	// SettlementGasLimit is the fixed gas limit for a
	// transferWithAuthorization call. EIP-3009 transfers on the tokens we
	// settle stay well under this.
	SettlementGasLimit = uint64(100000)

	// MaxSendAttempts bounds the submit retry loop. Each retry re-reads
	// fees and, on nonce errors, resyncs the nonce cursor.
	MaxSendAttempts = 3

	// ReceiptTimeout is how long a settlement waits for its receipt
	// before giving up and reconciling nonce state.
	ReceiptTimeout = 120 * time.Second

	// ReceiptPollInterval is the receipt polling period.
	ReceiptPollInterval = 2 * time.Second

	// DedupTTL is how long a completed authorization stays in the dedup
	// cache before a resubmission is accepted again.
	DedupTTL = 10 * time.Minute

	// DedupSweepInterval is how often expired dedup entries are evicted.
	DedupSweepInterval = 5 * time.Minute
)

var (
	// oneGwei is the priority fee floor when the node reports none.
	oneGwei = big.NewInt(1_000_000_000)

	// Fee margin numerators, applied over a denominator of 100.
	baseFeeMarginPct = big.NewInt(120)
	tipMarginPct     = big.NewInt(150)
	feeBumpPct       = big.NewInt(125)
	pctDenominator   = big.NewInt(100)
)

// transferWithAuthorizationABI is the EIP-3009 entry point with a split
// v,r,s signature, the form EOA wallets produce.
var transferWithAuthorizationABI = []byte(`[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

// erc20BalanceOfABI reads a token balance, used by wallet introspection.
var erc20BalanceOfABI = []byte(`[
	{
		"inputs": [
			{"name": "account", "type": "address"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`)
