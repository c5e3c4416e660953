package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version this facilitator speaks.
const X402Version = 1

// SchemeExact is the only payment scheme this facilitator implements.
const SchemeExact = "exact"

// PaymentRequirements defines what payment is acceptable for a resource.
// MaxAmountRequired is the v1 field; Amount is the v2 equivalent. Both are
// decimal strings in the asset's smallest unit.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	Amount            string                 `json:"amount,omitempty"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RequiredAmount returns the required payment amount, preferring the v2
// Amount field over the v1 MaxAmountRequired field.
func (r PaymentRequirements) RequiredAmount() string {
	if r.Amount != "" {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// VerifyResponse is the result of verifying a payment payload.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the result of settling a payment on-chain.
type SettleResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	Network         string `json:"network,omitempty"`
	// MaybeSettled is set on ambiguous outcomes: the transaction was
	// broadcast but its final state is unknown. Callers must not blindly
	// retry the same authorization.
	MaybeSettled bool `json:"maybeSettled,omitempty"`
	// GasUsed is populated on confirmed EVM settlements.
	GasUsed uint64 `json:"gasUsed,omitempty"`
}

// SupportedKind is a single (scheme, network, asset) combination the
// facilitator accepts.
type SupportedKind struct {
	Scheme  string                 `json:"scheme"`
	Network Network                `json:"network"`
	Asset   string                 `json:"asset"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports.
type SupportedResponse struct {
	X402Version int               `json:"x402Version"`
	Kinds       []SupportedKind   `json:"kinds"`
	Signers     map[string]string `json:"signers,omitempty"`
}

// TokenConfig describes a token the facilitator accepts on one chain.
type TokenConfig struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	ChainID  int64  `json:"chainId"`
}

// SettleJob is the chain-agnostic unit of work the orchestrator hands to a
// chain executor after verification and dispatch.
type SettleJob struct {
	Network Network
	ChainID int64
	Asset   string
	PayTo   string

	// EVM: the decoded ERC-3009 authorization and its 65-byte signature.
	Authorization *Authorization
	Signature     string

	// Solana: the serialized pre-signed transaction (base64 or base58).
	Transaction string

	// SignerKey is the facilitator's private signing key for this chain
	// (hex for EVM, base58 for Solana). Injected by the caller, never
	// stored by the core.
	SignerKey string
}

// ChainExecutor settles a verified payment on a specific chain family.
type ChainExecutor interface {
	Settle(ctx context.Context, job SettleJob) SettleResponse
}

// unixTime is a unix-seconds timestamp that unmarshals from either a JSON
// number or a decimal string. Wallet implementations disagree on which one
// they send.
type unixTime int64

func (t *unixTime) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*t = unixTime(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a number or string: %s", data)
	}
	var parsed int64
	if _, err := fmt.Sscanf(s, "%d", &parsed); err != nil {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	*t = unixTime(parsed)
	return nil
}

func (t unixTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(t))
}
