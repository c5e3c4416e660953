package facilitator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Authorization is a signed, time-bounded intent to transfer a fixed token
// amount (ERC-3009 TransferWithAuthorization). It is created by the payer's
// wallet and read-only once received; the core never persists it.
type Authorization struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       string   `json:"value"`
	ValidAfter  unixTime `json:"validAfter"`
	ValidBefore unixTime `json:"validBefore"`
	Nonce       string   `json:"nonce"`
}

// PaymentPayload is the decoded body of an x402 payment header.
//
// EVM payments carry an authorization plus its EIP-712 signature. Solana
// payments carry a fully constructed, payer-signed transaction instead.
type PaymentPayload struct {
	Signature     string         `json:"signature,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
	Transaction   string         `json:"transaction,omitempty"`
}

// DecodePaymentPayload turns a raw verify/settle payload into a typed
// PaymentPayload. The wire accepts either a base64-encoded JSON string or
// an already-structured JSON object; some payloads nest the payment data
// under a "payload" key.
func DecodePaymentPayload(raw interface{}) (*PaymentPayload, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			// Not base64: some clients send the JSON document directly.
			decoded = []byte(v)
		}
		data = decoded
	case []byte:
		data = v
	case nil:
		return nil, fmt.Errorf("empty payment payload")
	default:
		reencoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported payload type %T", raw)
		}
		data = reencoded
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed payment payload: %w", err)
	}

	if payload.Authorization == nil && payload.Transaction == "" {
		// Try the enveloped form: {"x402Version":..,"payload":{...}}.
		var envelope struct {
			Payload *PaymentPayload `json:"payload"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Payload != nil {
			payload = *envelope.Payload
		}
	}

	if payload.Authorization == nil && payload.Transaction == "" {
		return nil, fmt.Errorf("payload carries neither an authorization nor a transaction")
	}

	return &payload, nil
}

// ValidateAuthorization applies the chain-agnostic business checks to a
// decoded authorization: validity window (inclusive on both bounds) and
// required amount. It returns the payer address on success and an invalid
// reason otherwise. No side effects, no chain calls.
func ValidateAuthorization(auth *Authorization, requirements PaymentRequirements, now time.Time) (payer string, reason string) {
	if auth == nil {
		return "", ReasonInvalidPayload
	}
	if auth.From == "" || auth.To == "" || auth.Nonce == "" {
		return "", ReasonInvalidPayload
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() <= 0 {
		return "", ReasonInvalidPayload
	}

	nowUnix := now.Unix()
	if int64(auth.ValidAfter) > nowUnix {
		return "", ReasonNotYetValid
	}
	if int64(auth.ValidBefore) < nowUnix {
		return "", ReasonExpired
	}

	required, ok := new(big.Int).SetString(requirements.RequiredAmount(), 10)
	if !ok {
		return "", fmt.Sprintf("invalid required amount: %s", requirements.RequiredAmount())
	}
	if value.Cmp(required) < 0 {
		return "", fmt.Sprintf("%s: %s < %s", ReasonInsufficientAmount, value, required)
	}

	return auth.From, ""
}
