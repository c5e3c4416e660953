package facilitator

import (
	"context"
	"log"
	"time"
)

// Config wires a Facilitator. Executors are registered per chain family;
// networks without a registered executor are rejected at dispatch time.
type Config struct {
	// Networks the facilitator advertises and accepts. Empty means all
	// networks with a registered executor.
	Networks []Network

	// Tokens advertised via GetSupported. Defaults to DefaultTokens.
	Tokens []TokenConfig

	// Executors keyed by chain family.
	Executors map[ChainKind]ChainExecutor

	// SignerKeys holds the facilitator's signing key per chain family
	// (hex for EVM, base58 for Solana). Keys are injected by the host
	// process and only ever passed through to the executor.
	SignerKeys map[ChainKind]string

	// SignerAddresses are the public addresses matching SignerKeys,
	// advertised via GetSupported so clients can pre-fund fee payers.
	SignerAddresses map[ChainKind]string
}

// Facilitator coordinates payment verification and settlement across chain
// families. It owns no chain logic itself: chain kind is resolved exactly
// once per request and everything downstream receives typed values.
type Facilitator struct {
	networks  map[Network]bool
	tokens    []TokenConfig
	executors map[ChainKind]ChainExecutor
	keys      map[ChainKind]string
	addresses map[ChainKind]string
	now       func() time.Time
}

// New builds a Facilitator from cfg.
func New(cfg Config) *Facilitator {
	f := &Facilitator{
		networks:  make(map[Network]bool, len(cfg.Networks)),
		tokens:    cfg.Tokens,
		executors: cfg.Executors,
		keys:      cfg.SignerKeys,
		addresses: cfg.SignerAddresses,
		now:       time.Now,
	}
	for _, n := range cfg.Networks {
		f.networks[n] = true
	}
	if f.tokens == nil {
		f.tokens = DefaultTokens
	}
	if f.executors == nil {
		f.executors = map[ChainKind]ChainExecutor{}
	}
	return f
}

// GetSupported reports the (scheme, network, asset) kinds this facilitator
// settles, plus its signer addresses per chain family.
func (f *Facilitator) GetSupported() SupportedResponse {
	resp := SupportedResponse{
		X402Version: X402Version,
		Kinds:       []SupportedKind{},
		Signers:     map[string]string{},
	}
	for kind, addr := range f.addresses {
		resp.Signers[kind.String()] = addr
	}

	for _, t := range f.tokens {
		network, ok := NetworkForChainID(t.ChainID)
		if !ok || !f.accepts(network) {
			continue
		}
		if _, ok := f.executors[ChainKindEVM]; !ok {
			continue
		}
		resp.Kinds = append(resp.Kinds, SupportedKind{
			Scheme:  SchemeExact,
			Network: network,
			Asset:   t.Address,
			Extra:   map[string]interface{}{"symbol": t.Symbol, "decimals": t.Decimals},
		})
	}

	if _, ok := f.executors[ChainKindSolana]; ok {
		for name := range solanaNetworks {
			n := Network(name)
			if f.accepts(n) {
				resp.Kinds = append(resp.Kinds, SupportedKind{
					Scheme:  SchemeExact,
					Network: n,
				})
			}
		}
	}

	return resp
}

// Verify checks a payment payload against requirements without touching the
// chain. It is pure: no settlement state changes, no dedup reservations.
func (f *Facilitator) Verify(ctx context.Context, rawPayload interface{}, requirements PaymentRequirements) VerifyResponse {
	kind, resp := f.dispatchKind(requirements.Network)
	if resp != nil {
		return VerifyResponse{Valid: false, InvalidReason: resp.ErrorMessage}
	}

	payload, err := DecodePaymentPayload(rawPayload)
	if err != nil {
		return VerifyResponse{Valid: false, InvalidReason: ReasonInvalidPayload}
	}

	switch kind {
	case ChainKindSolana:
		// Solana payments carry a pre-built transaction; its internal
		// consistency is checked at settlement when it is decoded.
		if payload.Transaction == "" {
			return VerifyResponse{Valid: false, InvalidReason: ReasonMissingTransaction}
		}
		return VerifyResponse{Valid: true}
	default:
		if payload.Signature == "" {
			return VerifyResponse{Valid: false, InvalidReason: ReasonMissingSignature}
		}
		payer, reason := ValidateAuthorization(payload.Authorization, requirements, f.now())
		if reason != "" {
			return VerifyResponse{Valid: false, InvalidReason: reason}
		}
		return VerifyResponse{Valid: true, Payer: payer}
	}
}

// Settle verifies a payment payload and executes it on-chain.
func (f *Facilitator) Settle(ctx context.Context, rawPayload interface{}, requirements PaymentRequirements) SettleResponse {
	network := requirements.Network
	kind, errResp := f.dispatchKind(network)
	if errResp != nil {
		return *errResp
	}

	executor, ok := f.executors[kind]
	if !ok {
		return SettleResponse{Success: false, ErrorMessage: ReasonUnsupportedChain, Network: string(network)}
	}

	payload, err := DecodePaymentPayload(rawPayload)
	if err != nil {
		return SettleResponse{Success: false, ErrorMessage: ReasonInvalidPayload, Network: string(network)}
	}

	job := SettleJob{
		Network:   network,
		Asset:     requirements.Asset,
		PayTo:     requirements.PayTo,
		SignerKey: f.keys[kind],
	}

	switch kind {
	case ChainKindSolana:
		if payload.Transaction == "" {
			return SettleResponse{Success: false, ErrorMessage: ReasonMissingTransaction, Network: string(network)}
		}
		job.Transaction = payload.Transaction
	default:
		if payload.Signature == "" {
			return SettleResponse{Success: false, ErrorMessage: ReasonMissingSignature, Network: string(network)}
		}
		if _, reason := ValidateAuthorization(payload.Authorization, requirements, f.now()); reason != "" {
			return SettleResponse{Success: false, ErrorMessage: reason, Network: string(network)}
		}
		chainID, ok := network.ChainID()
		if !ok {
			return SettleResponse{Success: false, ErrorMessage: ReasonUnsupportedNetwork, Network: string(network)}
		}
		job.ChainID = chainID
		job.Authorization = payload.Authorization
		job.Signature = payload.Signature
	}

	if job.SignerKey == "" {
		return SettleResponse{Success: false, ErrorMessage: ReasonMissingSignerKey, Network: string(network)}
	}

	log.Printf("[Facilitator] settling %s payment on %s", kind, network)
	resp := executor.Settle(ctx, job)
	if resp.Network == "" {
		resp.Network = string(network)
	}
	return resp
}

// dispatchKind resolves the chain family for a network and rejects networks
// this facilitator does not serve. The returned error response, when non-nil,
// is ready to hand back to the caller.
func (f *Facilitator) dispatchKind(network Network) (ChainKind, *SettleResponse) {
	if !f.accepts(network) {
		return ChainKindUnknown, &SettleResponse{Success: false, ErrorMessage: ReasonUnsupportedNetwork, Network: string(network)}
	}
	kind := network.Kind()
	if kind == ChainKindUnknown {
		return ChainKindUnknown, &SettleResponse{Success: false, ErrorMessage: ReasonUnsupportedChain, Network: string(network)}
	}
	return kind, nil
}

func (f *Facilitator) accepts(network Network) bool {
	if len(f.networks) == 0 {
		return network.Kind() != ChainKindUnknown
	}
	return f.networks[network]
}
