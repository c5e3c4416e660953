// Package evm parses and wraps the facilitator's EVM signing key.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is a parsed ECDSA signing key with its derived address.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key, with or
// without a 0x prefix.
func ParsePrivateKey(privateKeyHex string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty private key")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		Key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// AddressFromPrivateKey derives the signer address without retaining the key.
func AddressFromPrivateKey(privateKeyHex string) (string, error) {
	s, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	return s.Address.Hex(), nil
}
