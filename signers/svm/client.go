// Package svm parses the facilitator's Solana fee-payer key and co-signs
// payer-built transactions with it.
package svm

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Signer wraps a parsed ed25519 keypair.
type Signer struct {
	key solana.PrivateKey
}

// ParsePrivateKey parses a base58-encoded Solana private key.
func ParsePrivateKey(privateKeyBase58 string) (*Signer, error) {
	if privateKeyBase58 == "" {
		return nil, fmt.Errorf("empty private key")
	}
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{key: key}, nil
}

// IsValidPrivateKey reports whether s parses as a Solana private key.
func IsValidPrivateKey(s string) bool {
	_, err := solana.PrivateKeyFromBase58(s)
	return err == nil
}

// IsValidAddress reports whether s parses as a Solana public key.
func IsValidAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Address returns the signer's base58 address.
func (s *Signer) Address() string {
	return s.key.PublicKey().String()
}

// SignTransaction signs tx's message and places the signature at the
// signer's account index. Existing signatures from other signers are
// preserved; the signature slice is grown if the index is past its end.
func (s *Signer) SignTransaction(tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	signature, err := s.key.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(s.key.PublicKey())
	if err != nil {
		return fmt.Errorf("signer not present in transaction: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		grown := make([]solana.Signature, accountIndex+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[accountIndex] = signature
	return nil
}
