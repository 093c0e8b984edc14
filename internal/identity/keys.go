// Package identity owns the device keypair, its recovery phrase, and the
// bearer token obtained by proving possession of the key.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/ashureev/oochat/internal/domain"
)

const (
	entropyBits       = 128 // 12 words
	privateKeyHexSize = ed25519.PrivateKeySize * 2
)

// ValidationError reports import input that is neither a recovery phrase nor
// a private key. Nothing is modified when it is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid identity: " + e.Reason
}

// Generate creates a fresh identity backed by a 12-word recovery phrase.
func Generate() (*domain.Identity, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, fmt.Errorf("generating entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generating recovery phrase: %w", err)
	}
	return FromMnemonic(mnemonic)
}

// FromMnemonic derives the identity whose ed25519 seed is the first 32 bytes
// of the phrase's BIP-39 seed (empty passphrase).
func FromMnemonic(mnemonic string) (*domain.Identity, error) {
	mnemonic = normalizePhrase(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, &ValidationError{Reason: "recovery phrase is not valid"}
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	id := fromPrivateKey(priv)
	id.Mnemonic = mnemonic
	return id, nil
}

// FromPrivateKeyHex loads a legacy identity from its 64-byte private key in
// hex, with or without a 0x prefix.
func FromPrivateKeyHex(s string) (*domain.Identity, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) != privateKeyHexSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("private key must be %d hex characters", privateKeyHexSize)}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, &ValidationError{Reason: "private key is not hex"}
	}
	priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !priv.Equal(ed25519.PrivateKey(raw)) {
		return nil, &ValidationError{Reason: "public half does not match private key"}
	}
	return fromPrivateKey(priv), nil
}

// Parse accepts either a 12/24-word recovery phrase or a hex private key.
func Parse(input string) (*domain.Identity, error) {
	words := strings.Fields(input)
	switch len(words) {
	case 0:
		return nil, &ValidationError{Reason: "input is empty"}
	case 12, 24:
		return FromMnemonic(strings.Join(words, " "))
	case 1:
		return FromPrivateKeyHex(words[0])
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("recovery phrase must have 12 or 24 words, got %d", len(words))}
	}
}

func fromPrivateKey(priv ed25519.PrivateKey) *domain.Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &domain.Identity{
		Address:    domain.AddressFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

func normalizePhrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
