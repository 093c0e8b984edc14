// Package domain contains core domain types for the oochat client.
package domain

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Identity is the device's signing keypair. Address is derived from the
// public key, which is itself derived from the private key.
type Identity struct {
	Address    string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Mnemonic   string
}

// ShortAddress returns the address truncated for display: 0x1234...abcd.
func (i *Identity) ShortAddress() string {
	if len(i.Address) <= 10 {
		return i.Address
	}
	return i.Address[:6] + "..." + i.Address[len(i.Address)-4:]
}

// PrivateKeyHex returns the hex encoded 64-byte private key.
func (i *Identity) PrivateKeyHex() string {
	return hex.EncodeToString(i.PrivateKey)
}

// Sign returns the hex encoded ed25519 signature of message.
func (i *Identity) Sign(message string) string {
	return hex.EncodeToString(ed25519.Sign(i.PrivateKey, []byte(message)))
}

// AddressFromPublicKey renders a public key as a 0x-prefixed hex address.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	return "0x" + hex.EncodeToString(pub)
}

// Profile is the account summary returned by the auth authority. It is a
// cache of remote state, refreshed on every authentication.
type Profile struct {
	PublicKey    string  `json:"public_key"`
	BalanceUSD   float64 `json:"balance_usd"`
	CreditsUSD   float64 `json:"credits_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}
