package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// PrivateKey is a node or validator Ed25519 signing key. The public half is
// the on-chain address.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateKey creates a fresh Ed25519 keypair.
func GenerateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &PrivateKey{key: priv}, nil
}

// PrivateKeyFromSeed rebuilds a key from its 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrMalformed, ed25519.SeedSize, len(seed))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed returns the 32-byte seed for persistence.
func (k *PrivateKey) Seed() []byte {
	return k.key.Seed()
}

// Address returns the public key as the 32-byte on-chain address.
func (k *PrivateKey) Address() Address {
	var addr Address
	copy(addr[:], k.key.Public().(ed25519.PublicKey))
	return addr
}

// Sign signs the message bytes. Callers pass the canonical preimage, not its
// hash; Ed25519 hashes internally.
func (k *PrivateKey) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.key, message))
	return sig
}

// VerifySignature reports whether sig is a valid Ed25519 signature over
// message under the public key addr.
func VerifySignature(addr Address, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(addr[:]), message, sig[:])
}
