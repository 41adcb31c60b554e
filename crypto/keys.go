package crypto

import (
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey produces a fresh secp256k1 key from the system entropy
// source.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte secret scalar of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Bytes returns the uncompressed public key encoding (65 bytes, 0x04 prefix).
func (k *PublicKey) Bytes() []byte {
	return ethcrypto.FromECDSAPub(k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Keccak256 hashes the concatenation of the inputs with legacy Keccak-256.
func Keccak256(data ...[]byte) []byte {
	return ethcrypto.Keccak256(data...)
}

// SecretIsZero reports whether a 32-byte secret is all zeroes, which is not a
// valid secp256k1 scalar.
func SecretIsZero(b []byte) bool {
	if len(b) != 32 {
		return false
	}
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// MustPrivateKeyFromBytes is a test helper for fixed-key fixtures.
func MustPrivateKeyFromBytes(b []byte) *PrivateKey {
	key, err := PrivateKeyFromBytes(b)
	if err != nil {
		panic(fmt.Sprintf("invalid fixture key: %v", err))
	}
	return key
}
