// Package security holds the small set of primitives the study server needs
// around its data at rest: HKDF key derivation for record MACs, atomic file
// writes, advisory file locks and connection rate limiting.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// RecommendedKeySize is the recommended key size in bytes.
const RecommendedKeySize = 32 // 256 bits

// labelPrefix separates derived keys from keys derived by other programs
// sharing the same secret.
const labelPrefix = "ratingstudy:"

// GenerateKey returns size cryptographically random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveKey derives a key using HKDF with SHA-256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// DeriveKeyWithLabel derives a key bound to label.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte(labelPrefix+label), keySize)
}

// MAC returns HMAC-SHA256 of data under key.
func MAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// VerifyMAC reports whether mac is the HMAC-SHA256 of data under key.
func VerifyMAC(key, data, mac []byte) bool {
	return SecureCompare(MAC(key, data), mac)
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects short keys and keys made of one repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}
	for _, b := range key[1:] {
		if b != key[0] {
			return nil
		}
	}
	if key[0] == 0 {
		return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
	}
	return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
}
