package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// scrypt cost parameters (the Node.js scryptSync defaults).
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

var ErrEmptySecret = errors.New("encryption secret must not be empty")

// DeriveKey stretches the configured secret into a 32 byte key.
// The derivation is deterministic so every process sharing the secret and salt
// can read messages written by the others.
func DeriveKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
