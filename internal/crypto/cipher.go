package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Supported message cipher algorithms.
const (
	AlgorithmAESCBC = "aes-256-cbc"
	AlgorithmAESGCM = "aes-256-gcm"
)

var (
	ErrInvalidKeySize       = errors.New("invalid AES key size (must be 32 bytes)")
	ErrUnknownAlgorithm     = errors.New("unknown cipher algorithm")
	ErrInvalidIV            = errors.New("invalid initialization vector")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")
)

// Sealed is an encrypted message body as stored at rest.
// Both fields are hex encoded; IV is unique per call to Encrypt.
type Sealed struct {
	IV      string `json:"iv" bson:"iv"`
	Content string `json:"content" bson:"content"`
}

// Cipher encrypts and decrypts message content.
type Cipher interface {
	Encrypt(plaintext string) (Sealed, error)
	Decrypt(sealed Sealed) (string, error)
	Algorithm() string
}

// NewCipher returns the Cipher for the named algorithm keyed with key.
func NewCipher(algorithm string, key []byte) (Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	switch algorithm {
	case AlgorithmAESCBC, "":
		return NewAESCBC(key)
	case AlgorithmAESGCM:
		return NewAESGCM(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

func decodeSealed(sealed Sealed, ivSize int) (iv, ciphertext []byte, err error) {
	iv, err = hex.DecodeString(sealed.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidIV, err)
	}
	if len(iv) != ivSize {
		return nil, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidIV, ivSize, len(iv))
	}
	ciphertext, err = hex.DecodeString(sealed.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return iv, ciphertext, nil
}
