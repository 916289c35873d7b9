package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// AESGCM implements Cipher with AES-256-GCM. The per-message nonce is kept in Sealed.IV.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a new AES-GCM cipher based on the key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		// aes.NewCipher checks key size (16, 24, 32 bytes)
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

func (c *AESGCM) Algorithm() string { return AlgorithmAESGCM }

// Encrypt encrypts plaintext using AES-GCM under a random nonce.
func (c *AESGCM) Encrypt(plaintext string) (Sealed, error) {
	// Never use more than 2^32 random nonces with a given key because of the risk of repeat.
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the authentication tag to the ciphertext.
	ciphertext := c.aead.Seal(nil, nonce, []byte(plaintext), nil)

	return Sealed{
		IV:      hex.EncodeToString(nonce),
		Content: hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt verifies and decrypts a sealed message.
func (c *AESGCM) Decrypt(sealed Sealed) (string, error) {
	nonce, ciphertext, err := decodeSealed(sealed, c.aead.NonceSize())
	if err != nil {
		return "", err
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Common error here is "cipher: message authentication failed"
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	return string(plaintext), nil
}
