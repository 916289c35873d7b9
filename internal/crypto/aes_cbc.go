package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// AESCBC implements Cipher with AES-256 in CBC mode and PKCS#7 padding.
// A fresh random IV is drawn for every message and returned in Sealed.IV.
type AESCBC struct {
	block cipher.Block
}

// NewAESCBC creates an AES-256-CBC cipher for the given 32 byte key.
func NewAESCBC(key []byte) (*AESCBC, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}
	return &AESCBC{block: block}, nil
}

func (c *AESCBC) Algorithm() string { return AlgorithmAESCBC }

// Encrypt pads and encrypts plaintext under a new IV.
func (c *AESCBC) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return Sealed{
		IV:      hex.EncodeToString(iv),
		Content: hex.EncodeToString(out),
	}, nil
}

// Decrypt reverses Encrypt using the IV stored next to the ciphertext.
func (c *AESCBC) Decrypt(sealed Sealed) (string, error) {
	iv, ciphertext, err := decodeSealed(sealed, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d is not a multiple of the block size", ErrInvalidCiphertext, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ciphertext)

	plaintext, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrInvalidCiphertext)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
		}
	}
	return data[:len(data)-n], nil
}
