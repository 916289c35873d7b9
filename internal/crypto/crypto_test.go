package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey("test-secret", "salt")
	require.NoError(t, err)
	return key
}

func TestDeriveKey(t *testing.T) {
	req := require.New(t)

	a, err := DeriveKey("secret", "salt")
	req.NoError(err)
	req.Len(a, KeySize)

	b, err := DeriveKey("secret", "salt")
	req.NoError(err)
	req.Equal(a, b, "derivation must be deterministic")

	c, err := DeriveKey("secret", "other-salt")
	req.NoError(err)
	req.NotEqual(a, c)

	_, err = DeriveKey("", "salt")
	req.ErrorIs(err, ErrEmptySecret)
}

func TestCiphers_RoundTrip(t *testing.T) {
	key := testKey(t)
	inputs := []string{
		"",
		"hello",
		"exactly16bytes!!",
		"héllo wörld ✓ 你好",
		strings.Repeat("long message ", 500),
	}

	for _, algo := range []string{AlgorithmAESCBC, AlgorithmAESGCM} {
		t.Run(algo, func(t *testing.T) {
			c, err := NewCipher(algo, key)
			require.NoError(t, err)
			require.Equal(t, algo, c.Algorithm())

			for _, in := range inputs {
				sealed, err := c.Encrypt(in)
				require.NoError(t, err)
				require.NotEqual(t, in, sealed.Content)

				out, err := c.Decrypt(sealed)
				require.NoError(t, err)
				require.Equal(t, in, out)
			}
		})
	}
}

func TestCiphers_FreshIVPerMessage(t *testing.T) {
	key := testKey(t)
	for _, algo := range []string{AlgorithmAESCBC, AlgorithmAESGCM} {
		t.Run(algo, func(t *testing.T) {
			c, err := NewCipher(algo, key)
			require.NoError(t, err)

			first, err := c.Encrypt("same plaintext")
			require.NoError(t, err)
			second, err := c.Encrypt("same plaintext")
			require.NoError(t, err)

			require.NotEqual(t, first.IV, second.IV)
			require.NotEqual(t, first.Content, second.Content)
		})
	}
}

func TestAESCBC_DecryptErrors(t *testing.T) {
	req := require.New(t)
	c, err := NewAESCBC(testKey(t))
	req.NoError(err)

	sealed, err := c.Encrypt("payload")
	req.NoError(err)

	_, err = c.Decrypt(Sealed{IV: "zz", Content: sealed.Content})
	req.ErrorIs(err, ErrInvalidIV)

	_, err = c.Decrypt(Sealed{IV: sealed.IV[:8], Content: sealed.Content})
	req.ErrorIs(err, ErrInvalidIV)

	_, err = c.Decrypt(Sealed{IV: sealed.IV, Content: "abc"})
	req.ErrorIs(err, ErrInvalidCiphertext)

	_, err = c.Decrypt(Sealed{IV: sealed.IV, Content: sealed.Content[:10]})
	req.ErrorIs(err, ErrInvalidCiphertext)

	// A different key almost always yields invalid padding.
	other, err := NewAESCBC(make([]byte, KeySize))
	req.NoError(err)
	out, err := other.Decrypt(sealed)
	if err == nil {
		req.NotEqual("payload", out)
	}
}

func TestAESGCM_DetectsTampering(t *testing.T) {
	req := require.New(t)
	c, err := NewAESGCM(testKey(t))
	req.NoError(err)

	sealed, err := c.Encrypt("payload")
	req.NoError(err)

	flipped := []byte(sealed.Content)
	if flipped[0] == '0' {
		flipped[0] = '1'
	} else {
		flipped[0] = '0'
	}
	_, err = c.Decrypt(Sealed{IV: sealed.IV, Content: string(flipped)})
	req.ErrorIs(err, ErrAuthenticationFailed)
}

func TestNewCipher_Errors(t *testing.T) {
	_, err := NewCipher(AlgorithmAESCBC, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = NewCipher("rot13", make([]byte, KeySize))
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}
