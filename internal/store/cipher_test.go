package store

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKey(t testing.TB) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	blob, err := c.Encrypt("open-cloud-key-123")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "open-cloud-key-123")

	plain, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "open-cloud-key-123", plain)
}

func TestCipherNonceVaries(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "two encryptions of the same plaintext must differ")
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipher(testKey(t))
	require.NoError(t, err)
	c2, err := NewCipher(testKey(t))
	require.NoError(t, err)

	blob, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipherTruncatedBlob(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipherBadKeyLength(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

// Property: every plaintext survives an encrypt/decrypt round trip.
func TestPropertyCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.String().Draw(t, "plain")
		blob, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := c.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip mismatch: %q != %q", got, plain)
		}
	})
}
