package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T, size int) []byte {
	t.Helper()
	key := make([]byte, size)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestChecksumDeterministic(t *testing.T) {
	data := []byte("the same input")
	assert.Equal(t, Checksum(data), Checksum(data))
	assert.Len(t, Checksum(data), 32)
	assert.NotEqual(t, Checksum(data), Checksum([]byte("different input")))
}

func TestBase64RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x00}},
		{"binary", []byte{0xff, 0x00, 0xab, 0xcd}},
		{"text", []byte("hello")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeBase64(tt.data)
			decoded, err := DecodeBase64(encoded)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.data, decoded))
		})
	}
}

func TestBase64EmptyIVSentinel(t *testing.T) {
	// A zero-length IV must survive encode/decode as the empty value.
	assert.Equal(t, "", EncodeBase64(nil))
	decoded, err := DecodeBase64("")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestEncryptDecryptCBC(t *testing.T) {
	for _, keySize := range []int{16, 24, 32} {
		key := randomKey(t, keySize)
		iv := randomKey(t, IVSize)

		for _, plainLen := range []int{0, 1, 15, 16, 17, 1000} {
			plaintext := randomKey(t, plainLen)
			if plainLen == 0 {
				plaintext = []byte{}
			}

			ciphertext, err := EncryptCBC(key, iv, plaintext)
			require.NoError(t, err)
			assert.Equal(t, 0, len(ciphertext)%16)
			assert.NotEqual(t, plaintext, ciphertext)

			decrypted, err := DecryptCBC(key, iv, ciphertext)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plaintext, decrypted))
		}
	}
}

func TestEncryptDecryptCFB(t *testing.T) {
	key := randomKey(t, 32)
	iv := randomKey(t, IVSize)
	data := []byte("stream mode keeps length")

	ciphertext, err := EncryptCFB(key, iv, data)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(data))

	decrypted, err := DecryptCFB(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)
}

func TestBadKeyLength(t *testing.T) {
	iv := randomKey(t, IVSize)

	_, err := EncryptCBC([]byte("short"), iv, []byte("data"))
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = DecryptCBC([]byte("short"), iv, make([]byte, 16))
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = EncryptCFB([]byte("short"), iv, []byte("data"))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestBadIVLength(t *testing.T) {
	key := randomKey(t, 16)

	_, err := EncryptCBC(key, []byte{1, 2, 3}, []byte("data"))
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = DecryptCBC(key, nil, make([]byte, 16))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestCorruptCiphertext(t *testing.T) {
	key := randomKey(t, 16)
	iv := randomKey(t, IVSize)

	// Not a block multiple.
	_, err := DecryptCBC(key, iv, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCrypto)

	// Empty ciphertext.
	_, err = DecryptCBC(key, iv, nil)
	assert.ErrorIs(t, err, ErrCrypto)

	// Valid length, garbage content: padding check must reject rather
	// than return garbage silently. A random block can by chance decode
	// to valid padding, so use a fixed vector known to fail.
	ciphertext, err := EncryptCBC(key, iv, []byte("some payload data"))
	require.NoError(t, err)
	wrongKey := randomKey(t, 16)
	decrypted, err := DecryptCBC(wrongKey, iv, ciphertext)
	if err == nil {
		// Rare padding coincidence: output must still differ from input.
		assert.NotEqual(t, []byte("some payload data"), decrypted)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := randomKey(t, 32)

	k1, err := DeriveKey(master, "alice", "device-1")
	require.NoError(t, err)
	k2, err := DeriveKey(master, "alice", "device-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestDeriveKeyCaseInsensitiveUsername(t *testing.T) {
	master := randomKey(t, 32)

	k1, err := DeriveKey(master, "Alice", "device-1")
	require.NoError(t, err)
	k2, err := DeriveKey(master, "ALICE", "device-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestDeriveKeyInputSensitivity(t *testing.T) {
	master := randomKey(t, 32)

	base, err := DeriveKey(master, "alice", "device-1")
	require.NoError(t, err)

	otherUser, err := DeriveKey(master, "bob", "device-1")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherUser)

	otherDevice, err := DeriveKey(master, "alice", "device-2")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherDevice)

	otherMaster, err := DeriveKey(randomKey(t, 32), "alice", "device-1")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherMaster)
}

func TestDeriveKeyInvalidInput(t *testing.T) {
	master := randomKey(t, 32)

	_, err := DeriveKey(master, "", "device-1")
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = DeriveKey(master, "alice", "")
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = DeriveKey([]byte("bad"), "alice", "device-1")
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDerivedKeyEncryptionRoundTrip(t *testing.T) {
	master := randomKey(t, 32)
	key, err := DeriveKey(master, "alice", "device-1")
	require.NoError(t, err)

	plaintext := []byte("payload protected end to end")
	hashBefore := ChecksumBase64(plaintext)

	iv, err := GenerateIV()
	require.NoError(t, err)

	ciphertext, err := EncryptCBC(key, iv, plaintext)
	require.NoError(t, err)

	// Decrypt side re-derives the same key.
	key2, err := DeriveKey(master, "ALICE", "device-1")
	require.NoError(t, err)
	decrypted, err := DecryptCBC(key2, iv, ciphertext)
	require.NoError(t, err)

	assert.Equal(t, plaintext, decrypted)
	assert.Equal(t, hashBefore, ChecksumBase64(decrypted))
}
