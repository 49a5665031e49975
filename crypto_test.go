package modelcache

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecordKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, RecordKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestNewRecordCipher(t *testing.T) {
	t.Run("rejects short key", func(t *testing.T) {
		_, err := NewRecordCipher(make([]byte, 16))
		assert.Error(t, err)
	})

	t.Run("copies the key", func(t *testing.T) {
		key := testRecordKey(t)
		cipher, err := NewRecordCipher(key)
		require.NoError(t, err)

		rec, err := cipher.Seal([]byte("payload"))
		require.NoError(t, err)

		// Zeroing the caller's slice must not affect the cipher.
		for i := range key {
			key[i] = 0
		}
		got, err := cipher.Open(rec)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), got)
	})
}

func TestRecordCipherRoundTrip(t *testing.T) {
	cipher, err := NewRecordCipher(testRecordKey(t))
	require.NoError(t, err)

	payloads := [][]byte{
		{},
		[]byte("a"),
		[]byte("patient referral: cardiology, urgent"),
		bytes.Repeat([]byte{0xAB}, 1<<20),
	}
	for _, plaintext := range payloads {
		rec, err := cipher.Seal(plaintext)
		require.NoError(t, err)

		got, err := cipher.Open(rec)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestRecordCipherNonDeterministic(t *testing.T) {
	cipher, err := NewRecordCipher(testRecordKey(t))
	require.NoError(t, err)

	plaintext := []byte("same plaintext sealed twice")
	a, err := cipher.Seal(plaintext)
	require.NoError(t, err)
	b, err := cipher.Seal(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestRecordCipherTamperDetection(t *testing.T) {
	cipher, err := NewRecordCipher(testRecordKey(t))
	require.NoError(t, err)

	rec, err := cipher.Seal([]byte("sensitive"))
	require.NoError(t, err)

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := rec
		tampered.Ciphertext = append([]byte(nil), rec.Ciphertext...)
		tampered.Ciphertext[0] ^= 0x01
		_, err := cipher.Open(tampered)
		assert.Error(t, err)
	})

	t.Run("tampered salt", func(t *testing.T) {
		tampered := rec
		tampered.Salt = append([]byte(nil), rec.Salt...)
		tampered.Salt[0] ^= 0x01
		_, err := cipher.Open(tampered)
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewRecordCipher(testRecordKey(t))
		require.NoError(t, err)
		_, err = other.Open(rec)
		assert.Error(t, err)
	})

	t.Run("truncated IV", func(t *testing.T) {
		tampered := rec
		tampered.IV = rec.IV[:8]
		_, err := cipher.Open(tampered)
		assert.Error(t, err)
	})
}
