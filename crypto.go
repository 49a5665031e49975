package modelcache

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// RecordKeySize is the required size in bytes of the master key and of
// every derived per-record key.
const RecordKeySize = 32

// recordSaltSize is the size of the random per-record HKDF salt.
const recordSaltSize = 32

// hkdfInfoRecord is the HKDF info parameter for record key derivation,
// providing domain separation. Changing it invalidates all existing
// ciphertext.
var hkdfInfoRecord = []byte("smartrefferal.record.v1")

// RecordCipher seals and opens user-generated records. Each record is
// encrypted with XChaCha20-Poly1305 under a unique key derived via
// HKDF-SHA256 from the master key and a fresh random salt, so sealing
// the same plaintext twice never produces the same ciphertext, nonce,
// or salt.
type RecordCipher struct {
	// masterKey is the application-supplied root key.
	masterKey []byte
}

// NewRecordCipher creates a cipher from a 32-byte master key. The key
// is copied; the caller may zero its slice afterwards.
func NewRecordCipher(masterKey []byte) (*RecordCipher, error) {
	if len(masterKey) != RecordKeySize {
		return nil, fmt.Errorf("modelcache: record master key must be %d bytes, got %d", RecordKeySize, len(masterKey))
	}
	key := make([]byte, RecordKeySize)
	copy(key, masterKey)
	return &RecordCipher{masterKey: key}, nil
}

// Seal encrypts plaintext into an EncryptedRecord with a fresh random
// salt and nonce.
func (c *RecordCipher) Seal(plaintext []byte) (EncryptedRecord, error) {
	salt := make([]byte, recordSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return EncryptedRecord{}, fmt.Errorf("modelcache: generating record salt: %w", err)
	}

	key, err := c.deriveKey(salt)
	if err != nil {
		return EncryptedRecord{}, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("modelcache: creating record cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedRecord{}, fmt.Errorf("modelcache: generating record nonce: %w", err)
	}

	return EncryptedRecord{
		IV:         nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, salt),
		Salt:       salt,
	}, nil
}

// Open decrypts an EncryptedRecord produced by Seal. Fails if the key
// is wrong or the record was tampered with.
func (c *RecordCipher) Open(rec EncryptedRecord) ([]byte, error) {
	if len(rec.IV) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("modelcache: record IV is %d bytes, want %d", len(rec.IV), chacha20poly1305.NonceSizeX)
	}
	if len(rec.Salt) != recordSaltSize {
		return nil, fmt.Errorf("modelcache: record salt is %d bytes, want %d", len(rec.Salt), recordSaltSize)
	}

	key, err := c.deriveKey(rec.Salt)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("modelcache: creating record cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, rec.IV, rec.Ciphertext, rec.Salt)
	if err != nil {
		return nil, fmt.Errorf("modelcache: record decryption failed (wrong key or tampered data): %w", err)
	}
	return plaintext, nil
}

// deriveKey derives the per-record key from the master key and salt
// using HKDF-SHA256. The salt binds the ciphertext to the record as
// additional authenticated data in Seal/Open.
func (c *RecordCipher) deriveKey(salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, c.masterKey, salt, hkdfInfoRecord)
	key := make([]byte, RecordKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("modelcache: record key derivation failed: %w", err)
	}
	return key, nil
}
