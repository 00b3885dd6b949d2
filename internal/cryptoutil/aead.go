package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen = 16 // 128-bit salt
	ivLen   = 12 // standard GCM nonce
	tagLen  = 16 // GCM auth tag
	keyLen  = 32 // AES-256

	// MinIterations is the floor for PBKDF2 stretching. Configured values
	// below it are raised, never honored.
	MinIterations = 100_000

	// DefaultIterations is used when callers pass 0.
	DefaultIterations = 600_000
)

// ErrSealedRecord is returned for every way a record can fail to open:
// truncation, corruption, or auth tag mismatch. Callers get no detail
// beyond "not openable" so tampering is indistinguishable from absence.
var ErrSealedRecord = errors.New("sealed record not openable")

func clampIterations(iters int) int {
	if iters <= 0 {
		return DefaultIterations
	}
	if iters < MinIterations {
		return MinIterations
	}
	return iters
}

// DeriveKey stretches passphrase material into an AES-256 key.
func DeriveKey(material, salt []byte, iters int) []byte {
	return pbkdf2.Key(material, salt, clampIterations(iters), keyLen, sha256.New)
}

// SealRecord encrypts plaintext under a key derived from material and a
// fresh random salt, returning the self-contained record
//
//	[salt 16][iv 12][auth tag 16][ciphertext]
//
// The same material and iteration count are all that is needed to open it.
func SealRecord(material, plaintext []byte, iters int) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	aead, err := newAEAD(DeriveKey(material, salt, iters))
	if err != nil {
		return nil, err
	}

	// Seal emits ciphertext||tag; the record layout wants the tag first
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, saltLen+ivLen+tagLen+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// OpenRecord reverses SealRecord. Any failure returns ErrSealedRecord.
func OpenRecord(material, record []byte, iters int) ([]byte, error) {
	if len(record) < saltLen+ivLen+tagLen {
		return nil, ErrSealedRecord
	}
	salt := record[:saltLen]
	iv := record[saltLen : saltLen+ivLen]
	tag := record[saltLen+ivLen : saltLen+ivLen+tagLen]
	ct := record[saltLen+ivLen+tagLen:]

	aead, err := newAEAD(DeriveKey(material, salt, iters))
	if err != nil {
		return nil, ErrSealedRecord
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	pt, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrSealedRecord
	}
	return pt, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
