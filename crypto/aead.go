package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/HelloWorld017/clxdb/clxerr"
)

// aeadEncrypt seals plaintext under key with a fresh random nonce, returning
// nonce||ciphertext||tag. aad binds the ciphertext to its context (a shard's
// random salt, or a fixed string for key-wrapping operations) so a ciphertext
// cannot be replayed into a different slot.
func aeadEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "read random nonce")
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// aeadDecrypt opens a nonce||ciphertext||tag blob produced by aeadEncrypt.
// Any authentication failure is reported as CorruptedOrTampered, matching
// the spec's treatment of AEAD failure as fatal for the offending record.
func aeadDecrypt(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < NonceSize {
		return nil, clxerr.New(clxerr.CorruptedOrTampered, "ciphertext shorter than nonce")
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, clxerr.Wrap(clxerr.CorruptedOrTampered, err, "AEAD authentication failed")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "construct AES cipher")
	}

	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "construct AES-GCM")
	}
	return gcm, nil
}
