package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// deriveKWK turns a password or PIN into a 256-bit key-wrapping key via
// PBKDF2-HMAC-SHA-256 at the contractual iteration count.
func deriveKWK(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, PBKDF2Iterations, MasterKeySize, sha256.New)
}

// deriveSubkey derives a purpose-scoped 256-bit subkey from the master key
// via HKDF-SHA-256, salted by the database uuid so subkeys for two
// databases sharing a master key (never expected, but not excluded) never
// collide. Mirrors the teacher's KeyManager.DeriveKey in auth/key_manager.go.
func deriveSubkey(masterKey, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, salt, info)
	sub := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
