package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// ETag computes the content-addressed hash used both internally by
// backends implementing PreconditionIfMatch and externally by the manifest
// manager, which must compute hash(M0) the same way a backend's Put does in
// order to build a matching precondition (spec §4.2 step 5).
func ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
