package manifest

import (
	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
)

// finalize recomputes m's signature in place, using the zeroed-signature
// canonicalization the spec requires: the signature field is replaced with
// zero bytes of its own length before signing, then the real signature is
// written back (spec §4.3, §6.3).
func finalize(cm *crypto.Manager, m *Manifest) error {
	if !cm.Enabled() {
		return nil
	}
	if m.Crypto == nil {
		return clxerr.New(clxerr.InvariantViolation, "encrypted database manifest missing crypto block")
	}

	working := m.Clone()
	working.Crypto.Signature = make([]byte, cm.SignatureSize())

	data, err := canonicalBytes(working)
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "canonicalize manifest for signing")
	}

	sig, err := cm.Sign(data)
	if err != nil {
		return err
	}

	m.Crypto.Signature = sig
	return nil
}

// verify checks m's signature. Unencrypted databases always verify; a
// database with a crypto block but no or mismatched signature does not.
func verify(cm *crypto.Manager, m *Manifest) bool {
	if !cm.Enabled() {
		return true
	}
	if m.Crypto == nil || len(m.Crypto.Signature) == 0 {
		return false
	}

	working := m.Clone()
	sig := working.Crypto.Signature
	working.Crypto.Signature = make([]byte, len(sig))

	data, err := canonicalBytes(working)
	if err != nil {
		return false
	}

	return cm.Verify(data, sig)
}
