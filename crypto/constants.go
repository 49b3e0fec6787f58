// Package crypto implements the crypto envelope: master-key derivation,
// per-device wrapping keys, AES-GCM record encryption, and the HMAC
// signature over the manifest. Grounded on the teacher's auth package
// (auth/key_manager.go, auth/password_creds.go) and block/block_formatter.go
// for the AEAD shape, generalized from curve25519/account auth to a single
// symmetric master key shared by the database's devices.
package crypto

// MasterKeySize is the length in bytes of the master key and all derived
// subkeys (256 bits).
const MasterKeySize = 32

// PBKDF2Iterations is the cost factor for deriving a key-wrapping key from a
// password or PIN. Contractual for the password- and PIN-wrapped master key
// entries: changing it breaks interop with existing databases.
const PBKDF2Iterations = 1_500_000

// NonceSize and TagSize are the AES-GCM parameters used for every record.
const (
	NonceSize = 12
	TagSize   = 16
)

// deviceSaltSize and masterSaltSize are the random salt lengths used when
// wrapping a key under a password- or PIN-derived KWK.
const (
	deviceSaltSize = 16
	masterSaltSize = 16
)

// Subkey purpose strings, fed as HKDF "info" to derive independent subkeys
// from the single master key (spec: "shard", "sign", "device").
var (
	purposeShard  = []byte("shard")
	purposeSign   = []byte("sign")
	purposeDevice = []byte("device")
)

// aadMasterKey and aadDevicePrefix are the AES-GCM associated-data tags used
// when wrapping the master key, distinguishing password-wrapped and
// device-PIN-wrapped ciphertexts from each other and from shard records.
const aadMasterKey = "clxdb:master-key"
const aadDevicePrefix = "clxdb:device-key:"
