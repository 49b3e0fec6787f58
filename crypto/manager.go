package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"
	"time"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/internal/logging"
)

var log = logging.Logger("clxdb/crypto")

// touchInterval is the minimum gap between lastUsedAt refreshes, avoiding a
// manifest CAS on every unlock (spec §9 Open Questions: rate-limited touch
// recommended).
const touchInterval = 24 * time.Hour

// Manager holds the master key and its derived subkeys in memory for one
// device of one database. It never persists key material itself; callers
// persist only the wrapped forms carried in an Envelope.
type Manager struct {
	mu sync.Mutex

	enabled  bool
	uuid     string
	deviceID string

	unlocked   bool
	masterKey  []byte
	shardKey   []byte
	signKey    []byte
	deviceKey  []byte
}

// NewManager constructs a crypto Manager for an encrypted database. The
// manager starts locked; call CreateEnvelope or UnlockWithMaster /
// UnlockWithDevice before Encrypt/Decrypt/Sign will succeed.
func NewManager(uuid, deviceID string) *Manager {
	return &Manager{enabled: true, uuid: uuid, deviceID: deviceID}
}

// NewUnencryptedManager returns a Manager for a database with no crypto
// block at all: Encrypt/Decrypt are the identity, Sign returns no
// signature, Verify always succeeds (spec §4.3, last paragraph).
func NewUnencryptedManager() *Manager {
	return &Manager{enabled: false, unlocked: true}
}

// Enabled reports whether this database carries a crypto envelope at all.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Unlocked reports whether the master key is currently resident in memory.
func (m *Manager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocked
}

// DeviceID returns the identity this manager unlocks under.
func (m *Manager) DeviceID() string {
	return m.deviceID
}

func (m *Manager) setMasterKeyLocked(masterKey []byte) error {
	salt := []byte(m.uuid)

	shardKey, err := deriveSubkey(masterKey, salt, purposeShard)
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "derive shard subkey")
	}
	signKey, err := deriveSubkey(masterKey, salt, purposeSign)
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "derive sign subkey")
	}
	deviceKey, err := deriveSubkey(masterKey, salt, purposeDevice)
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "derive device subkey")
	}

	m.masterKey = masterKey
	m.shardKey = shardKey
	m.signKey = signKey
	m.deviceKey = deviceKey
	m.unlocked = true
	return nil
}

// Lock zeroes all key material and returns an encrypted manager to the
// locked state. client.Client.Destroy does not call it; the key material
// stays resident until Lock is called on the Manager directly.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	zero(m.masterKey)
	zero(m.shardKey)
	zero(m.signKey)
	zero(m.deviceKey)
	m.masterKey, m.shardKey, m.signKey, m.deviceKey = nil, nil, nil, nil
	m.unlocked = m.enabled == false
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CreateEnvelope generates a fresh master key for a brand-new encrypted
// database, wraps it under password, and returns the initial crypto block.
// The manager unlocks as a side effect.
func (m *Manager) CreateEnvelope(password string) (*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	masterKey := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "generate master key")
	}

	salt := make([]byte, masterSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "generate master key salt")
	}

	kwk := deriveKWK([]byte(password), salt)
	wrapped, err := aeadEncrypt(kwk, masterKey, []byte(aadMasterKey))
	if err != nil {
		return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "wrap master key with password")
	}

	if err := m.setMasterKeyLocked(masterKey); err != nil {
		return nil, err
	}

	log.Debugw("created new crypto envelope", "uuid", m.uuid)

	return &Envelope{
		Timestamp:     time.Now().UnixMilli(),
		MasterKey:     wrapped,
		MasterKeySalt: salt,
		DeviceKeys:    map[string]*DeviceKeyEntry{},
	}, nil
}

// UnlockWithMaster unwraps the master key using the database password.
func (m *Manager) UnlockWithMaster(password string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kwk := deriveKWK([]byte(password), env.MasterKeySalt)
	masterKey, err := aeadDecrypt(kwk, env.MasterKey, []byte(aadMasterKey))
	if err != nil {
		return clxerr.Wrap(clxerr.AuthFailure, err, "wrong master password")
	}
	return m.setMasterKeyLocked(masterKey)
}

// UnlockWithDevice unwraps the master key using this device's quick-unlock
// PIN. On success, lastUsedAt is refreshed when stale (rate-limited).
func (m *Manager) UnlockWithDevice(pin string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := env.DeviceKeys[m.deviceID]
	if !ok {
		return clxerr.Newf(clxerr.AuthFailure, "device %q is not registered", m.deviceID)
	}

	kwk := deriveKWK([]byte(pin), entry.Salt)
	masterKey, err := aeadDecrypt(kwk, entry.WrappedMasterKey, []byte(aadDevicePrefix+m.deviceID))
	if err != nil {
		return clxerr.Wrap(clxerr.AuthFailure, err, "wrong device PIN")
	}

	if err := m.setMasterKeyLocked(masterKey); err != nil {
		return err
	}

	m.touchLocked(entry)
	return nil
}

func (m *Manager) touchLocked(entry *DeviceKeyEntry) {
	now := time.Now().UnixMilli()
	if now-entry.LastUsedAt < touchInterval.Milliseconds() {
		return
	}
	entry.LastUsedAt = now
}

// TouchCurrentDevice refreshes this device's lastUsedAt on a best-effort,
// rate-limited schedule.
func (m *Manager) TouchCurrentDevice(env *Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := env.DeviceKeys[m.deviceID]
	if !ok {
		return
	}
	m.touchLocked(entry)
}

// AddDevice registers deviceID for quick-unlock, wrapping the currently
// unlocked master key under a PIN-derived KWK with a fresh salt.
func (m *Manager) AddDevice(env *Envelope, deviceID, deviceName, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unlocked {
		return clxerr.New(clxerr.InvariantViolation, "crypto manager is locked")
	}

	salt := make([]byte, deviceSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "generate device salt")
	}

	kwk := deriveKWK([]byte(pin), salt)
	wrapped, err := aeadEncrypt(kwk, m.masterKey, []byte(aadDevicePrefix+deviceID))
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "wrap master key for device")
	}

	if env.DeviceKeys == nil {
		env.DeviceKeys = map[string]*DeviceKeyEntry{}
	}
	env.DeviceKeys[deviceID] = &DeviceKeyEntry{
		DeviceID:         deviceID,
		DeviceName:       deviceName,
		WrappedMasterKey: wrapped,
		Salt:             salt,
		LastUsedAt:       time.Now().UnixMilli(),
	}

	log.Debugw("registered device for quick-unlock", "deviceId", deviceID)
	return nil
}

// RemoveDevice deletes a device's registry entry. Other devices' entries
// are untouched: the master key itself never changes.
func (m *Manager) RemoveDevice(env *Envelope, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(env.DeviceKeys, deviceID)
	log.Debugw("removed device registration", "deviceId", deviceID)
}

// RotateMaster re-derives the password KWK and re-wraps the master key
// under it. The master key itself is unchanged, so every device's
// registry entry (wrapped under its own PIN) stays valid.
func (m *Manager) RotateMaster(oldPassword, newPassword string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldKWK := deriveKWK([]byte(oldPassword), env.MasterKeySalt)
	masterKey, err := aeadDecrypt(oldKWK, env.MasterKey, []byte(aadMasterKey))
	if err != nil {
		return clxerr.Wrap(clxerr.AuthFailure, err, "wrong current master password")
	}

	newSalt := make([]byte, masterSaltSize)
	if _, err := io.ReadFull(rand.Reader, newSalt); err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "generate master key salt")
	}

	newKWK := deriveKWK([]byte(newPassword), newSalt)
	wrapped, err := aeadEncrypt(newKWK, masterKey, []byte(aadMasterKey))
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "wrap master key with new password")
	}

	env.MasterKey = wrapped
	env.MasterKeySalt = newSalt
	return m.setMasterKeyLocked(masterKey)
}

// RotateDevicePin re-wraps only the current device's registry entry under a
// new PIN, verifying the caller's right to do so via the master password.
func (m *Manager) RotateDevicePin(masterPassword, newPin string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kwk := deriveKWK([]byte(masterPassword), env.MasterKeySalt)
	masterKey, err := aeadDecrypt(kwk, env.MasterKey, []byte(aadMasterKey))
	if err != nil {
		return clxerr.Wrap(clxerr.AuthFailure, err, "wrong master password")
	}

	salt := make([]byte, deviceSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "generate device salt")
	}

	newKWK := deriveKWK([]byte(newPin), salt)
	wrapped, err := aeadEncrypt(newKWK, masterKey, []byte(aadDevicePrefix+m.deviceID))
	if err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "wrap master key for device")
	}

	entry, ok := env.DeviceKeys[m.deviceID]
	if !ok {
		entry = &DeviceKeyEntry{DeviceID: m.deviceID}
		env.DeviceKeys[m.deviceID] = entry
	}
	entry.Salt = salt
	entry.WrappedMasterKey = wrapped
	entry.LastUsedAt = time.Now().UnixMilli()

	return m.setMasterKeyLocked(masterKey)
}

// Encrypt seals plaintext for storage in a shard body or header, aad
// being the shard's random salt (see shard.SaltSize). Identity for
// unencrypted databases.
func (m *Manager) Encrypt(plaintext, aad []byte) ([]byte, error) {
	m.mu.Lock()
	enabled, unlocked, key := m.enabled, m.unlocked, m.shardKey
	m.mu.Unlock()

	if !enabled {
		return plaintext, nil
	}
	if !unlocked {
		return nil, clxerr.New(clxerr.InvariantViolation, "crypto manager is locked")
	}
	return aeadEncrypt(key, plaintext, aad)
}

// Decrypt is Encrypt's inverse. Authentication failure surfaces as
// CorruptedOrTampered.
func (m *Manager) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	m.mu.Lock()
	enabled, unlocked, key := m.enabled, m.unlocked, m.shardKey
	m.mu.Unlock()

	if !enabled {
		return ciphertext, nil
	}
	if !unlocked {
		return nil, clxerr.New(clxerr.InvariantViolation, "crypto manager is locked")
	}
	return aeadDecrypt(key, ciphertext, aad)
}

// Sign computes the manifest signature (HMAC-SHA-256) over the canonical
// manifest bytes supplied by the manifest manager. Returns nil for an
// unencrypted database (no crypto block to sign).
func (m *Manager) Sign(canonicalBytes []byte) ([]byte, error) {
	m.mu.Lock()
	enabled, unlocked, key := m.enabled, m.unlocked, m.signKey
	m.mu.Unlock()

	if !enabled {
		return nil, nil
	}
	if !unlocked {
		return nil, clxerr.New(clxerr.InvariantViolation, "crypto manager is locked")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalBytes)
	return mac.Sum(nil), nil
}

// Verify checks a manifest signature against its canonical bytes. Always
// true for unencrypted databases; false if locked or the signature was
// computed under a different key (tampered or foreign manifest).
func (m *Manager) Verify(canonicalBytes, signature []byte) bool {
	m.mu.Lock()
	enabled, unlocked, key := m.enabled, m.unlocked, m.signKey
	m.mu.Unlock()

	if !enabled {
		return true
	}
	if !unlocked || len(signature) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalBytes)
	return hmac.Equal(mac.Sum(nil), signature)
}

// SignatureSize is the byte length of a Sign() output, used by the manifest
// manager to build the zeroed signature placeholder before canonicalizing.
func (m *Manager) SignatureSize() int {
	return sha256.Size
}
