package crypto

// DeviceKeyEntry is a per-device unlock credential: the master key wrapped
// under that device's PIN-derived key-wrapping key, plus the salt needed to
// re-derive it and bookkeeping for quick-unlock touch semantics.
type DeviceKeyEntry struct {
	DeviceID         string `json:"-"`
	DeviceName       string `json:"deviceName"`
	WrappedMasterKey []byte `json:"key"`
	Salt             []byte `json:"salt"`
	LastUsedAt       int64  `json:"lastUsedAt"`
}

// Envelope is the manifest's crypto block (spec §3.1): everything needed to
// unwrap the master key and verify the manifest's authenticity, keyed by
// device id in DeviceKeys. Absent entirely for unencrypted databases.
type Envelope struct {
	Nonce         []byte                     `json:"nonce,omitempty"`
	Timestamp     int64                      `json:"timestamp"`
	MasterKey     []byte                     `json:"masterKey"`
	MasterKeySalt []byte                     `json:"masterKeySalt"`
	DeviceKeys    map[string]*DeviceKeyEntry `json:"deviceKey"`
	Signature     []byte                     `json:"signature"`
}

// Clone returns a deep copy, used by the manifest manager to build a
// candidate M1 without mutating the in-memory M0 snapshot until the CAS
// PUT succeeds.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}

	clone := &Envelope{
		Nonce:         append([]byte(nil), e.Nonce...),
		Timestamp:     e.Timestamp,
		MasterKey:     append([]byte(nil), e.MasterKey...),
		MasterKeySalt: append([]byte(nil), e.MasterKeySalt...),
		Signature:     append([]byte(nil), e.Signature...),
		DeviceKeys:    make(map[string]*DeviceKeyEntry, len(e.DeviceKeys)),
	}
	for id, entry := range e.DeviceKeys {
		copied := *entry
		copied.WrappedMasterKey = append([]byte(nil), entry.WrappedMasterKey...)
		copied.Salt = append([]byte(nil), entry.Salt...)
		clone.DeviceKeys[id] = &copied
	}
	return clone
}
