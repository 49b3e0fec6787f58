package storage

import (
	"encoding/json"
	"fmt"
)

// Factory constructs a Backend from a provider-specific, JSON-serializable
// configuration value, mirroring the teacher's storageFactory in
// blob/registry.go.
type Factory struct {
	DefaultConfig func() interface{}
	Create        func(cfg interface{}) (Backend, error)
}

var factories = map[string]*Factory{}

// Register adds a Factory under the given scheme name (e.g. "file", "mem").
// Called from each backend's own init() (storage/mem.go, storage/file.go).
func Register(scheme string, f *Factory) {
	factories[scheme] = f
}

// New creates a Backend for the given scheme using the matching registered
// Factory, analogous to the teacher's blob.NewStorage.
func New(scheme string, cfg interface{}) (Backend, error) {
	f, ok := factories[scheme]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend scheme: %s", scheme)
	}
	return f.Create(cfg)
}

// Config is a JSON-serializable descriptor of a Backend's provider and
// connection details (spec §6.1, "serialize()/companion deserialize() for
// persistent selection"). Grounded on the teacher's StorageConfiguration
// (blob/config.go)'s {type, config} envelope, routed through the same
// Register/New factory registry blob/registry.go uses.
type Config struct {
	Scheme string
	Data   interface{}
}

// MarshalJSON encodes c as {"scheme": ..., "config": ...}.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Scheme string      `json:"scheme"`
		Config interface{} `json:"config"`
	}{Scheme: c.Scheme, Config: c.Data})
}

// UnmarshalJSON decodes c's scheme, then resolves the matching Factory's
// DefaultConfig to know the concrete shape of the nested "config" value
// before decoding it.
func (c *Config) UnmarshalJSON(b []byte) error {
	raw := struct {
		Scheme string          `json:"scheme"`
		Config json.RawMessage `json:"config"`
	}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	f, ok := factories[raw.Scheme]
	if !ok {
		return fmt.Errorf("unknown storage backend scheme: %s", raw.Scheme)
	}

	cfg := f.DefaultConfig()
	if err := json.Unmarshal(raw.Config, cfg); err != nil {
		return err
	}

	c.Scheme = raw.Scheme
	c.Data = cfg
	return nil
}

// Deserialize reconstructs a Backend from JSON bytes produced by
// json.Marshal(backend.Serialize()), resolving the scheme through the same
// registry New uses.
func Deserialize(data []byte) (Backend, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return New(cfg.Scheme, cfg.Data)
}
