// Package manifest implements the single root record of a database: its
// schema version, shard file listing, optional crypto block, and the
// compare-and-swap commit loop that keeps it internally consistent. Grounded
// on the teacher's committed_block_index.go (changed-set detection) and
// block_manager.go's retrying loadPackIndexesUnlocked, generalized from an
// append-only index to a single versioned root object.
package manifest

import (
	"github.com/HelloWorld017/clxdb/crypto"
)

// ProtocolVersion is the manifest schema version this implementation reads
// and writes (spec §6.6).
const ProtocolVersion = 2

// Range is the inclusive span of `at` timestamps covered by a shard.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// ShardFileInfo describes one shard named in the manifest.
type ShardFileInfo struct {
	Filename string `json:"filename"`
	Level    int    `json:"level"`
	Range    Range  `json:"range"`
}

// Manifest is the single root record of a clxdb database.
type Manifest struct {
	Version      int              `json:"version"`
	UUID         string           `json:"uuid"`
	LastSequence int64            `json:"lastSequence"`
	ShardFiles   []ShardFileInfo  `json:"shardFiles"`
	Crypto       *crypto.Envelope `json:"crypto,omitempty"`
}

// New returns an empty manifest for a freshly created database.
func New(uuid string) *Manifest {
	return &Manifest{
		Version:      ProtocolVersion,
		UUID:         uuid,
		LastSequence: 0,
		ShardFiles:   []ShardFileInfo{},
	}
}

// Clone deep-copies a manifest so a candidate revision can be built without
// mutating the snapshot callers still hold.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}

	clone := &Manifest{
		Version:      m.Version,
		UUID:         m.UUID,
		LastSequence: m.LastSequence,
		ShardFiles:   append([]ShardFileInfo(nil), m.ShardFiles...),
		Crypto:       m.Crypto.Clone(),
	}
	return clone
}

// ShardsAtLevel returns the descriptors of shards at the given level, in
// manifest order.
func (m *Manifest) ShardsAtLevel(level int) []ShardFileInfo {
	var out []ShardFileInfo
	for _, sf := range m.ShardFiles {
		if sf.Level == level {
			out = append(out, sf)
		}
	}
	return out
}

// HasShard reports whether filename is currently named by the manifest.
func (m *Manifest) HasShard(filename string) bool {
	for _, sf := range m.ShardFiles {
		if sf.Filename == filename {
			return true
		}
	}
	return false
}
