// Package shard implements the binary shard format (spec §4.4, §6.4): an
// append-only, encrypted batch of documents, its writer, its
// random-access reader, and a per-database header cache. Grounded on the
// teacher's cas/object_writer.go and cas/object_reader.go for the
// buffer-then-flush shape, and block/block_cache.go for the header cache.
package shard

const (
	// Version is the shard header format version (spec §6.6 SHARD_VERSION).
	Version = 1

	// HeaderLengthBytes is the width of the trailing header-length field.
	HeaderLengthBytes = 4

	// SaltSize is the width of the per-shard random salt prefixed to every
	// shard file. Resolves a circularity in the literal spec text: record
	// encryption's associated data is specified as "the shard's filename
	// bytes", but the filename here is itself a hash of the encrypted
	// contents and so cannot be known before encryption. Using a random
	// per-shard salt, written in cleartext as the file's first SaltSize
	// bytes, as the associated data keeps every record self-describing
	// (the reader needs nothing but the object's own bytes to decrypt it)
	// while still binding the filename to the shard's true contents, since
	// the filename hash covers the salt too.
	SaltSize = 8

	// MaxShardLevel bounds the LSM-like hierarchy; a shard at this level is
	// never promoted by compaction (spec §4.5, §8).
	MaxShardLevel = 6

	// ShardsPrefix is the bulk-store prefix under which shard objects live
	// (spec §6.5).
	ShardsPrefix = "shards/"

	// ShardSuffix is the filename suffix for shard objects (spec §6.5).
	ShardSuffix = ".clx"
)
