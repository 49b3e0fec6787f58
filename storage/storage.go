// Package storage defines the bulk object interface (spec §4.1, §6.1): a
// thin, provider-agnostic contract over list/get/put/delete with
// conditional PUT, grounded on the teacher's blob.Storage interface
// (blob/storage.go) and generalized with context and preconditions.
package storage

import (
	"context"
	"time"
)

// PreconditionKind selects the conditional semantics of a Put call.
type PreconditionKind int

const (
	// PreconditionNone performs an unconditional overwrite.
	PreconditionNone PreconditionKind = iota

	// PreconditionNotExists succeeds only if no object currently exists under the name.
	PreconditionNotExists

	// PreconditionIfMatch succeeds only if the object's current content hash equals ETag.
	PreconditionIfMatch
)

// Precondition describes the conditional-PUT semantics requested by a caller.
type Precondition struct {
	Kind PreconditionKind

	// ETag is the expected current content hash of the object, required
	// when Kind == PreconditionIfMatch. Backends that lack native CAS do
	// not check it; manifest.Manager instead re-fetches the object after
	// the PUT and compares it with the bytes it wrote.
	ETag string
}

// IfMatch builds a Precondition requiring the object's current content hash
// to equal etag.
func IfMatch(etag string) Precondition {
	return Precondition{Kind: PreconditionIfMatch, ETag: etag}
}

// NotExists builds a Precondition requiring the object to be absent.
func NotExists() Precondition {
	return Precondition{Kind: PreconditionNotExists}
}

// None builds an unconditional Precondition.
func None() Precondition {
	return Precondition{Kind: PreconditionNone}
}

// ObjectInfo describes a single object returned by List.
type ObjectInfo struct {
	Name       string
	Length     int64
	ModifiedAt time.Time
}

// Metadata self-describes a backend for UI / diagnostics purposes (spec §6.1).
type Metadata struct {
	Kind string
	Info map[string]string
}

// Backend is the capability a sync/manifest/shard engine needs from the
// untrusted bulk object store. Implementations must guarantee that a read
// immediately following a successful write of the same name, within one
// backend session, observes the new value ("read-after-write" consistency);
// List may lag behind concurrent writes.
type Backend interface {
	// List returns the names of all objects whose name has the given prefix.
	// Eventually consistent: a just-written name may not appear immediately.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get retrieves the full contents of name. Returns a clxerr.NotFound
	// error if the object does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// GetRange retrieves [offset, offset+length) of name's contents.
	GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error)

	// Put writes data to name, honoring precondition. Returns a
	// clxerr.Conflict error if the precondition does not hold.
	Put(ctx context.Context, name string, data []byte, precondition Precondition) error

	// Delete removes name. Returns nil if the object is already absent
	// (NotFound is tolerated as success per spec §4.6).
	Delete(ctx context.Context, name string) error

	// SupportsCAS reports whether Put implements precondition checks
	// natively (atomically) rather than via the fetch-then-compare
	// fallback described in spec §4.2/§9.
	SupportsCAS() bool

	// Metadata self-describes this backend.
	Metadata() Metadata

	// Serialize returns this backend's Config: a scheme name plus a
	// JSON-serializable connection value, letting a selected backend be
	// persisted (e.g. alongside application settings) and reconstructed
	// later via Deserialize (spec §6.1, "serialize()/companion
	// deserialize() for persistent selection"). A pure data conversion,
	// not a runtime type switch: the scheme name alone drives dispatch.
	Serialize() Config
}
