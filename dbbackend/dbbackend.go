// Package dbbackend defines the DatabaseBackend capability the sync engine
// drives (spec §6.2) and ships an in-memory reference implementation.
// Grounded on the teacher's blob.Storage capability-interface shape and
// `blob/map.go`'s mapStorage (map+mutex backing store), retargeted from
// opaque blobs to identified, pending-aware documents.
package dbbackend

import (
	"context"

	"github.com/HelloWorld017/clxdb/document"
)

// Backend is the local durable cache of documents and their pending-upload
// state that the sync engine reads from and writes to. Seq's sentinel
// value (document.SeqUnassigned) is how a Backend tells pending documents
// apart from confirmed ones — Upsert sets pending exactly when the
// document it's given carries that sentinel, and clears it otherwise,
// which is what lets the commit step of a sync tick "confirm" pending ids
// by re-upserting them with their final seq rather than needing a seventh
// method beyond the six spec §6.2 names.
type Backend interface {
	// Initialize prepares the backend for database uuid, idempotently.
	Initialize(ctx context.Context, uuid string) error

	// Read returns, for each id, its current local representation or nil
	// if absent. The result slice has the same length and order as ids.
	Read(ctx context.Context, ids []string) ([]*document.Document, error)

	// ReadPendingIDs returns every id whose seq is still unassigned.
	ReadPendingIDs(ctx context.Context) ([]string, error)

	// Upsert stores docs, whether arriving from a remote shard (seq
	// already assigned) or newly written locally (seq ==
	// document.SeqUnassigned, marking them pending).
	Upsert(ctx context.Context, docs []document.Document) error

	// Delete records each tombstone as a pending local change, until the
	// next successful sync confirms it. Callers pass Del: true,
	// Seq: document.SeqUnassigned.
	Delete(ctx context.Context, tombstones []document.Document) error

	// Replicate registers onChange to be invoked whenever a local write
	// occurs (Upsert or Delete called with a pending document), and
	// returns an idempotent unsubscribe function.
	Replicate(onChange func()) (unsubscribe func())
}
