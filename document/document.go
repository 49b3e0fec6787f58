// Package document defines the user payload unit shared across the shard,
// manifest, sync, and database-backend layers.
package document

// SeqUnassigned marks a Document that has not yet been assigned a seq by a
// successful manifest commit (spec §3.1).
const SeqUnassigned int64 = -1

// At is milliseconds since the Unix epoch, the same unit callers pass to
// upsert/delete. MaxSyncAgeMillis converts the MAX_SYNC_AGE_DAYS constant
// (spec §6.6) into that unit for vacuum-horizon computations.
const MaxSyncAgeDays = 365

const MaxSyncAgeMillis int64 = MaxSyncAgeDays * 24 * 60 * 60 * 1000

// Document is the user payload unit, identified by a stable ID. The visible
// version of a given ID is the one with the largest At, ties broken by the
// containing shard's filename then by Seq (spec §3.1).
type Document struct {
	ID   string `json:"id"`
	At   int64  `json:"at"`
	Seq  int64  `json:"seq"`
	Del  bool   `json:"del"`
	Data []byte `json:"data,omitempty"`
}

// Pending reports whether this document has not yet been assigned a seq by
// a committed manifest.
func (d Document) Pending() bool {
	return d.Seq == SeqUnassigned
}

// By sorts documents by At ascending, then ID, matching the shard writer's
// required entry order (spec §4.4).
type By []Document

func (b By) Len() int      { return len(b) }
func (b By) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b By) Less(i, j int) bool {
	if b[i].At != b[j].At {
		return b[i].At < b[j].At
	}
	return b[i].ID < b[j].ID
}
