package manifest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/internal/logging"
	"github.com/HelloWorld017/clxdb/storage"
)

var log = logging.Logger("clxdb/manifest")

const (
	objectName     = "manifest.json"
	maxCASAttempts = 8
)

// UpdateDescriptor tells UpdateManifest how to build the next manifest
// revision from the snapshot a Mutator observed.
type UpdateDescriptor struct {
	// SetLastSequence, non-nil, overwrites lastSequence in the next revision.
	SetLastSequence *int64

	// MaterializeShards is invoked once per CAS attempt with the manifest
	// snapshot currently in hand, and must return the shard descriptors to
	// add. Re-invoking per attempt keeps preliminary seq assignments
	// consistent with the latest observed lastSequence (spec §4.2 step 3,
	// §4.8 step 6).
	MaterializeShards func(ctx context.Context, base *Manifest) ([]ShardFileInfo, error)

	// RemovedFilenames lists shards to drop from the manifest, e.g. after
	// compaction or garbage collection.
	RemovedFilenames []string

	// Commit runs once after a successful PUT, with the final committed
	// manifest.
	Commit func(final *Manifest)
}

// Mutator inspects the current manifest and describes the update to apply.
type Mutator func(ctx context.Context, current *Manifest) (*UpdateDescriptor, error)

// Refetch pulls remote changes into the caller's local state (e.g.
// re-ingesting newly visible shards) ahead of a CAS retry.
type Refetch func(ctx context.Context) error

// Manager owns the manifest CAS loop: load, snapshot, and the
// updateManifest primitive described in spec §4.2.
type Manager struct {
	backend storage.Backend
	crypto  *crypto.Manager

	mu      sync.RWMutex
	current *Manifest
	exists  bool
	etag    string
}

// NewManager constructs a manifest Manager over backend, signing and
// verifying via cm.
func NewManager(backend storage.Backend, cm *crypto.Manager) *Manager {
	return &Manager{backend: backend, crypto: cm}
}

// Load fetches and verifies the current manifest, or seeds an empty one
// under uuid if none exists yet.
func (mgr *Manager) Load(ctx context.Context, uuid string) error {
	data, err := mgr.backend.Get(ctx, objectName)
	if clxerr.Is(err, clxerr.NotFound) {
		mgr.mu.Lock()
		mgr.current = New(uuid)
		mgr.exists = false
		mgr.etag = ""
		mgr.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return clxerr.Wrap(clxerr.InvariantViolation, err, "parse manifest")
	}
	if !verify(mgr.crypto, &m) {
		return clxerr.New(clxerr.CorruptedOrTampered, "manifest signature invalid")
	}

	mgr.mu.Lock()
	mgr.current = &m
	mgr.exists = true
	mgr.etag = storage.ETag(data)
	mgr.mu.Unlock()
	return nil
}

// Snapshot returns the most recently observed manifest. Callers must treat
// the result as read-only; mutate only through UpdateManifest.
func (mgr *Manager) Snapshot() *Manifest {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.current
}

// UpdateManifest runs the compare-and-swap loop of spec §4.2: build a
// candidate revision from mutate's descriptor, sign it, and attempt a
// conditional PUT against the last-known manifest bytes. On a Conflict, it
// invokes refetch, reloads the local snapshot, and retries, bounded by
// maxCASAttempts.
func (mgr *Manager) UpdateManifest(ctx context.Context, mutate Mutator, refetch Refetch) (*Manifest, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		mgr.mu.RLock()
		base := mgr.current
		exists := mgr.exists
		etag := mgr.etag
		mgr.mu.RUnlock()

		desc, err := mutate(ctx, base)
		if err != nil {
			return nil, err
		}

		next := base.Clone()

		if desc.SetLastSequence != nil {
			next.LastSequence = *desc.SetLastSequence
		}

		if desc.MaterializeShards != nil {
			added, err := desc.MaterializeShards(ctx, base)
			if err != nil {
				return nil, err
			}
			next.ShardFiles = append(next.ShardFiles, added...)
		}

		if len(desc.RemovedFilenames) > 0 {
			removed := make(map[string]bool, len(desc.RemovedFilenames))
			for _, f := range desc.RemovedFilenames {
				removed[f] = true
			}
			kept := next.ShardFiles[:0]
			for _, sf := range next.ShardFiles {
				if !removed[sf.Filename] {
					kept = append(kept, sf)
				}
			}
			next.ShardFiles = kept
		}

		if err := finalize(mgr.crypto, next); err != nil {
			return nil, err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, clxerr.Wrap(clxerr.InvariantViolation, err, "encode manifest")
		}

		precondition := storage.IfMatch(etag)
		if !exists {
			precondition = storage.NotExists()
		}

		putErr := mgr.backend.Put(ctx, objectName, data, precondition)
		if putErr == nil && !mgr.backend.SupportsCAS() {
			putErr = mgr.detectLostUpdate(ctx, data)
		}

		if putErr == nil {
			mgr.mu.Lock()
			mgr.current = next
			mgr.exists = true
			mgr.etag = storage.ETag(data)
			mgr.mu.Unlock()

			if desc.Commit != nil {
				desc.Commit(next)
			}
			return next, nil
		}

		if !clxerr.Is(putErr, clxerr.Conflict) {
			return nil, putErr
		}

		log.Debugw("manifest CAS conflict, retrying", "attempt", attempt)

		if refetch != nil {
			if err := refetch(ctx); err != nil {
				return nil, err
			}
		}
		if err := mgr.Load(ctx, base.UUID); err != nil {
			return nil, err
		}
	}

	return nil, clxerr.New(clxerr.Conflict, "manifest update exhausted its CAS retry budget")
}

// detectLostUpdate re-fetches the object immediately after a PUT on a
// backend without native CAS, reporting a Conflict if the stored bytes
// don't match what was just written (spec §4.2, last paragraph).
func (mgr *Manager) detectLostUpdate(ctx context.Context, written []byte) error {
	data, err := mgr.backend.Get(ctx, objectName)
	if err != nil {
		return err
	}
	if storage.ETag(data) != storage.ETag(written) {
		return clxerr.New(clxerr.Conflict, "manifest changed concurrently on a backend without native CAS")
	}
	return nil
}
