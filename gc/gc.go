// Package gc identifies shard objects no longer referenced by the current
// manifest and removes them once they are old enough that a concurrent
// writer cannot plausibly still be relying on them (spec §4.6). Grounded on
// the teacher's block_manager.go FindUnreferencedStorageFiles /
// findPackBlocksInUse pattern: list everything under the object prefix,
// subtract what's live, age-filter the remainder.
package gc

import (
	"context"
	"time"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/internal/logging"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/shard"
	"github.com/HelloWorld017/clxdb/storage"
)

var log = logging.Logger("clxdb/gc")

// Options tunes the safety grace period before an unreferenced object is
// considered collectible.
type Options struct {
	// MinAge: an object must have been last modified at least this long
	// ago before gc will delete it, so a shard just written by a sync that
	// has not yet committed its superseding manifest is never raced.
	MinAge time.Duration
}

// DefaultOptions mirrors the grace period the sync engine's own CAS retry
// budget assumes is long enough for a manifest commit to land.
func DefaultOptions() Options {
	return Options{MinAge: 10 * time.Minute}
}

// Candidates lists every object under the shards prefix not named by m,
// whose ModifiedAt is at least opts.MinAge old.
func Candidates(ctx context.Context, backend storage.Backend, m *manifest.Manifest, opts Options) ([]string, error) {
	infos, err := backend.List(ctx, shard.ShardsPrefix)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-opts.MinAge)
	var orphans []string
	for _, info := range infos {
		if m.HasShard(info.Name) {
			continue
		}
		if !info.ModifiedAt.IsZero() && info.ModifiedAt.After(cutoff) {
			continue
		}
		orphans = append(orphans, info.Name)
	}
	return orphans, nil
}

// Run deletes every object Candidates returns, tolerating NotFound as
// success (spec §4.6, "tolerates NotFound"). Returns the number of objects
// actually removed.
func Run(ctx context.Context, backend storage.Backend, m *manifest.Manifest, opts Options) (int, error) {
	orphans, err := Candidates(ctx, backend, m, opts)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	log.Infow("garbage collecting unreferenced shards", "count", len(orphans))

	removed := 0
	for _, name := range orphans {
		if err := backend.Delete(ctx, name); err != nil && !clxerr.Is(err, clxerr.NotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
