// Package vacuum physically drops tombstones older than the retention
// horizon, a special case of compaction that rewrites affected shards in
// place at their existing level rather than promoting them (spec §4.7).
// Grounded on the teacher's block_manager.go content-rewrite path. Each
// affected shard is re-encoded on its own with shard.Write; compaction's
// merge/split helpers are not used.
package vacuum

import (
	"context"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/internal/logging"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/shard"
	"github.com/HelloWorld017/clxdb/storage"
)

var log = logging.Logger("clxdb/vacuum")

// Options tunes vacuum triggering and pacing (spec §6.6).
type Options struct {
	// Threshold: vacuum is due once TombstoneCount/LiveCount of a prior
	// Stats exceeds this ratio.
	Threshold float64

	// Count bounds how many tombstones a single Run call may physically
	// drop, so one cycle never re-encodes the entire database at once.
	Count int

	// Horizon: a tombstone is eligible for removal once its At is older
	// than this (same unit as document.Document.At; see
	// document.MaxSyncAgeMillis).
	Horizon int64
}

// Stats summarizes the live/tombstone split across every shard currently
// named by a manifest, used to decide whether Run is due.
type Stats struct {
	LiveCount      int
	TombstoneCount int
}

// Due reports whether s.TombstoneCount/s.LiveCount exceeds opts.Threshold.
// A database with no live documents is never considered due (nothing to
// protect the ratio from being meaningless).
func (s Stats) Due(opts Options) bool {
	if s.LiveCount == 0 {
		return false
	}
	return float64(s.TombstoneCount)/float64(s.LiveCount) > opts.Threshold
}

// Collect scans every shard named by m and tallies live documents versus
// tombstones.
func Collect(ctx context.Context, backend storage.Backend, cm *crypto.Manager, cache shard.HeaderCache, m *manifest.Manifest) (Stats, error) {
	var stats Stats
	for _, sf := range m.ShardFiles {
		handle, err := shard.OpenCached(ctx, backend, cm, cache, m.UUID, sf.Filename)
		if err != nil {
			return Stats{}, err
		}
		for _, e := range handle.Header.Entries {
			if e.Del {
				stats.TombstoneCount++
			} else {
				stats.LiveCount++
			}
		}
	}
	return stats, nil
}

// Run rewrites, in a single manifest CAS, every shard that contains a
// tombstone older than opts.Horizon: the tombstone is dropped from the
// re-encoded shard (same level), and every other entry is carried forward
// unchanged. Stops once opts.Count tombstones have been dropped. Returns
// the number of tombstones actually removed.
func Run(ctx context.Context, mm *manifest.Manager, backend storage.Backend, cm *crypto.Manager, cache shard.HeaderCache, opts Options) (int, error) {
	if opts.Count <= 0 {
		return 0, nil
	}

	snap := mm.Snapshot()
	type rewrite struct {
		oldFilename string
		level       int
		docs        []document.Document
	}

	var rewrites []rewrite
	removed := 0

	for _, sf := range snap.ShardFiles {
		if removed >= opts.Count {
			break
		}

		handle, err := shard.OpenCached(ctx, backend, cm, cache, snap.UUID, sf.Filename)
		if err != nil {
			return 0, err
		}

		eligible := false
		for _, e := range handle.Header.Entries {
			if e.Del && e.At < opts.Horizon {
				eligible = true
				break
			}
		}
		if !eligible {
			continue
		}

		docs, err := handle.StreamDocuments(ctx, backend, cm)
		if err != nil {
			return 0, err
		}

		kept := make([]document.Document, 0, len(docs))
		for _, d := range docs {
			if d.Del && d.At < opts.Horizon && removed < opts.Count {
				removed++
				continue
			}
			kept = append(kept, d)
		}

		rewrites = append(rewrites, rewrite{oldFilename: sf.Filename, level: sf.Level, docs: kept})
	}

	if len(rewrites) == 0 {
		return 0, nil
	}

	log.Infow("vacuuming tombstones", "shards", len(rewrites), "removed", removed)

	removedFilenames := make([]string, 0, len(rewrites))
	for _, r := range rewrites {
		removedFilenames = append(removedFilenames, r.oldFilename)
	}

	_, err := mm.UpdateManifest(ctx, func(ctx context.Context, current *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		return &manifest.UpdateDescriptor{
			RemovedFilenames: removedFilenames,
			MaterializeShards: func(ctx context.Context, base *manifest.Manifest) ([]manifest.ShardFileInfo, error) {
				infos := make([]manifest.ShardFileInfo, 0, len(rewrites))
				for _, r := range rewrites {
					if len(r.docs) == 0 {
						continue
					}

					written, err := shard.Write(cm, r.docs)
					if err != nil {
						return nil, err
					}

					if err := backend.Put(ctx, written.Filename, written.Data, storage.NotExists()); err != nil && !clxerr.Is(err, clxerr.Conflict) {
						return nil, err
					}

					min, max := written.Header.MinMaxAt()
					infos = append(infos, manifest.ShardFileInfo{
						Filename: written.Filename,
						Level:    r.level,
						Range:    manifest.Range{Min: min, Max: max},
					})
					cache.Put(base.UUID, &shard.Handle{Filename: written.Filename, Salt: written.Data[:shard.SaltSize], Header: written.Header})
				}
				return infos, nil
			},
		}, nil
	}, nil)
	if err != nil {
		return 0, err
	}

	return removed, nil
}
