// Package compaction promotes small/overlapping shards to higher levels,
// merging documents by id with last-writer-wins semantics (spec §4.5).
// Grounded on the teacher's block_manager_compaction.go (bucketing +
// threshold trigger) and merged.go (last-writer-wins merge keyed by id).
package compaction

import (
	"context"
	"sort"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/internal/logging"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/shard"
	"github.com/HelloWorld017/clxdb/storage"
)

var log = logging.Logger("clxdb/compaction")

// Options tunes when and how aggressively compaction runs (spec §6.6).
type Options struct {
	CompactionThreshold int
	DesiredShardSize    int64
	MaxShardLevel       int

	// VacuumHorizon: tombstones with At older than this are dropped
	// entirely during the merge rather than carried forward (spec §4.5
	// step 2); 0 disables this (no tombstone is old enough).
	VacuumHorizon int64
}

// DefaultOptions returns reasonable defaults (spec §6.6 lists these as
// overridable, without mandating specific values).
func DefaultOptions() Options {
	return Options{
		CompactionThreshold: 8,
		DesiredShardSize:    64 * 1024,
		MaxShardLevel:       shard.MaxShardLevel,
	}
}

// Plan names the level whose shard count reached the threshold and the
// shards selected to merge.
type Plan struct {
	Level           int
	SourceFilenames []string
}

// SelectGroup picks the lowest level whose shard count meets
// CompactionThreshold and returns all of its shards as the group to merge,
// a simplified stand-in for the spec's "smallest overlapping cluster
// within the size band" selection: every candidate shard at a level that
// has crossed the trigger is, in practice, eligible to merge with its
// neighbors, so the generated plan always converges and never starves a
// level. Returns nil if no level needs compacting.
func SelectGroup(m *manifest.Manifest, opts Options) *Plan {
	maxLevel := opts.MaxShardLevel
	if maxLevel <= 0 {
		maxLevel = shard.MaxShardLevel
	}

	for level := 0; level < maxLevel; level++ {
		atLevel := m.ShardsAtLevel(level)
		if len(atLevel) < opts.CompactionThreshold {
			continue
		}

		sort.Slice(atLevel, func(i, j int) bool { return atLevel[i].Range.Min < atLevel[j].Range.Min })

		names := make([]string, 0, len(atLevel))
		for _, sf := range atLevel {
			names = append(names, sf.Filename)
		}
		return &Plan{Level: level, SourceFilenames: names}
	}
	return nil
}

// Run performs at most one compaction step (spec §4.5, "a single sync
// performs at most one compaction step"): selects a group, merges its
// documents, writes the resulting level+1 shard(s), and commits the
// manifest change via a single CAS. Returns false if nothing needed
// compacting.
func Run(ctx context.Context, mm *manifest.Manager, backend storage.Backend, cm *crypto.Manager, cache shard.HeaderCache, opts Options) (bool, error) {
	snap := mm.Snapshot()
	plan := SelectGroup(snap, opts)
	if plan == nil {
		return false, nil
	}

	log.Infow("compacting shards", "level", plan.Level, "count", len(plan.SourceFilenames))

	merged, err := mergeDocuments(ctx, backend, cm, cache, snap.UUID, plan.SourceFilenames, opts.VacuumHorizon)
	if err != nil {
		return false, err
	}

	newLevel := plan.Level + 1
	batches := splitIntoBatches(merged, opts.DesiredShardSize)

	_, err = mm.UpdateManifest(ctx, func(ctx context.Context, current *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		return &manifest.UpdateDescriptor{
			RemovedFilenames: plan.SourceFilenames,
			MaterializeShards: func(ctx context.Context, base *manifest.Manifest) ([]manifest.ShardFileInfo, error) {
				infos := make([]manifest.ShardFileInfo, 0, len(batches))
				for _, batch := range batches {
					written, err := shard.Write(cm, batch)
					if err != nil {
						return nil, err
					}

					if err := backend.Put(ctx, written.Filename, written.Data, storage.NotExists()); err != nil && !clxerr.Is(err, clxerr.Conflict) {
						return nil, err
					}

					min, max := written.Header.MinMaxAt()
					infos = append(infos, manifest.ShardFileInfo{
						Filename: written.Filename,
						Level:    newLevel,
						Range:    manifest.Range{Min: min, Max: max},
					})
					cache.Put(base.UUID, &shard.Handle{Filename: written.Filename, Salt: written.Data[:shard.SaltSize], Header: written.Header})
				}
				return infos, nil
			},
		}, nil
	}, nil)
	if err != nil {
		return false, err
	}

	cache.Prune(snap.UUID, liveSet(mm.Snapshot()))
	return true, nil
}

type mergedEntry struct {
	doc      document.Document
	filename string
}

// mergeDocuments streams every shard in filenames and keeps, per id, the
// version with the largest At; ties are broken by the lexicographically
// smaller source filename, mirroring the shard-filename tie-break in the
// global visibility invariant (spec §3.1, §8).
func mergeDocuments(ctx context.Context, backend storage.Backend, cm *crypto.Manager, cache shard.HeaderCache, uuid string, filenames []string, vacuumHorizon int64) ([]document.Document, error) {
	best := map[string]mergedEntry{}

	for _, filename := range filenames {
		handle, err := shard.OpenCached(ctx, backend, cm, cache, uuid, filename)
		if err != nil {
			return nil, err
		}

		docs, err := handle.StreamDocuments(ctx, backend, cm)
		if err != nil {
			return nil, err
		}

		for _, d := range docs {
			current, exists := best[d.ID]
			if !exists || d.At > current.doc.At || (d.At == current.doc.At && filename < current.filename) {
				best[d.ID] = mergedEntry{doc: d, filename: filename}
			}
		}
	}

	out := make([]document.Document, 0, len(best))
	for _, entry := range best {
		if entry.doc.Del && vacuumHorizon > 0 && entry.doc.At < vacuumHorizon {
			continue
		}
		out = append(out, entry.doc)
	}

	sort.Sort(document.By(out))
	return out, nil
}

// splitIntoBatches groups docs into runs whose plaintext size approximates
// desiredSize, preserving the incoming (At-ascending) order within and
// across batches (spec §4.5 step 3).
func splitIntoBatches(docs []document.Document, desiredSize int64) [][]document.Document {
	if desiredSize <= 0 || len(docs) == 0 {
		return [][]document.Document{docs}
	}

	var batches [][]document.Document
	var current []document.Document
	var currentSize int64

	for _, d := range docs {
		size := int64(len(d.Data))
		if len(current) > 0 && currentSize+size > desiredSize {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}
		current = append(current, d)
		currentSize += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func liveSet(m *manifest.Manifest) map[string]bool {
	live := make(map[string]bool, len(m.ShardFiles))
	for _, sf := range m.ShardFiles {
		live[sf.Filename] = true
	}
	return live
}
