package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelloWorld017/clxdb/gc"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/storage"
)

func TestCandidatesSkipsShardsNamedByManifest(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "shards/live.clx", []byte("v"), storage.None()))
	require.NoError(t, backend.Put(ctx, "shards/orphan.clx", []byte("v"), storage.None()))

	m := manifest.New("db-uuid")
	m.ShardFiles = []manifest.ShardFileInfo{{Filename: "shards/live.clx", Level: 0}}

	candidates, err := gc.Candidates(ctx, backend, m, gc.Options{MinAge: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"shards/orphan.clx"}, candidates)
}

func TestCandidatesRespectsMinAge(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "shards/orphan.clx", []byte("v"), storage.None()))

	m := manifest.New("db-uuid")

	candidates, err := gc.Candidates(ctx, backend, m, gc.Options{MinAge: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, candidates, "a shard written moments ago must not be collected under the safety grace period")
}

func TestRunDeletesOrphansAndSecondRunIsNoOp(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "shards/orphan.clx", []byte("v"), storage.None()))

	m := manifest.New("db-uuid")

	removed, err := gc.Run(ctx, backend, m, gc.Options{MinAge: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = backend.Get(ctx, "shards/orphan.clx")
	require.Error(t, err)

	// Running again with nothing left to collect is a no-op, not an error.
	removed, err = gc.Run(ctx, backend, m, gc.Options{MinAge: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
