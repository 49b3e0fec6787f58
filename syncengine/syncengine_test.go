package syncengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/dbbackend"
	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/shard"
	"github.com/HelloWorld017/clxdb/storage"
	"github.com/HelloWorld017/clxdb/syncengine"
)

type client struct {
	db *dbbackend.MemBackend
	cm *crypto.Manager
	mm *manifest.Manager
	eg *syncengine.Engine
}

func newClient(t *testing.T, backend storage.Backend, uuid string) *client {
	t.Helper()
	db := dbbackend.NewMemBackend()
	cm := crypto.NewUnencryptedManager()
	mm := manifest.NewManager(backend, cm)
	require.NoError(t, mm.Load(context.Background(), uuid))
	cache := shard.NewMemHeaderCache()
	eg := syncengine.New(backend, db, cm, mm, cache)
	return &client{db: db, cm: cm, mm: mm, eg: eg}
}

func TestFirstWriteCommitsShardAtLevelZero(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()
	c := newClient(t, backend, "db-uuid")

	require.NoError(t, c.db.Upsert(ctx, []document.Document{{ID: "a", At: 1, Seq: document.SeqUnassigned, Data: []byte(`{"x":1}`)}}))
	require.NoError(t, c.eg.Sync(ctx))

	snap := c.mm.Snapshot()
	assert.Equal(t, int64(1), snap.LastSequence)
	require.Len(t, snap.ShardFiles, 1)
	assert.Equal(t, 0, snap.ShardFiles[0].Level)
	assert.Equal(t, manifest.Range{Min: 1, Max: 1}, snap.ShardFiles[0].Range)

	pending, err := c.db.ReadPendingIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "a confirmed write must no longer be pending")
}

func TestTwoDeviceMergeIngestsRemoteWritesAndPushesLocalOnes(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	deviceA := newClient(t, backend, "db-uuid")
	deviceB := newClient(t, backend, "db-uuid")

	require.NoError(t, deviceA.db.Upsert(ctx, []document.Document{{ID: "a", At: 1, Seq: document.SeqUnassigned, Data: []byte("from-a")}}))
	require.NoError(t, deviceA.eg.Sync(ctx))

	require.NoError(t, deviceB.db.Upsert(ctx, []document.Document{{ID: "b", At: 2, Seq: document.SeqUnassigned, Data: []byte("from-b")}}))
	require.NoError(t, deviceB.eg.Sync(ctx))

	// deviceA hasn't seen b's shard yet; a subsequent sync (with nothing
	// pending locally) still pulls and ingests it.
	require.NoError(t, deviceA.eg.Sync(ctx))

	docs, err := deviceA.db.Read(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.NotNil(t, docs[0])
	require.NotNil(t, docs[1])
	assert.Equal(t, []byte("from-a"), docs[0].Data)
	assert.Equal(t, []byte("from-b"), docs[1].Data)

	assert.Equal(t, int64(2), deviceA.mm.Snapshot().LastSequence)
}

func TestConcurrentWritesFromTwoDevicesBothSurviveAcrossTwoShards(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	deviceA := newClient(t, backend, "db-uuid")
	deviceB := newClient(t, backend, "db-uuid")

	// deviceB loads before deviceA commits, but Sync pulls the manifest
	// again at the start of its tick, so deviceB sees deviceA's shard
	// before writing its own.
	require.NoError(t, deviceB.mm.Load(ctx, "db-uuid"))

	require.NoError(t, deviceA.db.Upsert(ctx, []document.Document{{ID: "a", At: 1, Seq: document.SeqUnassigned, Data: []byte("a")}}))
	require.NoError(t, deviceA.eg.Sync(ctx))

	require.NoError(t, deviceB.db.Upsert(ctx, []document.Document{{ID: "b", At: 2, Seq: document.SeqUnassigned, Data: []byte("b")}}))
	require.NoError(t, deviceB.eg.Sync(ctx))

	snap := deviceB.mm.Snapshot()
	assert.Len(t, snap.ShardFiles, 2)
	assert.Equal(t, int64(2), snap.LastSequence)
}

func TestDeleteProducesTombstoneThatSyncsAndIngests(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	deviceA := newClient(t, backend, "db-uuid")
	require.NoError(t, deviceA.db.Upsert(ctx, []document.Document{{ID: "a", At: 1, Seq: document.SeqUnassigned, Data: []byte("v")}}))
	require.NoError(t, deviceA.eg.Sync(ctx))

	require.NoError(t, deviceA.db.Delete(ctx, []document.Document{{ID: "a", At: 2}}))
	require.NoError(t, deviceA.eg.Sync(ctx))

	deviceB := newClient(t, backend, "db-uuid")
	require.NoError(t, deviceB.eg.Sync(ctx))

	docs, err := deviceB.db.Read(ctx, []string{"a"})
	require.NoError(t, err)
	require.NotNil(t, docs[0])
	assert.True(t, docs[0].Del)
}

func TestSyncWithNoPendingChangesIsANoOp(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()
	c := newClient(t, backend, "db-uuid")

	require.NoError(t, c.eg.Sync(ctx))
	assert.Empty(t, c.mm.Snapshot().ShardFiles)
}
