package client_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelloWorld017/clxdb/client"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/dbbackend"
	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/storage"
)

func newTestClient(t *testing.T, backend storage.Backend, uuid string, opts client.Options) *client.Client {
	t.Helper()
	db := dbbackend.NewMemBackend()
	cm := crypto.NewUnencryptedManager()
	c := client.New(uuid, backend, db, cm, opts)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func TestCreateAndFirstWrite(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	c := newTestClient(t, backend, client.NewDatabaseUUID(), opts)

	require.NoError(t, c.Upsert(ctx, []document.Document{{ID: "a", At: 1, Data: []byte(`{"x":1}`)}}))
	require.NoError(t, c.Sync(ctx))

	snap := c.Manifest()
	assert.Equal(t, int64(1), snap.LastSequence)
	require.Len(t, snap.ShardFiles, 1)
	assert.Equal(t, 0, snap.ShardFiles[0].Level)
	assert.Equal(t, manifest.Range{Min: 1, Max: 1}, snap.ShardFiles[0].Range)
	assert.Equal(t, client.StateIdle, c.State())
}

func TestLocalWriteMovesIdleToPending(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	c := newTestClient(t, backend, client.NewDatabaseUUID(), opts)

	assert.Equal(t, client.StateIdle, c.State())
	require.NoError(t, c.Upsert(ctx, []document.Document{{ID: "a", At: 1, Data: []byte("v")}}))
	assert.Equal(t, client.StatePending, c.State())
}

func TestSyncEmitsEventsInOrder(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	c := newTestClient(t, backend, client.NewDatabaseUUID(), opts)

	var kinds []client.EventKind
	unsub := c.On(func(ev client.Event) { kinds = append(kinds, ev.Kind) })
	defer unsub()

	require.NoError(t, c.Upsert(ctx, []document.Document{{ID: "a", At: 1, Data: []byte("v")}}))
	require.NoError(t, c.Sync(ctx))

	require.NotEmpty(t, kinds)
	startIdx, completeIdx := -1, -1
	for i, k := range kinds {
		if k == client.EventSyncStart && startIdx == -1 {
			startIdx = i
		}
		if k == client.EventSyncComplete {
			completeIdx = i
		}
	}
	require.NotEqual(t, -1, startIdx)
	require.NotEqual(t, -1, completeIdx)
	assert.Less(t, startIdx, completeIdx, "syncStart must strictly precede syncComplete")
}

func TestUnsubscribeStopsFurtherEvents(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	c := newTestClient(t, backend, client.NewDatabaseUUID(), opts)

	count := 0
	unsub := c.On(func(ev client.Event) { count++ })
	unsub()

	require.NoError(t, c.Upsert(ctx, []document.Document{{ID: "a", At: 1, Data: []byte("v")}}))
	assert.Equal(t, 0, count)
}

func TestOperationsAfterDestroyError(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()

	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	c := newTestClient(t, backend, client.NewDatabaseUUID(), opts)

	c.Destroy()

	err := c.Sync(ctx)
	assert.Error(t, err)

	err = c.Upsert(ctx, []document.Document{{ID: "a", At: 1, Data: []byte("v")}})
	assert.Error(t, err)
}

func TestDestroyIsIdempotent(t *testing.T) {
	backend := storage.NewMemStorage()
	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	c := newTestClient(t, backend, client.NewDatabaseUUID(), opts)

	c.Destroy()
	assert.NotPanics(t, func() { c.Destroy() })
}

func TestPersistentHeaderCacheSurvivesClientRestart(t *testing.T) {
	backend := storage.NewMemStorage()
	ctx := context.Background()
	uuid := client.NewDatabaseUUID()

	opts := client.DefaultOptions()
	opts.SyncInterval = 0
	opts.HeaderCacheFile = filepath.Join(t.TempDir(), "headers")

	c := newTestClient(t, backend, uuid, opts)
	require.NoError(t, c.Upsert(ctx, []document.Document{{ID: "a", At: 1, Data: []byte("v")}}))
	require.NoError(t, c.Sync(ctx))
	c.Destroy()

	// A fresh client over the same backend and cache file should still
	// converge without error, now warming its header cache from disk.
	c2 := newTestClient(t, backend, uuid, opts)
	defer c2.Destroy()
	require.NoError(t, c2.Sync(ctx))
	assert.Equal(t, int64(1), c2.Manifest().LastSequence)
}
