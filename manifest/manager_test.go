package manifest_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/storage"
)

func seq(n int64) *int64 { return &n }

func TestLoadSeedsEmptyManifest(t *testing.T) {
	backend := storage.NewMemStorage()
	cm := crypto.NewUnencryptedManager()
	mgr := manifest.NewManager(backend, cm)

	require.NoError(t, mgr.Load(context.Background(), "db-uuid"))
	snap := mgr.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "db-uuid", snap.UUID)
	assert.Empty(t, snap.ShardFiles)
	assert.Equal(t, int64(0), snap.LastSequence)
}

func TestUpdateManifestFirstWrite(t *testing.T) {
	backend := storage.NewMemStorage()
	cm := crypto.NewUnencryptedManager()
	mgr := manifest.NewManager(backend, cm)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx, "db-uuid"))

	final, err := mgr.UpdateManifest(ctx, func(ctx context.Context, m *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		return &manifest.UpdateDescriptor{
			SetLastSequence: seq(1),
			MaterializeShards: func(ctx context.Context, base *manifest.Manifest) ([]manifest.ShardFileInfo, error) {
				return []manifest.ShardFileInfo{{Filename: "shards/a.clx", Level: 0, Range: manifest.Range{Min: 1, Max: 1}}}, nil
			},
		}, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), final.LastSequence)
	require.Len(t, final.ShardFiles, 1)
	assert.Equal(t, "shards/a.clx", final.ShardFiles[0].Filename)
}

func TestUpdateManifestRetriesOnConflict(t *testing.T) {
	backend := storage.NewMemStorage()
	cm := crypto.NewUnencryptedManager()
	ctx := context.Background()

	mgrA := manifest.NewManager(backend, cm)
	require.NoError(t, mgrA.Load(ctx, "db-uuid"))

	mgrB := manifest.NewManager(backend, cm)
	require.NoError(t, mgrB.Load(ctx, "db-uuid")) // mgrB's snapshot goes stale the moment mgrA commits below

	_, err := mgrA.UpdateManifest(ctx, func(ctx context.Context, m *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		return &manifest.UpdateDescriptor{
			SetLastSequence: seq(1),
			MaterializeShards: func(ctx context.Context, base *manifest.Manifest) ([]manifest.ShardFileInfo, error) {
				return []manifest.ShardFileInfo{{Filename: "shards/a.clx", Level: 0, Range: manifest.Range{Min: 10, Max: 10}}}, nil
			},
		}, nil
	}, nil)
	require.NoError(t, err)

	refetchCalls := 0
	attempt := 0
	final, err := mgrB.UpdateManifest(ctx, func(ctx context.Context, m *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		attempt++
		next := m.LastSequence + 1
		return &manifest.UpdateDescriptor{
			SetLastSequence: seq(next),
			MaterializeShards: func(ctx context.Context, base *manifest.Manifest) ([]manifest.ShardFileInfo, error) {
				return []manifest.ShardFileInfo{{Filename: "shards/b.clx", Level: 0, Range: manifest.Range{Min: 20, Max: 20}}}, nil
			},
		}, nil
	}, func(ctx context.Context) error {
		refetchCalls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), final.LastSequence)
	require.Len(t, final.ShardFiles, 2)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, 1, refetchCalls)
}

func TestUpdateManifestSignsWhenEncrypted(t *testing.T) {
	backend := storage.NewMemStorage()
	cm := crypto.NewManager("db-uuid", "device-a")
	_, err := cm.CreateEnvelope("pw")
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, cm)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx, "db-uuid"))

	// Seed a crypto block on the in-memory manifest before the first commit,
	// as the client would when creating a new encrypted database.
	snap := mgr.Snapshot()
	snap.Crypto = &crypto.Envelope{MasterKeySalt: []byte("salt"), MasterKey: []byte("wrapped"), DeviceKeys: map[string]*crypto.DeviceKeyEntry{}}

	final, err := mgr.UpdateManifest(ctx, func(ctx context.Context, m *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		return &manifest.UpdateDescriptor{SetLastSequence: seq(1)}, nil
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, final.Crypto.Signature)
}

func TestUpdateManifestExhaustsRetryBudget(t *testing.T) {
	backend := storage.NewMemStorage()
	cm := crypto.NewUnencryptedManager()
	ctx := context.Background()

	mgr := manifest.NewManager(backend, cm)
	require.NoError(t, mgr.Load(ctx, "db-uuid"))

	// Force every attempt's PUT to collide by writing a competing manifest
	// inside the mutator itself, simulating perpetual external contention.
	_, err := mgr.UpdateManifest(ctx, func(ctx context.Context, m *manifest.Manifest) (*manifest.UpdateDescriptor, error) {
		// Overwrite the stored manifest out from under the manager on every
		// attempt so its precondition never matches.
		competitor := manifest.New("db-uuid")
		competitor.LastSequence = m.LastSequence + 100
		data, err := json.Marshal(competitor)
		require.NoError(t, err)
		require.NoError(t, backend.Put(ctx, "manifest.json", data, storage.None()))

		return &manifest.UpdateDescriptor{SetLastSequence: seq(m.LastSequence + 1)}, nil
	}, func(ctx context.Context) error { return nil })

	require.Error(t, err)
}
