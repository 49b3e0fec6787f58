package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelloWorld017/clxdb/storage"
)

func testBackendSuite(t *testing.T, newBackend func() storage.Backend) {
	ctx := context.Background()

	t.Run("put then get roundtrips", func(t *testing.T) {
		b := newBackend()
		require.NoError(t, b.Put(ctx, "a/b.txt", []byte("hello"), storage.None()))
		data, err := b.Get(ctx, "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("get missing returns NotFound", func(t *testing.T) {
		b := newBackend()
		_, err := b.Get(ctx, "missing")
		require.Error(t, err)
	})

	t.Run("precondition NotExists rejects overwrite", func(t *testing.T) {
		b := newBackend()
		require.NoError(t, b.Put(ctx, "x", []byte("1"), storage.None()))
		err := b.Put(ctx, "x", []byte("2"), storage.NotExists())
		require.Error(t, err)
	})

	t.Run("precondition IfMatch rejects on stale etag", func(t *testing.T) {
		b := newBackend()
		require.NoError(t, b.Put(ctx, "x", []byte("1"), storage.None()))
		err := b.Put(ctx, "x", []byte("2"), storage.IfMatch("stale"))
		require.Error(t, err)
	})

	t.Run("list filters by prefix", func(t *testing.T) {
		b := newBackend()
		require.NoError(t, b.Put(ctx, "manifests/1", []byte("a"), storage.None()))
		require.NoError(t, b.Put(ctx, "manifests/2", []byte("b"), storage.None()))
		require.NoError(t, b.Put(ctx, "shards/1", []byte("c"), storage.None()))

		names, err := b.List(ctx, "manifests/")
		require.NoError(t, err)
		require.Len(t, names, 2)
	})

	t.Run("delete is tolerant of missing object", func(t *testing.T) {
		b := newBackend()
		assert.NoError(t, b.Delete(ctx, "does-not-exist"))
	})

	t.Run("get range returns the requested window", func(t *testing.T) {
		b := newBackend()
		require.NoError(t, b.Put(ctx, "big", []byte("0123456789"), storage.None()))
		chunk, err := b.GetRange(ctx, "big", 3, 4)
		require.NoError(t, err)
		assert.Equal(t, []byte("3456"), chunk)
	})
}

func TestMemStorage(t *testing.T) {
	testBackendSuite(t, func() storage.Backend { return storage.NewMemStorage() })

	t.Run("SupportsCAS reports true by default", func(t *testing.T) {
		assert.True(t, storage.NewMemStorage().SupportsCAS())
	})

	t.Run("NewMemStorageNoCAS reports false", func(t *testing.T) {
		assert.False(t, storage.NewMemStorageNoCAS().SupportsCAS())
	})
}

func TestFileStorage(t *testing.T) {
	testBackendSuite(t, func() storage.Backend {
		dir, err := os.MkdirTemp("", "clxdb-filestorage-*")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(dir) })

		fs, err := storage.NewFileStorage(dir)
		require.NoError(t, err)
		t.Cleanup(func() { fs.Close() })
		return fs
	})

	t.Run("rejects opening the same directory twice", func(t *testing.T) {
		dir, err := os.MkdirTemp("", "clxdb-filestorage-lock-*")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(dir) })

		first, err := storage.NewFileStorage(dir)
		require.NoError(t, err)
		defer first.Close()

		_, err = storage.NewFileStorage(dir)
		require.Error(t, err)
	})

	t.Run("put creates nested directories", func(t *testing.T) {
		dir, err := os.MkdirTemp("", "clxdb-filestorage-nested-*")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(dir) })

		fs, err := storage.NewFileStorage(dir)
		require.NoError(t, err)
		defer fs.Close()

		require.NoError(t, fs.Put(context.Background(), "deep/nested/file", []byte("v"), storage.None()))
		_, err = os.Stat(filepath.Join(dir, "deep", "nested", "file"))
		require.NoError(t, err)
	})
}
