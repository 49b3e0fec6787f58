package shard

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/internal/logging"
)

var diskCacheLog = logging.Logger("clxdb/shard/diskcache")

var errShortCacheFile = errors.New("header cache file too short to contain a signature")

// DiskHeaderCache is a HeaderCache persisted to a local file, surviving
// process restarts so a device doesn't re-fetch every header it already
// decrypted in a prior run (spec §3.1, "header cache entry ... in a local
// key-value cache"). Grounded on the teacher's list cache
// (block/list_cache.go's cachedList/saveListToCache/readBlocksFromCache)
// and its HMAC-trailer integrity scheme (appendHMAC/verifyAndStripHMAC, as
// used by block/disk_block_cache.go), adapted to reuse the database's own
// crypto.Manager.Sign/Verify instead of a second raw HMAC secret: the whole
// cache is one JSON document with a trailing signature over its bytes,
// rewritten atomically on every Put/Prune via natefinch/atomic rather than
// kept open as a database file, since a decoded-header cache is small
// enough that whole-file rewrite is cheaper than the bookkeeping a real
// embedded KV store would need.
type DiskHeaderCache struct {
	mu     sync.Mutex
	path   string
	crypto *crypto.Manager

	loaded  bool
	entries map[cacheKey]*Handle
}

type diskCacheEntry struct {
	UUID     string `json:"uuid"`
	Filename string `json:"filename"`
	Salt     []byte `json:"salt"`
	Header   Header `json:"header"`
}

// NewDiskHeaderCache returns a HeaderCache backed by path, integrity-checked
// with cm's own signing key. The file is read lazily on first use, not at
// construction, so a missing or corrupt cache file never fails startup — it
// just behaves as an empty cache (spec §3.2, "header cache is a pure
// optimization").
func NewDiskHeaderCache(path string, cm *crypto.Manager) *DiskHeaderCache {
	return &DiskHeaderCache{path: path, crypto: cm}
}

func (c *DiskHeaderCache) ensureLoaded() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.entries = map[cacheKey]*Handle{}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			diskCacheLog.Warnw("unable to read header cache file", "path", c.path, "error", err)
		}
		return
	}

	body, err := c.verifyAndStrip(raw)
	if err != nil {
		diskCacheLog.Warnw("header cache file failed integrity check, discarding", "path", c.path, "error", err)
		return
	}

	var diskEntries []diskCacheEntry
	if err := json.Unmarshal(body, &diskEntries); err != nil {
		diskCacheLog.Warnw("header cache file is corrupt, discarding", "path", c.path, "error", err)
		return
	}

	for _, de := range diskEntries {
		key := cacheKey{uuid: de.UUID, filename: de.Filename}
		c.entries[key] = &Handle{Filename: de.Filename, Salt: de.Salt, Header: de.Header}
	}
}

func (c *DiskHeaderCache) Get(uuid, filename string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureLoaded()
	h, ok := c.entries[cacheKey{uuid, filename}]
	return h, ok
}

func (c *DiskHeaderCache) Put(uuid string, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureLoaded()
	c.entries[cacheKey{uuid, h.Filename}] = h
	c.persistLocked()
}

func (c *DiskHeaderCache) Prune(uuid string, live map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureLoaded()
	changed := false
	for key := range c.entries {
		if key.uuid == uuid && !live[key.filename] {
			delete(c.entries, key)
			changed = true
		}
	}
	if changed {
		c.persistLocked()
	}
}

func (c *DiskHeaderCache) persistLocked() {
	diskEntries := make([]diskCacheEntry, 0, len(c.entries))
	for key, h := range c.entries {
		diskEntries = append(diskEntries, diskCacheEntry{
			UUID:     key.uuid,
			Filename: key.filename,
			Salt:     h.Salt,
			Header:   h.Header,
		})
	}

	body, err := json.Marshal(diskEntries)
	if err != nil {
		diskCacheLog.Warnw("unable to marshal header cache", "error", err)
		return
	}

	signed, err := c.appendSignature(body)
	if err != nil {
		diskCacheLog.Warnw("unable to sign header cache", "error", err)
		return
	}

	if err := atomic.WriteFile(c.path, bytes.NewReader(signed)); err != nil {
		diskCacheLog.Warnw("unable to write header cache file", "path", c.path, "error", err)
	}
}

// appendSignature appends crypto.Manager.Sign(body) to body's tail, the
// same appendHMAC-over-a-whole-file shape the teacher's list cache uses,
// with the per-database signing key standing in for a dedicated secret.
func (c *DiskHeaderCache) appendSignature(body []byte) ([]byte, error) {
	sig, err := c.crypto.Sign(body)
	if err != nil {
		return nil, err
	}
	return append(body, sig...), nil
}

func (c *DiskHeaderCache) verifyAndStrip(data []byte) ([]byte, error) {
	if !c.crypto.Enabled() {
		// Sign returns no signature for an unencrypted database, so the
		// file carries no trailer to strip.
		return data, nil
	}

	sigSize := c.crypto.SignatureSize()
	if len(data) < sigSize {
		return nil, errShortCacheFile
	}

	body, sig := data[:len(data)-sigSize], data[len(data)-sigSize:]
	if !c.crypto.Verify(body, sig) {
		return nil, errors.New("header cache file failed signature verification")
	}
	return body, nil
}
