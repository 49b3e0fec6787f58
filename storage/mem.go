package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HelloWorld017/clxdb/clxerr"
)

const memStorageScheme = "mem"

// MemStorage is an in-memory Backend, grounded on the teacher's mapStorage
// (blob/map.go). Used by unit tests for the manifest/shard/sync engines.
type MemStorage struct {
	mu       sync.RWMutex
	data     map[string][]byte
	modified map[string]time.Time
	noCAS    bool // when true, reports SupportsCAS()==false to exercise the fallback path
}

// NewMemStorage returns an empty in-memory Backend.
func NewMemStorage() *MemStorage {
	return &MemStorage{data: map[string][]byte{}, modified: map[string]time.Time{}}
}

// NewMemStorageNoCAS returns an in-memory Backend that advertises no native
// CAS support, to exercise the fetch-then-compare fallback in manifest.Manager.
func NewMemStorageNoCAS() *MemStorage {
	return &MemStorage{data: map[string][]byte{}, modified: map[string]time.Time{}, noCAS: true}
}

func (s *MemStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	for name, data := range s.data {
		if strings.HasPrefix(name, prefix) {
			out = append(out, ObjectInfo{Name: name, Length: int64(len(data)), ModifiedAt: s.modified[name]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStorage) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[name]
	if !ok {
		return nil, clxerr.Newf(clxerr.NotFound, "object %q not found", name)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStorage) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	data, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > int64(len(data)) || offset+length > int64(len(data)) {
		return nil, clxerr.Newf(clxerr.InvariantViolation, "range [%d,%d) out of bounds for %q (len %d)", offset, offset+length, name, len(data))
	}
	return data[offset : offset+length], nil
}

func (s *MemStorage) Put(ctx context.Context, name string, data []byte, precondition Precondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[name]

	// A noCAS backend can't check preconditions atomically: it blindly
	// overwrites, the same as a bulk store with no conditional-write
	// support, leaving lost-update detection to the caller's post-PUT
	// fetch-and-compare fallback.
	if s.noCAS {
		s.data[name] = append([]byte(nil), data...)
		s.modified[name] = time.Now()
		return nil
	}

	switch precondition.Kind {
	case PreconditionNotExists:
		if exists {
			return clxerr.Newf(clxerr.Conflict, "object %q already exists", name)
		}
	case PreconditionIfMatch:
		if !exists {
			return clxerr.Newf(clxerr.Conflict, "object %q does not exist, expected etag %q", name, precondition.ETag)
		}
		if ETag(existing) != precondition.ETag {
			return clxerr.Newf(clxerr.Conflict, "object %q etag mismatch", name)
		}
	}

	s.data[name] = append([]byte(nil), data...)
	s.modified[name] = time.Now()
	return nil
}

func (s *MemStorage) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, name)
	delete(s.modified, name)
	return nil
}

func (s *MemStorage) SupportsCAS() bool {
	return !s.noCAS
}

func (s *MemStorage) Metadata() Metadata {
	return Metadata{Kind: memStorageScheme}
}

// MemStorageConfig is MemStorage's (empty) Config.Data shape: an in-memory
// backend carries no connection details to persist, only its scheme name.
type MemStorageConfig struct{}

func (s *MemStorage) Serialize() Config {
	return Config{Scheme: memStorageScheme, Data: MemStorageConfig{}}
}

func init() {
	Register(memStorageScheme, &Factory{
		DefaultConfig: func() interface{} { return &MemStorageConfig{} },
		Create: func(cfg interface{}) (Backend, error) {
			return NewMemStorage(), nil
		},
	})
}

// ETag returns the content hash of the currently-stored object, usable as a
// Precondition.ETag value; exists for tests that exercise the fallback path
// directly against MemStorage.
func (s *MemStorage) ETag(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return "", clxerr.Newf(clxerr.NotFound, "object %q not found", name)
	}
	return ETag(data), nil
}
