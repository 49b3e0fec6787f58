package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/HelloWorld017/clxdb/clxerr"
)

const (
	fileStorageType = "file"
	lockFileName    = ".clxdb.lock"
)

// FileStorage is a local-directory Backend, grounded on the teacher's
// fsStorage (blob/filesystem.go), upgraded with rename-based atomic writes
// (natefinch/atomic) and a flock-based single-process guard matching spec
// §5's "two clients against the same database in the same process must not
// be created" rule, extended here to same-host processes sharing a
// directory.
type FileStorage struct {
	Path string

	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStorage opens (creating if necessary) a local-directory backend
// rooted at path, taking an advisory lock to guard against a second
// FileStorage instance opening the same directory.
func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(path, 0o775); err != nil {
		return nil, clxerr.Wrapf(clxerr.BackendUnavailable, err, "create storage dir %q", path)
	}

	fl := flock.New(filepath.Join(path, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, clxerr.Wrapf(clxerr.BackendUnavailable, err, "lock storage dir %q", path)
	}
	if !locked {
		return nil, clxerr.Newf(clxerr.BackendUnavailable, "storage dir %q is already open by another process", path)
	}

	return &FileStorage{Path: path, lock: fl}, nil
}

// Close releases the directory lock.
func (fs *FileStorage) Close() error {
	return fs.lock.Unlock()
}

func (fs *FileStorage) objectPath(name string) string {
	return filepath.Join(fs.Path, filepath.FromSlash(name))
}

func (fs *FileStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	root := fs.Path

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == lockFileName {
			return nil
		}
		if strings.HasPrefix(name, prefix) {
			out = append(out, ObjectInfo{Name: name, Length: info.Size(), ModifiedAt: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, clxerr.Wrapf(clxerr.BackendUnavailable, err, "list prefix %q", prefix)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (fs *FileStorage) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(fs.objectPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, clxerr.Wrapf(clxerr.NotFound, err, "object %q not found", name)
		}
		return nil, clxerr.Wrapf(clxerr.BackendUnavailable, err, "read %q", name)
	}
	return data, nil
}

func (fs *FileStorage) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	f, err := os.Open(fs.objectPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, clxerr.Wrapf(clxerr.NotFound, err, "object %q not found", name)
		}
		return nil, clxerr.Wrapf(clxerr.BackendUnavailable, err, "open %q", name)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, clxerr.Wrapf(clxerr.BackendUnavailable, err, "read range of %q", name)
	}
	return buf, nil
}

func (fs *FileStorage) Put(ctx context.Context, name string, data []byte, precondition Precondition) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.objectPath(name)

	switch precondition.Kind {
	case PreconditionNotExists:
		if _, err := os.Stat(path); err == nil {
			return clxerr.Newf(clxerr.Conflict, "object %q already exists", name)
		}
	case PreconditionIfMatch:
		existing, err := os.ReadFile(path)
		if err != nil {
			return clxerr.Newf(clxerr.Conflict, "object %q does not exist, expected etag %q", name, precondition.ETag)
		}
		if ETag(existing) != precondition.ETag {
			return clxerr.Newf(clxerr.Conflict, "object %q etag mismatch", name)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return clxerr.Wrapf(clxerr.BackendUnavailable, err, "create dir for %q", name)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return clxerr.Wrapf(clxerr.BackendUnavailable, err, "write %q", name)
	}
	return nil
}

func (fs *FileStorage) Delete(ctx context.Context, name string) error {
	err := os.Remove(fs.objectPath(name))
	if err != nil && !os.IsNotExist(err) {
		return clxerr.Wrapf(clxerr.BackendUnavailable, err, "delete %q", name)
	}
	return nil
}

// SupportsCAS reports true: FileStorage implements both preconditions
// natively under its directory mutex (which also rules out cross-goroutine
// races within one process; cross-process races are ruled out by the flock
// guard taken in NewFileStorage).
func (fs *FileStorage) SupportsCAS() bool {
	return true
}

func (fs *FileStorage) Metadata() Metadata {
	return Metadata{Kind: fileStorageType, Info: map[string]string{"path": fs.Path}}
}

// FileStorageConfig is FileStorage's Config.Data shape.
type FileStorageConfig struct {
	Path string `json:"path"`
}

func (fs *FileStorage) Serialize() Config {
	return Config{Scheme: fileStorageType, Data: FileStorageConfig{Path: fs.Path}}
}

func init() {
	Register(fileStorageType, &Factory{
		DefaultConfig: func() interface{} { return &FileStorageConfig{} },
		Create: func(cfg interface{}) (Backend, error) {
			c, ok := cfg.(*FileStorageConfig)
			if !ok {
				return nil, fmt.Errorf("file storage factory: unexpected config type %T", cfg)
			}
			return NewFileStorage(c.Path)
		},
	})
}
