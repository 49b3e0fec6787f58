package dbbackend

import (
	"context"
	"sort"
	"sync"

	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/internal/logging"
)

var log = logging.Logger("clxdb/dbbackend")

// MemBackend is an in-memory Backend, grounded on the teacher's mapStorage
// (blob/map.go). Suitable as the reference implementation and for tests;
// a real application backs this capability with a persistent store (e.g.
// IndexedDB, SQLite) outside this module's scope (spec §1).
type MemBackend struct {
	mu          sync.RWMutex
	uuid        string
	docs        map[string]document.Document
	pending     map[string]bool
	subscribers map[int]func()
	nextSub     int
}

// NewMemBackend returns an empty in-memory Backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		docs:        map[string]document.Document{},
		pending:     map[string]bool{},
		subscribers: map[int]func(){},
	}
}

func (b *MemBackend) Initialize(ctx context.Context, uuid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uuid = uuid
	return nil
}

func (b *MemBackend) Read(ctx context.Context, ids []string) ([]*document.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*document.Document, len(ids))
	for i, id := range ids {
		if d, ok := b.docs[id]; ok {
			copied := d
			out[i] = &copied
		}
	}
	return out, nil
}

func (b *MemBackend) ReadPendingIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemBackend) Upsert(ctx context.Context, docs []document.Document) error {
	b.mu.Lock()
	anyPending := false
	for _, d := range docs {
		b.docs[d.ID] = d
		if d.Pending() {
			b.pending[d.ID] = true
			anyPending = true
		} else {
			delete(b.pending, d.ID)
		}
	}
	b.mu.Unlock()

	if anyPending {
		b.notify()
	}
	return nil
}

func (b *MemBackend) Delete(ctx context.Context, tombstones []document.Document) error {
	b.mu.Lock()
	for _, d := range tombstones {
		d.Del = true
		d.Seq = document.SeqUnassigned
		b.docs[d.ID] = d
		b.pending[d.ID] = true
	}
	b.mu.Unlock()

	b.notify()
	return nil
}

func (b *MemBackend) Replicate(onChange func()) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = onChange
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

func (b *MemBackend) notify() {
	b.mu.RLock()
	listeners := make([]func(), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}
