// Package client orchestrates one database's manifest, crypto, shard,
// sync, compaction, vacuum, and garbage-collection machinery behind the
// state machine and event bus of spec §4.9. The shutdown idiom (a
// `stop`/`done` channel pair, closed exactly once) is grounded on the
// teacher's block/block_manager.go Manager.Close()/closed-channel
// pattern; the event bus itself is a standard Go buffered-listener-list
// broadcaster, not copied from any single teacher file.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/compaction"
	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/dbbackend"
	"github.com/HelloWorld017/clxdb/document"
	"github.com/HelloWorld017/clxdb/gc"
	"github.com/HelloWorld017/clxdb/internal/logging"
	"github.com/HelloWorld017/clxdb/manifest"
	"github.com/HelloWorld017/clxdb/shard"
	"github.com/HelloWorld017/clxdb/storage"
	"github.com/HelloWorld017/clxdb/syncengine"
	"github.com/HelloWorld017/clxdb/vacuum"
)

var log = logging.Logger("clxdb/client")

// State is a position in the idle/pending/syncing state machine (spec §4.9).
type State int

const (
	StateIdle State = iota
	StatePending
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// EventKind names the four signals the event bus carries (spec §4.9).
type EventKind int

const (
	EventStateChange EventKind = iota
	EventSyncStart
	EventSyncComplete
	EventSyncError
)

// Event is delivered to every listener registered via Client.On.
type Event struct {
	Kind       EventKind
	State      State
	WasPending bool
	Err        error
}

// Options configures a Client's defaults (spec §6.6, all overridable).
type Options struct {
	// SyncInterval is the periodic-timer period; 0 disables the timer
	// entirely (explicit Sync calls remain honored).
	SyncInterval time.Duration

	CompactionThreshold int
	DesiredShardSize    int64
	MaxShardLevel       int
	VacuumThreshold     float64
	VacuumCount         int

	GCOnStart     bool
	VacuumOnStart bool

	// HeaderCacheFile, if set, persists the shard header cache to this
	// path across restarts instead of keeping it purely in memory (spec
	// §3.1, "header cache entry ... in a local key-value cache").
	HeaderCacheFile string
}

// DefaultOptions returns reasonable defaults.
func DefaultOptions() Options {
	return Options{
		SyncInterval:        30 * time.Second,
		CompactionThreshold: 8,
		DesiredShardSize:    64 * 1024,
		MaxShardLevel:       shard.MaxShardLevel,
		VacuumThreshold:     0.5,
		VacuumCount:         1000,
	}
}

// NewDatabaseUUID mints a fresh, stable database identity for a database
// being created for the first time (spec §3.1 Manifest, "uuid").
func NewDatabaseUUID() string {
	return uuid.NewString()
}

type listener struct {
	id int
	fn func(Event)
}

// Client is the top-level handle an application holds for one database.
type Client struct {
	uuid    string
	backend storage.Backend
	db      dbbackend.Backend
	crypto  *crypto.Manager
	mm      *manifest.Manager
	cache   shard.HeaderCache
	engine  *syncengine.Engine
	opts    Options

	mu             sync.Mutex
	state          State
	listeners      []listener
	nextListenerID int
	unsubDB        func()
	timerStop      chan struct{}
	timerDone      chan struct{}
	destroyed      bool
}

// New constructs a Client over the given capabilities. Call Init before
// any other method; uuid must be stable across restarts for an existing
// database, or the result of NewDatabaseUUID for a new one.
func New(uuid string, backend storage.Backend, db dbbackend.Backend, cm *crypto.Manager, opts Options) *Client {
	mm := manifest.NewManager(backend, cm)
	var cache shard.HeaderCache
	if opts.HeaderCacheFile != "" {
		cache = shard.NewDiskHeaderCache(opts.HeaderCacheFile, cm)
	} else {
		cache = shard.NewMemHeaderCache()
	}
	return &Client{
		uuid:    uuid,
		backend: backend,
		db:      db,
		crypto:  cm,
		mm:      mm,
		cache:   cache,
		engine:  syncengine.New(backend, db, cm, mm, cache),
		opts:    opts,
		state:   StateIdle,
	}
}

// Init loads the manifest, initializes the database backend, subscribes
// to local-change notifications, and optionally runs a startup GC/vacuum
// pass and starts the periodic timer (spec §4.9).
func (c *Client) Init(ctx context.Context) error {
	if err := c.mm.Load(ctx, c.uuid); err != nil {
		return err
	}
	if err := c.db.Initialize(ctx, c.uuid); err != nil {
		return err
	}

	c.unsubDB = c.db.Replicate(c.onLocalChange)

	if c.opts.GCOnStart {
		if _, err := gc.Run(ctx, c.backend, c.mm.Snapshot(), gc.DefaultOptions()); err != nil {
			log.Warnw("startup gc failed", "error", err)
		}
	}
	if c.opts.VacuumOnStart {
		if _, err := vacuum.Run(ctx, c.mm, c.backend, c.crypto, c.cache, c.vacuumOptions()); err != nil {
			log.Warnw("startup vacuum failed", "error", err)
		}
	}

	c.startTimer()
	return nil
}

// Destroy stops the periodic timer and unsubscribes from the database
// backend, then marks the client unusable. Does not abort an in-flight
// sync, which completes against the snapshot it already fetched (spec §5,
// "Cancellation").
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	stop, done, unsub := c.timerStop, c.timerDone, c.unsubDB
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if unsub != nil {
		unsub()
	}
}

func (c *Client) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return clxerr.New(clxerr.InvariantViolation, "operation on a destroyed client")
	}
	return nil
}

// State returns the client's current position in the state machine.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Manifest returns the most recently observed manifest snapshot.
func (c *Client) Manifest() *manifest.Manifest {
	return c.mm.Snapshot()
}

// On registers fn to receive every Event this client emits, returning an
// idempotent unsubscribe function (spec §4.9, "Listener registration
// returns an unsubscribe handle").
func (c *Client) On(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
		})
	}
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), len(c.listeners))
	for i, l := range c.listeners {
		fns[i] = l.fn
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Kind: EventStateChange, State: s})
}

// onLocalChange is the Replicate callback: a local change moves an idle
// client to pending (spec §4.9, "idle → pending when the backend notifies
// a local change").
func (c *Client) onLocalChange() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(StatePending)
}

// Upsert writes docs locally as pending changes, to be picked up by the
// next sync's gather step.
func (c *Client) Upsert(ctx context.Context, docs []document.Document) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	pending := make([]document.Document, len(docs))
	for i, d := range docs {
		d.Seq = document.SeqUnassigned
		d.Del = false
		pending[i] = d
	}
	return c.db.Upsert(ctx, pending)
}

// Delete records tombstones locally as pending changes.
func (c *Client) Delete(ctx context.Context, tombstones []document.Document) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	return c.db.Delete(ctx, tombstones)
}

// Sync runs one full tick: the sync engine's pull/diff/ingest/gather/
// write/commit, followed by at most one compaction step and, if due, a
// vacuum pass. Transitions (idle|pending) -> syncing -> (idle|pending),
// emitting stateChange/syncStart/syncComplete/syncError in order (spec
// §4.9; "syncStart strictly precedes syncComplete/syncError" per spec §5).
func (c *Client) Sync(ctx context.Context) error {
	if err := c.checkAlive(); err != nil {
		return err
	}

	c.mu.Lock()
	wasPending := c.state == StatePending
	c.state = StateSyncing
	c.mu.Unlock()
	c.emit(Event{Kind: EventStateChange, State: StateSyncing})
	c.emit(Event{Kind: EventSyncStart, WasPending: wasPending})

	err := c.runTick(ctx)

	if err != nil {
		c.setState(StateIdle)
		c.emit(Event{Kind: EventSyncError, Err: err})
		return err
	}

	nextState := StateIdle
	if pendingIDs, pErr := c.db.ReadPendingIDs(ctx); pErr == nil && len(pendingIDs) > 0 {
		nextState = StatePending
	}
	c.setState(nextState)
	c.emit(Event{Kind: EventSyncComplete})
	return nil
}

func (c *Client) runTick(ctx context.Context) error {
	if err := c.engine.Sync(ctx); err != nil {
		return err
	}

	if _, err := compaction.Run(ctx, c.mm, c.backend, c.crypto, c.cache, c.compactionOptions()); err != nil {
		return err
	}

	stats, err := vacuum.Collect(ctx, c.backend, c.crypto, c.cache, c.mm.Snapshot())
	if err != nil {
		return err
	}
	if stats.Due(c.vacuumOptions()) {
		if _, err := vacuum.Run(ctx, c.mm, c.backend, c.crypto, c.cache, c.vacuumOptions()); err != nil {
			return err
		}
	}

	snap := c.mm.Snapshot()
	live := make(map[string]bool, len(snap.ShardFiles))
	for _, sf := range snap.ShardFiles {
		live[sf.Filename] = true
	}
	c.cache.Prune(snap.UUID, live)

	return nil
}

func (c *Client) compactionOptions() compaction.Options {
	return compaction.Options{
		CompactionThreshold: c.opts.CompactionThreshold,
		DesiredShardSize:    c.opts.DesiredShardSize,
		MaxShardLevel:       c.opts.MaxShardLevel,
		VacuumHorizon:       c.vacuumHorizon(),
	}
}

func (c *Client) vacuumOptions() vacuum.Options {
	return vacuum.Options{
		Threshold: c.opts.VacuumThreshold,
		Count:     c.opts.VacuumCount,
		Horizon:   c.vacuumHorizon(),
	}
}

func (c *Client) vacuumHorizon() int64 {
	return time.Now().UnixMilli() - document.MaxSyncAgeMillis
}

func (c *Client) startTimer() {
	if c.opts.SyncInterval <= 0 {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.timerStop = stop
	c.timerDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.State() != StateSyncing {
					if err := c.Sync(context.Background()); err != nil {
						log.Debugw("periodic sync failed", "error", err)
					}
				}
			}
		}
	}()
}
