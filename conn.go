package ckv

import (
	"fmt"
	"sync"
)

// Conn is a long-lived handle onto the database. It owns a cache of decoded
// objects and metadata, a cache of rowid <-> (collection, key) mappings,
// and compiled statements. A Conn may be used from several goroutines;
// any number of its read transactions can run concurrently, but a write
// cannot start while any of them is open.
//
// Values returned from transactions are shared with the cache and with
// other connections. Treat them as immutable.
type Conn struct {
	db *DB
	id uint64

	mu            sync.Mutex
	closed        bool
	writing       bool
	active        int
	cacheSnapshot uint64
	pending       []*ChangeSet

	objects  *lru[Rowid, any]
	metadata *lru[Rowid, any] // nil values are cached too
	keys     *rowidIndex

	stmts    map[string][]*Statement
	compiled int
}

func newConn(db *DB, id uint64, snapshot uint64) *Conn {
	return &Conn{
		db:            db,
		id:            id,
		cacheSnapshot: snapshot,
		objects:       newLRU[Rowid, any](db.objectCacheLimit, nil),
		metadata:      newLRU[Rowid, any](db.metadataCacheLimit, nil),
		keys:          newRowidIndex(db.keyCacheLimit),
		stmts:         make(map[string][]*Statement),
	}
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) DB() *DB {
	return c.db
}

// Snapshot returns the snapshot the connection's cache reflects.
func (c *Conn) Snapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheSnapshot
}

// Close finalizes the connection's statements and drops its caches.
// Closing a connection with open transactions is an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.active > 0 {
		n := c.active
		c.mu.Unlock()
		return fmt.Errorf("%w: connection %d has %d open transactions", ErrMisuse, c.id, n)
	}
	c.closed = true
	for name, free := range c.stmts {
		for _, st := range free {
			st.finalize()
		}
		delete(c.stmts, name)
	}
	c.clearCachesLocked()
	c.pending = nil
	c.mu.Unlock()

	c.db.removeConn(c)
	return nil
}

func (c *Conn) startWriting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.writing {
		return ErrWriteInProgress
	}
	if c.active > 0 {
		return ErrReadInProgress
	}
	c.writing = true
	return nil
}

func (c *Conn) stopWriting() {
	c.mu.Lock()
	c.writing = false
	c.mu.Unlock()
}

// enter registers a new transaction and opens its storage transaction.
// Pending change sets are applied first when nothing else is running.
func (c *Conn) enter(writable bool) (storageTx, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if c.active == 0 {
		c.drainLocked()
	}
	c.active++
	c.mu.Unlock()

	stx, err := c.db.store.BeginTx(writable)
	if err != nil {
		c.leave()
		return nil, storageErr("begin", err)
	}
	return stx, nil
}

func (c *Conn) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.active == 0 {
		c.drainLocked()
	}
}

// cacheValidAt reports whether the cache reflects the given snapshot. The
// cache cannot advance while a transaction is running, so the answer holds
// for the transaction's lifetime.
func (c *Conn) cacheValidAt(snapshot uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot == c.cacheSnapshot
}

// noteChangeSet receives a committed change set. It is applied at once if
// the connection is idle, or queued until its last transaction ends.
func (c *Conn) noteChangeSet(cs *ChangeSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = append(c.pending, cs)
	if c.active == 0 {
		c.drainLocked()
	}
}

func (c *Conn) drainLocked() {
	for i, cs := range c.pending {
		c.applyLocked(cs)
		c.pending[i] = nil
	}
	c.pending = c.pending[:0]
}

func (c *Conn) applyLocked(cs *ChangeSet) {
	if cs.snapshot != c.cacheSnapshot+1 {
		panic(fmt.Errorf("ckv: conn %d at snapshot %d received change set for snapshot %d", c.id, c.cacheSnapshot, cs.snapshot))
	}
	c.cacheSnapshot = cs.snapshot
	own := cs.origin == c.id

	if cs.allRemoved {
		c.clearCachesLocked()
	}
	for _, coll := range cs.removedCollections {
		c.keys.RemoveCollection(coll)
	}
	it := cs.removed.Iterator()
	for it.HasNext() {
		rowid := Rowid(it.Next())
		c.objects.Remove(rowid)
		c.metadata.Remove(rowid)
		c.keys.RemoveRowid(rowid)
	}

	for rowid, v := range cs.objects {
		patchCache(c.objects, rowid, v, own)
	}
	for rowid, v := range cs.metadata {
		patchCache(c.metadata, rowid, v, own)
	}
	if own {
		for rowid, id := range cs.identities {
			if cs.updated.Contains(uint64(rowid)) {
				c.keys.Set(rowid, id)
			}
		}
	}
	c.db.metrics.changeSetsApplied.Inc()
}

// patchCache brings one cache entry up to date. Foreign change sets only
// refresh entries that are already cached.
func patchCache(cache *lru[Rowid, any], rowid Rowid, v any, own bool) {
	if v == invalidatedValue {
		cache.Remove(rowid)
		return
	}
	if !own {
		if _, ok := cache.Peek(rowid); !ok {
			return
		}
	}
	cache.Set(rowid, v)
}

func (c *Conn) clearCachesLocked() {
	c.objects.Clear()
	c.metadata.Clear()
	c.keys.Clear()
}

// Invalidate drops cached values and mappings for one row.
func (c *Conn) Invalidate(rowid Rowid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects.Remove(rowid)
	c.metadata.Remove(rowid)
	c.keys.RemoveRowid(rowid)
}

// InvalidateAll drops the entire cache. Storage is not touched.
func (c *Conn) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCachesLocked()
}

func (c *Conn) cachedObject(rowid Rowid) (any, bool) {
	c.mu.Lock()
	v, ok := c.objects.Get(rowid)
	c.mu.Unlock()
	c.db.metrics.cacheLookup(PartObject, ok)
	return v, ok
}

func (c *Conn) cachedMetadata(rowid Rowid) (any, bool) {
	c.mu.Lock()
	v, ok := c.metadata.Get(rowid)
	c.mu.Unlock()
	c.db.metrics.cacheLookup(PartMetadata, ok)
	return v, ok
}

func (c *Conn) cacheValue(part Part, rowid Rowid, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if part == PartMetadata {
		c.metadata.Set(rowid, v)
	} else {
		c.objects.Set(rowid, v)
	}
}

func (c *Conn) cachedRowid(collection, key string) (Rowid, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Rowid(collection, key)
}

func (c *Conn) cachedIdentity(rowid Rowid) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Identity(rowid)
}

func (c *Conn) cacheIdentity(rowid Rowid, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys.Set(rowid, id)
}

func (c *Conn) leaseStatement(name string) *Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := c.stmts[name]
	if n := len(free); n > 0 {
		st := free[n-1]
		free[n-1] = nil
		c.stmts[name] = free[:n-1]
		return st
	}
	tmpl, ok := c.db.statementTemplate(name)
	if !ok {
		panic(fmt.Errorf("ckv: unknown statement %q", name))
	}
	c.compiled++
	return compileStatement(tmpl)
}

func (c *Conn) returnStatement(st *Statement) {
	st.unbind()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		st.finalize()
		return
	}
	c.stmts[st.tmpl.Name] = append(c.stmts[st.tmpl.Name], st)
}

// CacheStats describes a connection's caches.
type CacheStats struct {
	Snapshot       uint64
	Objects        int
	Metadata       int
	Keys           int
	ObjectHits     uint64
	ObjectMisses   uint64
	MetadataHits   uint64
	MetadataMisses uint64
	Statements     int
	Pending        int
}

func (c *Conn) CacheStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Snapshot:       c.cacheSnapshot,
		Objects:        c.objects.Len(),
		Metadata:       c.metadata.Len(),
		Keys:           c.keys.Len(),
		ObjectHits:     c.objects.hits,
		ObjectMisses:   c.objects.misses,
		MetadataHits:   c.metadata.hits,
		MetadataMisses: c.metadata.misses,
		Statements:     c.compiled,
		Pending:        len(c.pending),
	}
}
