package ckv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/semaphore"
)

const trackTxns = true

// InMemory can be passed to Open instead of a file path to get a transient
// in-memory database.
const InMemory = ":memory:"

const (
	defaultObjectCacheLimit   = 250
	defaultMetadataCacheLimit = 500
	defaultKeyCacheLimit      = 1000
)

type DB struct {
	store   storage
	bdb     *bbolt.DB
	policy  Policy
	logger  *slog.Logger
	verbose bool
	strict  bool

	objectCacheLimit   int
	metadataCacheLimit int
	keyCacheLimit      int
	invalidateOnChange bool
	extensions         []Extension

	templates *xsync.MapOf[string, *StatementTemplate]
	writeLock *semaphore.Weighted
	snapshot  atomic.Uint64
	closed    atomic.Bool

	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	metrics *dbMetrics

	conns      []*Conn
	nextConnID uint64
	connsLock  sync.Mutex

	txns     []*ReadTx
	txnsLock sync.Mutex
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
	Timeout   time.Duration

	// Policy defaults to msgpack for both objects and metadata.
	Policy *Policy

	// Per-connection cache limits. Zero picks a default, negative means unlimited.
	ObjectCacheLimit   int
	MetadataCacheLimit int
	KeyCacheLimit      int

	// InvalidateOnChange makes committed change sets evict changed rows from
	// other connections' caches instead of carrying the new decoded values.
	InvalidateOnChange bool

	Extensions []Extension
	Statements []StatementTemplate
}

func Open(path string, opt Options) (*DB, error) {
	var store storage
	var bdb *bbolt.DB
	if path == InMemory {
		store = newMemStorage()
	} else {
		bopt := *bbolt.DefaultOptions
		bopt.Timeout = 10 * time.Second
		if opt.Timeout != 0 {
			bopt.Timeout = opt.Timeout
		}
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}

		var err error
		bdb, err = bbolt.Open(path, 0666, &bopt)
		if err != nil {
			return nil, fmt.Errorf("ckv: %w", err)
		}
		store = newBoltStorage(bdb)
	}

	policy := DefaultPolicy()
	if opt.Policy != nil {
		policy = *opt.Policy
		policy.normalize()
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db := &DB{
		store:              store,
		bdb:                bdb,
		policy:             policy,
		logger:             logger,
		verbose:            opt.Verbose,
		strict:             opt.IsTesting,
		objectCacheLimit:   cacheLimit(opt.ObjectCacheLimit, defaultObjectCacheLimit),
		metadataCacheLimit: cacheLimit(opt.MetadataCacheLimit, defaultMetadataCacheLimit),
		keyCacheLimit:      cacheLimit(opt.KeyCacheLimit, defaultKeyCacheLimit),
		invalidateOnChange: opt.InvalidateOnChange,
		extensions:         slices.Clone(opt.Extensions),
		templates:          xsync.NewMapOf[string, *StatementTemplate](),
		writeLock:          semaphore.NewWeighted(1),
	}
	db.metrics = newDBMetrics(db)

	for _, tmpl := range builtinStatements {
		db.templates.Store(tmpl.Name, tmpl)
	}
	err := db.withStorageWrite(func(stx storageTx) error {
		for _, name := range []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata, bucketSys} {
			if _, err := stx.CreateBucket(name, ""); err != nil {
				return storageErr("create bucket "+name, err)
			}
		}
		return nil
	})
	if err == nil {
		for _, tmpl := range opt.Statements {
			if err = db.RegisterStatement(tmpl); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = db.loadSnapshot()
	}
	if err != nil {
		store.Close()
		return nil, err
	}

	if db.verbose {
		db.logger.Debug("db: OPEN", "path", path, "snapshot", db.snapshot.Load())
	}
	return db, nil
}

func cacheLimit(v, def int) int {
	if v == 0 {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}

func (db *DB) loadSnapshot() error {
	stx, err := db.store.BeginTx(false)
	if err != nil {
		return storageErr("begin", err)
	}
	defer stx.Rollback()
	snap, err := readSnapshot(stx)
	if err != nil {
		return err
	}
	db.snapshot.Store(snap)
	return nil
}

// withStorageWrite runs f in a bare storage write transaction, outside of
// any connection. It is used for schema-level changes that produce no
// change set and leave the snapshot number alone.
func (db *DB) withStorageWrite(f func(stx storageTx) error) error {
	if err := db.writeLock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer db.writeLock.Release(1)

	stx, err := db.store.BeginTx(true)
	if err != nil {
		return storageErr("begin", err)
	}
	defer stx.Rollback()
	if err := f(stx); err != nil {
		return err
	}
	return storageErr("commit", stx.Commit())
}

// Bolt returns the underlying Bolt database, or nil for in-memory databases.
func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Policy() Policy {
	return db.policy
}

func (db *DB) Logger() *slog.Logger {
	return db.logger
}

// Snapshot returns the number of the latest committed snapshot.
func (db *DB) Snapshot() uint64 {
	return db.snapshot.Load()
}

// Close closes all connections and the underlying storage. It fails with
// ErrMisuse, closing nothing, while transactions are open.
func (db *DB) Close() error {
	if db.closed.Load() {
		return nil
	}
	if n := db.ReaderCount.Load() + db.WriterCount.Load(); n > 0 {
		return fmt.Errorf("%w: cannot close database with %d open transactions", ErrMisuse, n)
	}
	if db.closed.Swap(true) {
		return nil
	}
	db.connsLock.Lock()
	conns := slices.Clone(db.conns)
	db.connsLock.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ckv: closing: %w", err))
	}
	return errors.Join(errs...)
}

// NewConn returns a connection stamped with the latest committed snapshot.
func (db *DB) NewConn() (*Conn, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	db.connsLock.Lock()
	defer db.connsLock.Unlock()
	db.nextConnID++
	c := newConn(db, db.nextConnID, db.snapshot.Load())
	db.conns = append(db.conns, c)
	return c, nil
}

func (db *DB) removeConn(c *Conn) {
	db.connsLock.Lock()
	defer db.connsLock.Unlock()
	if i := slices.Index(db.conns, c); i >= 0 {
		db.conns = slices.Delete(db.conns, i, i+1)
	}
}

// ConnCount returns the number of open connections.
func (db *DB) ConnCount() int {
	db.connsLock.Lock()
	defer db.connsLock.Unlock()
	return len(db.conns)
}

// publish makes cs the latest snapshot and hands it to every live
// connection. Called with the write lock held, after the storage commit.
func (db *DB) publish(cs *ChangeSet) {
	db.connsLock.Lock()
	if prev := db.snapshot.Load(); cs.snapshot != prev+1 {
		db.connsLock.Unlock()
		panic(fmt.Errorf("ckv: publishing snapshot %d after %d", cs.snapshot, prev))
	}
	db.snapshot.Store(cs.snapshot)
	conns := slices.Clone(db.conns)
	db.connsLock.Unlock()

	for _, c := range conns {
		c.noteChangeSet(cs)
	}
}

func (db *DB) addTx(tx *ReadTx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *ReadTx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *ReadTx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		kind := "read"
		if tx.w != nil {
			kind = "write"
		}
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s on conn %d at snapshot %d, open for %d ms\n", kind, tx.conn.id, tx.snapshot, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s on conn %d at snapshot %d, open for %d ms:\n%s", kind, tx.conn.id, tx.snapshot, ms, tx.stack)
		}
	}

	return buf.String()
}
