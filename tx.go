package ckv

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Txish is implemented by both transaction kinds.
type Txish interface {
	DBTx() *ReadTx
}

// ReadTx is a view of the database at one snapshot. It must not be used
// after the function it was passed to returns.
type ReadTx struct {
	db       *DB
	conn     *Conn
	stx      storageTx
	ctx      context.Context
	w        *WriteTx
	snapshot uint64
	useCache bool

	stmts       map[string]*Statement
	memo        map[string]any
	enumerating int
	failure     error
	closed      bool

	startTime time.Time
	stack     string
}

// WriteTx is a ReadTx that can also mutate. Mutations become visible to
// other transactions only after a successful commit.
type WriteTx struct {
	ReadTx
	cs            *ChangeSet
	changeHandler func(c *Change)
}

// DBTx implements Txish
func (tx *ReadTx) DBTx() *ReadTx {
	return tx
}

func (tx *ReadTx) DB() *DB {
	return tx.db
}

func (tx *ReadTx) Conn() *Conn {
	return tx.conn
}

// Snapshot returns the snapshot number the transaction observes. For a
// write transaction it is the snapshot the commit builds upon.
func (tx *ReadTx) Snapshot() uint64 {
	return tx.snapshot
}

func (tx *ReadTx) Context() context.Context {
	return tx.ctx
}

func (tx *ReadTx) IsWritable() bool {
	return tx.w != nil
}

// Err returns the failure that aborted the transaction, if any. Once set,
// every further operation returns it and a write transaction rolls back
// even when the body returns nil.
func (tx *ReadTx) Err() error {
	return tx.failure
}

func (tx *ReadTx) check() error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.failure
}

func (tx *ReadTx) checkMutable() error {
	if err := tx.check(); err != nil {
		return err
	}
	if tx.enumerating > 0 {
		return fmt.Errorf("%w: mutation during enumeration", ErrMisuse)
	}
	return nil
}

// fail records err as the transaction failure if it is fatal, and returns it.
func (tx *ReadTx) fail(err error) error {
	if err != nil && tx.failure == nil && isFatal(err) {
		tx.failure = err
		if tx.db.verbose {
			tx.db.logger.Warn("db: TX.FAIL", "conn", tx.conn.id, "err", err)
		}
	}
	return err
}

func (tx *ReadTx) stmt(name string) *Statement {
	if st := tx.stmts[name]; st != nil {
		return st
	}
	st := tx.conn.leaseStatement(name)
	st.bind(tx.stx)
	if tx.stmts == nil {
		tx.stmts = make(map[string]*Statement)
	}
	tx.stmts[name] = st
	return st
}

// Statement leases a compiled statement for a registered template. The
// statement stays bound to the transaction until it ends.
func (tx *ReadTx) Statement(name string) (*Statement, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if _, ok := tx.db.statementTemplate(name); !ok {
		return nil, fmt.Errorf("ckv: unknown statement %q", name)
	}
	return tx.stmt(name), nil
}

func (c *Conn) begin(ctx context.Context, w *WriteTx) (*ReadTx, error) {
	stx, err := c.enter(w != nil)
	if err != nil {
		return nil, err
	}
	snap, err := readSnapshot(stx)
	if err != nil {
		stx.Rollback()
		c.leave()
		return nil, err
	}

	var tx *ReadTx
	if w != nil {
		tx = &w.ReadTx
	} else {
		tx = &ReadTx{}
	}
	*tx = ReadTx{
		db:        c.db,
		conn:      c,
		stx:       stx,
		ctx:       ctx,
		w:         w,
		snapshot:  snap,
		useCache:  c.cacheValidAt(snap),
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
		c.db.addTx(tx)
	}
	if w != nil {
		c.db.WriterCount.Add(1)
		c.db.WriteCount.Add(1)
	} else {
		c.db.ReaderCount.Add(1)
		c.db.ReadCount.Add(1)
	}
	return tx, nil
}

// BeginRead starts a read transaction that the caller must Close. Read is
// usually more convenient.
func (c *Conn) BeginRead(ctx context.Context) (*ReadTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.begin(ctx, nil)
}

// Read runs f in a read transaction. Readers never wait for writers.
func (c *Conn) Read(ctx context.Context, f func(tx *ReadTx) error) error {
	tx, err := c.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	err = safelyCall(f, tx)
	if err == nil {
		err = tx.failure
	}
	return err
}

// Write runs f in a write transaction, waiting for the database-wide write
// lock first. If f returns an error or panics, or any operation inside hit
// a storage failure or corrupted data, nothing is committed. Otherwise the
// commit advances the snapshot number by one and every connection learns
// about the changes before its next transaction.
//
// A connection runs at most one write at a time; a second concurrent or
// nested Write on the same connection fails with ErrWriteInProgress. A
// Write while the connection has a read transaction open, including one
// nested inside Read, fails with ErrReadInProgress. Use another
// connection to write from inside a read.
func (c *Conn) Write(ctx context.Context, f func(tx *WriteTx) error) error {
	db := c.db
	if db.closed.Load() {
		return ErrDBClosed
	}
	if err := c.startWriting(); err != nil {
		return err
	}
	defer c.stopWriting()

	waitStart := time.Now()
	db.PendingWriterCount.Add(1)
	err := db.writeLock.Acquire(ctx, 1)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		return err
	}
	defer db.writeLock.Release(1)
	db.metrics.writeWait.UpdateDuration(waitStart)

	w := &WriteTx{}
	if _, err := c.begin(ctx, w); err != nil {
		return err
	}
	return w.run(f)
}

func (tx *WriteTx) run(f func(tx *WriteTx) error) (err error) {
	db := tx.db
	start := time.Now()
	defer db.metrics.writeDuration.UpdateDuration(start)
	defer tx.Close()

	tx.cs = newChangeSet(tx.conn.id, tx.snapshot+1)

	for _, ext := range db.extensions {
		if err = safelyCall(ext.WriteBegan, tx); err != nil {
			break
		}
	}
	if err == nil {
		err = safelyCall(f, tx)
	}
	if err == nil {
		err = tx.failure
	}
	if err == nil {
		err = tx.commit()
	}
	if err != nil {
		tx.rollback(err)
		return err
	}
	return nil
}

func (tx *WriteTx) commit() error {
	db := tx.db
	for _, ext := range db.extensions {
		err := safelyCall(func(tx *WriteTx) error {
			return ext.WillCommit(tx, tx.cs)
		}, tx)
		if err == nil {
			err = tx.failure
		}
		if err != nil {
			return err
		}
	}
	tx.closed = true // no more mutations from extensions

	if err := tx.writeSnapshot(tx.cs.snapshot); err != nil {
		return err
	}
	if err := tx.stx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	db.metrics.commits.Inc()

	cs := tx.cs
	cs.seal(db.invalidateOnChange)
	if db.verbose {
		db.logger.Debug("db: COMMIT", "conn", tx.conn.id, "snapshot", cs.snapshot, "updated", cs.updated.GetCardinality(), "removed", cs.removed.GetCardinality())
	}
	db.publish(cs)

	for _, ext := range db.extensions {
		ext.DidCommit(cs)
	}
	return nil
}

func (tx *WriteTx) rollback(reason error) {
	db := tx.db
	err := tx.stx.Rollback()
	if err != nil {
		db.logger.Error("db: ROLLBACK failed", "conn", tx.conn.id, "err", err)
	}
	db.metrics.rollbacks.Inc()
	if db.verbose {
		db.logger.Debug("db: ROLLBACK", "conn", tx.conn.id, "snapshot", tx.snapshot, "err", reason)
	}
	tx.cs = nil
	for _, ext := range db.extensions {
		ext.DidRollback(reason)
	}
}

// Close ends the transaction. A write transaction that has not committed is
// rolled back. Closing twice is a no-op.
func (tx *ReadTx) Close() {
	if tx.stx == nil {
		return
	}
	// After Commit this only releases the handle.
	tx.stx.Rollback()
	tx.stx = nil
	tx.closed = true

	for _, st := range tx.stmts {
		tx.conn.returnStatement(st)
	}
	tx.stmts = nil
	tx.memo = nil

	if trackTxns {
		tx.db.removeTx(tx)
	}
	if tx.w != nil {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	tx.conn.leave()
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall[T any](fn func(T) error, arg T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(arg)
}

func (tx *ReadTx) GetMemo(key string) (any, bool) {
	v, found := tx.memo[key]
	return v, found
}

// Memo caches the result of f for the rest of the transaction.
func (tx *ReadTx) Memo(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}

	v, err := f()
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](txish Txish, key string, f func() (T, error)) (T, error) {
	tx := txish.DBTx()
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
