package ckv

import (
	"fmt"
	"slices"
)

// StatementTemplate is a named storage access path. Templates live in the
// database-wide registry; each connection compiles a template into a
// Statement on first use and reuses it across transactions.
type StatementTemplate struct {
	Name string
	// Buckets are the root buckets the statement touches. They are created
	// at registration and resolved once per transaction.
	Buckets []string
}

// Statement is a compiled StatementTemplate owned by one connection and
// leased to one transaction at a time.
type Statement struct {
	tmpl    *StatementTemplate
	buf     []byte
	stx     storageTx
	handles []storageBucket
	uses    uint64
}

const (
	stmtRowidLookup      = "rowid.lookup"
	stmtIdentityLookup   = "identity.lookup"
	stmtPayloadGet       = "payload.get"
	stmtRowInsert        = "row.insert"
	stmtRowUpdate        = "row.update"
	stmtRowRemove        = "row.remove"
	stmtCollectionRemove = "collection.remove"
	stmtAllRemove        = "all.remove"
	stmtEnumerate        = "enumerate"
	stmtSnapshot         = "snapshot"
	stmtCount            = "count"
)

const (
	bucketIndex    = "index"
	bucketRows     = "rows"
	bucketObjects  = "objects"
	bucketMetadata = "metadata"
	bucketSys      = "sys"
)

var builtinStatements = []*StatementTemplate{
	{Name: stmtRowidLookup, Buckets: []string{bucketIndex}},
	{Name: stmtIdentityLookup, Buckets: []string{bucketRows}},
	{Name: stmtPayloadGet, Buckets: []string{bucketObjects, bucketMetadata}},
	{Name: stmtRowInsert, Buckets: []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata, bucketSys}},
	{Name: stmtRowUpdate, Buckets: []string{bucketObjects, bucketMetadata}},
	{Name: stmtRowRemove, Buckets: []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata}},
	{Name: stmtCollectionRemove, Buckets: []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata}},
	{Name: stmtAllRemove, Buckets: []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata}},
	{Name: stmtEnumerate, Buckets: []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata}},
	{Name: stmtSnapshot, Buckets: []string{bucketSys}},
	{Name: stmtCount, Buckets: []string{bucketIndex, bucketRows}},
}

func compileStatement(tmpl *StatementTemplate) *Statement {
	return &Statement{
		tmpl:    tmpl,
		buf:     stmtBufPool.Get().([]byte),
		handles: make([]storageBucket, len(tmpl.Buckets)),
	}
}

func (st *Statement) Name() string {
	return st.tmpl.Name
}

// Uses returns how many transactions have leased the statement.
func (st *Statement) Uses() uint64 {
	return st.uses
}

func (st *Statement) bind(stx storageTx) {
	st.uses++
	if st.stx == stx {
		return
	}
	st.stx = stx
	st.refresh()
}

func (st *Statement) refresh() {
	for i, name := range st.tmpl.Buckets {
		st.handles[i] = st.stx.Bucket(name, "")
	}
}

func (st *Statement) unbind() {
	st.stx = nil
	clear(st.handles)
}

// Bucket returns the i-th root bucket of the template, resolved in the
// current transaction.
func (st *Statement) Bucket(i int) storageBucket {
	h := st.handles[i]
	if h == nil {
		panic(fmt.Errorf("statement %s: bucket %q missing", st.tmpl.Name, st.tmpl.Buckets[i]))
	}
	return h
}

// Sub returns a nested bucket of the i-th root bucket, or nil.
func (st *Statement) Sub(i int, sub string) storageBucket {
	return st.stx.Bucket(st.tmpl.Buckets[i], sub)
}

// Scratch returns an empty buffer reused across calls; the result is only
// valid until the next Scratch call.
func (st *Statement) Scratch() []byte {
	return st.buf[:0]
}

func (st *Statement) keepScratch(buf []byte) {
	if cap(buf) > cap(st.buf) {
		st.buf = buf[:0]
	}
}

// Get reads key from the i-th bucket. The result is only valid for the
// duration of the transaction.
func (st *Statement) Get(i int, key []byte) []byte {
	return st.Bucket(i).Get(key)
}

// Put writes into the i-th bucket. value must not be modified until the
// transaction ends.
func (st *Statement) Put(i int, key, value []byte) error {
	if !st.stx.Writable() {
		return ErrReadOnly
	}
	return storageErr("put", st.Bucket(i).Put(key, value))
}

func (st *Statement) Delete(i int, key []byte) error {
	if !st.stx.Writable() {
		return ErrReadOnly
	}
	return storageErr("delete", st.Bucket(i).Delete(key))
}

// ForEach visits the i-th bucket in key order until f returns false.
func (st *Statement) ForEach(i int, f func(k, v []byte) bool) {
	c := st.Bucket(i).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if !f(k, v) {
			return
		}
	}
}

func (st *Statement) finalize() {
	st.unbind()
	if st.buf != nil {
		stmtBufPool.Put(st.buf[:0])
		st.buf = nil
	}
}

// RegisterStatement adds a template to the database-wide registry and
// creates its buckets. Registering a name twice replaces the template for
// connections that have not compiled it yet.
func (db *DB) RegisterStatement(tmpl StatementTemplate) error {
	if tmpl.Name == "" {
		return fmt.Errorf("ckv: statement template needs a name")
	}
	t := &StatementTemplate{Name: tmpl.Name, Buckets: slices.Clone(tmpl.Buckets)}
	err := db.withStorageWrite(func(stx storageTx) error {
		for _, name := range t.Buckets {
			if _, err := stx.CreateBucket(name, ""); err != nil {
				return storageErr("create bucket "+name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.templates.Store(t.Name, t)
	return nil
}

func (db *DB) statementTemplate(name string) (*StatementTemplate, bool) {
	return db.templates.Load(name)
}

// StatementNames lists registered templates, sorted.
func (db *DB) StatementNames() []string {
	var names []string
	db.templates.Range(func(name string, _ *StatementTemplate) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}
