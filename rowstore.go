package ckv

import (
	"encoding/binary"
	"errors"
	"slices"
)

// Storage primitives. Everything above this file speaks in rowids,
// identities and encoded payloads; everything below it is buckets.
//
//	index/c<collection>  "k"+key -> rowid
//	rows                 rowid -> tuple(collection, key)
//	objects              rowid -> encoded object
//	metadata             rowid -> encoded metadata, absent for nil
//	sys                  "snapshot" -> uint64; sequence allocates rowids

var snapshotKey = []byte("snapshot")

func collectionSub(collection string) string {
	return "c" + collection
}

func collectionFromSub(sub string) (string, bool) {
	if len(sub) == 0 || sub[0] != 'c' {
		return "", false
	}
	return sub[1:], true
}

// Index keys carry a one-byte marker because Bolt refuses empty keys. The
// marker is the same for every key, so storage order is key order.
const indexKeyMarker = 'k'

func appendIndexKey(buf []byte, key string) []byte {
	buf = append(buf, indexKeyMarker)
	return append(buf, key...)
}

func keyFromIndexKey(k []byte) (string, error) {
	if len(k) == 0 || k[0] != indexKeyMarker {
		return "", dataErrf(k, 0, nil, "invalid index key")
	}
	return string(k[1:]), nil
}

func readSnapshot(stx storageTx) (uint64, error) {
	b := stx.Bucket(bucketSys, "")
	if b == nil {
		return 0, nil
	}
	raw := b.Get(snapshotKey)
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, dataErrf(raw, 0, nil, "invalid snapshot number")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (tx *ReadTx) writeSnapshot(snap uint64) error {
	st := tx.stmt(stmtSnapshot)
	raw := binary.BigEndian.AppendUint64(nil, snap)
	return tx.fail(storageErr("write snapshot", st.Bucket(0).Put(snapshotKey, raw)))
}

func (tx *ReadTx) loadRowid(collection, key string) (Rowid, bool, error) {
	st := tx.stmt(stmtRowidLookup)
	b := st.Sub(0, collectionSub(collection))
	if b == nil {
		return 0, false, nil
	}
	raw := b.Get(appendIndexKey(st.Scratch(), key))
	if raw == nil {
		return 0, false, nil
	}
	rowid, err := decodeRowid(raw)
	if err != nil {
		return 0, false, tx.fail(rowErrf(collection, key, 0, err, "bad index entry"))
	}
	return rowid, true, nil
}

func (tx *ReadTx) loadIdentity(rowid Rowid) (Identity, bool, error) {
	st := tx.stmt(stmtIdentityLookup)
	raw := st.Bucket(0).Get(rowid.appendTo(st.Scratch()))
	if raw == nil {
		return Identity{}, false, nil
	}
	id, err := decodeIdentity(raw)
	if err != nil {
		return Identity{}, false, tx.fail(rowErrf("", "", rowid, err, "bad row entry"))
	}
	return id, true, nil
}

// loadPayload returns the encoded payload of the given part. The result is
// only valid for the duration of the transaction.
func (tx *ReadTx) loadPayload(part Part, rowid Rowid) []byte {
	st := tx.stmt(stmtPayloadGet)
	return st.Bucket(int(part)).Get(rowid.appendTo(st.Scratch()))
}

// insertRow allocates a rowid and writes all four entries of a new row.
// meta == nil means no metadata. Bolt copies keys on Put but keeps values
// until commit, so only keys may live in scratch buffers.
func (tx *ReadTx) insertRow(id Identity, obj, meta []byte) (Rowid, error) {
	st := tx.stmt(stmtRowInsert)
	seq, err := st.Bucket(4).NextSequence()
	if err != nil {
		return 0, tx.fail(storageErr("allocate rowid", err))
	}
	rowid := Rowid(seq)
	k := rowid.appendTo(st.Scratch())

	idx, err := tx.stx.CreateBucket(bucketIndex, collectionSub(id.Collection))
	if err != nil {
		return 0, tx.fail(storageErr("create collection", err))
	}
	if err := idx.Put(appendIndexKey(nil, id.Key), slices.Clone(k)); err != nil {
		return 0, tx.fail(storageErr("put index", err))
	}
	if err := st.Bucket(1).Put(k, encodeIdentity(nil, id)); err != nil {
		return 0, tx.fail(storageErr("put row", err))
	}
	if err := st.Bucket(2).Put(k, obj); err != nil {
		return 0, tx.fail(storageErr("put object", err))
	}
	if meta != nil {
		if err := st.Bucket(3).Put(k, meta); err != nil {
			return 0, tx.fail(storageErr("put metadata", err))
		}
	}
	st.keepScratch(k)
	return rowid, nil
}

// updatePayload overwrites one part of an existing row. raw == nil deletes
// the entry, which for metadata means nil.
func (tx *ReadTx) updatePayload(part Part, rowid Rowid, raw []byte) error {
	st := tx.stmt(stmtRowUpdate)
	k := rowid.appendTo(st.Scratch())
	var err error
	if raw == nil {
		err = st.Bucket(int(part)).Delete(k)
	} else {
		err = st.Bucket(int(part)).Put(k, raw)
	}
	return tx.fail(storageErr("update "+part.String(), err))
}

func (tx *ReadTx) deleteRow(rowid Rowid, id Identity) error {
	st := tx.stmt(stmtRowRemove)
	k := rowid.appendTo(st.Scratch())
	sub := collectionSub(id.Collection)
	if idx := st.Sub(0, sub); idx != nil {
		if err := idx.Delete(appendIndexKey(nil, id.Key)); err != nil {
			return tx.fail(storageErr("delete index", err))
		}
		// collections exist only while they hold keys
		if first, _ := idx.Cursor().First(); first == nil {
			if err := tx.stx.DeleteBucket(bucketIndex, sub); err != nil {
				return tx.fail(storageErr("delete collection", err))
			}
		}
	}
	for i, what := range []string{"row", "object", "metadata"} {
		if err := st.Bucket(i + 1).Delete(k); err != nil {
			return tx.fail(storageErr("delete "+what, err))
		}
	}
	return nil
}

// deleteCollection removes every row of a collection and returns the rowids
// it held. The caller owns the returned slice and releases it with
// releaseRowids.
func (tx *ReadTx) deleteCollection(collection string) ([]Rowid, error) {
	st := tx.stmt(stmtCollectionRemove)
	sub := collectionSub(collection)
	idx := st.Sub(0, sub)
	if idx == nil {
		return nil, nil
	}

	rowids := rowidSlicePool.Get().([]Rowid)
	c := idx.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rowid, err := decodeRowid(v)
		if err != nil {
			releaseRowids(rowids)
			return nil, tx.fail(rowErrf(collection, string(k), 0, err, "bad index entry"))
		}
		rowids = append(rowids, rowid)
	}

	buf := st.Scratch()
	for _, rowid := range rowids {
		buf = rowid.appendTo(buf[:0])
		for i := 1; i <= 3; i++ {
			if err := st.Bucket(i).Delete(buf); err != nil {
				releaseRowids(rowids)
				return nil, tx.fail(storageErr("delete collection", err))
			}
		}
	}
	st.keepScratch(buf)
	if err := tx.stx.DeleteBucket(bucketIndex, sub); err != nil && !errors.Is(err, ErrBucketNotFound) {
		releaseRowids(rowids)
		return nil, tx.fail(storageErr("delete collection", err))
	}
	return rowids, nil
}

// deleteAll drops every row. The sys bucket survives, so rowids keep
// growing afterwards.
func (tx *ReadTx) deleteAll() error {
	for _, name := range []string{bucketIndex, bucketRows, bucketObjects, bucketMetadata} {
		if err := tx.stx.DeleteBucket(name, ""); err != nil && !errors.Is(err, ErrBucketNotFound) {
			return tx.fail(storageErr("delete "+name, err))
		}
		if _, err := tx.stx.CreateBucket(name, ""); err != nil {
			return tx.fail(storageErr("create "+name, err))
		}
	}
	// handles resolved earlier point at the deleted buckets
	for _, st := range tx.stmts {
		st.refresh()
	}
	return nil
}

func (tx *ReadTx) loadCollections() ([]string, error) {
	var result []string
	err := tx.stx.ForEachSub(bucketIndex, func(sub string) error {
		if c, ok := collectionFromSub(sub); ok {
			result = append(result, c)
		}
		return nil
	})
	if err != nil {
		return nil, tx.fail(storageErr("list collections", err))
	}
	return result, nil
}

func (tx *ReadTx) countCollection(collection string) int {
	st := tx.stmt(stmtCount)
	if b := st.Sub(0, collectionSub(collection)); b != nil {
		return b.KeyCount()
	}
	return 0
}

func (tx *ReadTx) countRows() int {
	return tx.stmt(stmtCount).Bucket(1).KeyCount()
}
