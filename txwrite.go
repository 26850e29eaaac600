package ckv

import (
	"bytes"
	"errors"
)

var errNilObject = errors.New("sanitizer returned nil object")

// OnChange installs a handler called after every mutation of this
// transaction, in order. It is not called for no-op mutations.
func (tx *WriteTx) OnChange(f func(c *Change)) {
	tx.changeHandler = f
}

func (tx *WriteTx) noteChange(chg *Change) {
	if tx.changeHandler != nil {
		tx.changeHandler(chg)
	}
}

func (tx *WriteTx) logMutation(op string, id Identity, rowid Rowid) {
	if tx.db.verbose {
		tx.db.logger.Debug("db: "+op, "collection", id.Collection, "key", id.Key, "rowid", uint64(rowid))
	}
}

// prepare runs the sanitizer and encoder for one part. The returned value
// is what the change set carries and caches.
func (tx *WriteTx) prepare(part Part, id Identity, v any) (any, []byte, error) {
	codec := tx.db.policy.codec(part)
	if codec.Sanitize != nil && v != nil {
		sv, err := codec.Sanitize(id.Collection, id.Key, v)
		if err == nil && sv == nil && part == PartObject {
			err = errNilObject
		}
		if err != nil {
			tx.db.metrics.rejected.Inc()
			if tx.db.verbose {
				tx.db.logger.Debug("db: PUT.REJECTED", "collection", id.Collection, "key", id.Key, "part", part.String(), "err", err)
			}
			return nil, nil, &ValidationError{id.Collection, id.Key, part, err}
		}
		v = sv
	}
	if v == nil {
		return nil, nil, nil
	}
	raw, err := codec.encode(id.Collection, id.Key, v)
	if err != nil {
		return nil, nil, rowErrf(id.Collection, id.Key, 0, err, "cannot encode %v", part)
	}
	if !codec.Verbatim {
		v, err = codec.decode(id.Collection, id.Key, raw)
		if err != nil {
			return nil, nil, rowErrf(id.Collection, id.Key, 0, err, "cannot decode encoded %v", part)
		}
	}
	return v, raw, nil
}

// Put stores object and metadata under collection/key, replacing whatever
// was there. A nil object removes the row; nil metadata clears it.
//
// Sanitizer rejections fail with a *ValidationError and leave the
// database untouched; the transaction can go on.
func (tx *WriteTx) Put(collection, key string, object, metadata any) error {
	if object == nil {
		return tx.Remove(collection, key)
	}
	if err := tx.checkMutable(); err != nil {
		return err
	}
	id := Identity{collection, key}
	object, objRaw, err := tx.prepare(PartObject, id, object)
	if err != nil {
		return err
	}
	metadata, metaRaw, err := tx.prepare(PartMetadata, id, metadata)
	if err != nil {
		return err
	}

	rowid, exists, err := tx.rowidFor(collection, key)
	if err != nil {
		return err
	}
	if !exists {
		rowid, err = tx.insertRow(id, objRaw, metaRaw)
		if err != nil {
			return err
		}
		tx.cs.recordObject(rowid, id, object)
		tx.cs.recordMetadata(rowid, id, metadata)
		tx.logMutation("PUT.INSERT", id, rowid)
		tx.noteChange(&Change{op: OpInsert, rowid: rowid, id: id, object: object, metadata: metadata, hasObject: true, hasMetadata: true})
		return nil
	}

	op := OpUpdate
	if old := tx.loadPayload(PartObject, rowid); old != nil && bytes.Equal(old, objRaw) {
		op = OpUpdateMetadata
	} else {
		if err := tx.updatePayload(PartObject, rowid, objRaw); err != nil {
			return err
		}
		tx.cs.recordObject(rowid, id, object)
	}
	if err := tx.updatePayload(PartMetadata, rowid, metaRaw); err != nil {
		return err
	}
	tx.cs.recordMetadata(rowid, id, metadata)

	if op == OpUpdateMetadata {
		tx.logMutation("PUT.METADATA", id, rowid)
	} else {
		tx.logMutation("PUT.UPDATE", id, rowid)
	}
	tx.noteChange(&Change{op: op, rowid: rowid, id: id, object: object, metadata: metadata, hasObject: op == OpUpdate, hasMetadata: true})
	return nil
}

// ReplaceObject replaces the object of an existing row and keeps its
// metadata. Missing rows are left alone. A nil object removes the row.
func (tx *WriteTx) ReplaceObject(collection, key string, object any) error {
	if object == nil {
		return tx.Remove(collection, key)
	}
	if err := tx.checkMutable(); err != nil {
		return err
	}
	id := Identity{collection, key}
	object, objRaw, err := tx.prepare(PartObject, id, object)
	if err != nil {
		return err
	}
	rowid, exists, err := tx.rowidFor(collection, key)
	if err != nil {
		return err
	}
	if !exists {
		tx.logMutation("REPLACE.NOOP", id, 0)
		return nil
	}
	if err := tx.updatePayload(PartObject, rowid, objRaw); err != nil {
		return err
	}
	tx.cs.recordObject(rowid, id, object)
	tx.logMutation("REPLACE.OBJECT", id, rowid)
	tx.noteChange(&Change{op: OpUpdate, rowid: rowid, id: id, object: object, hasObject: true})
	return nil
}

// ReplaceMetadata replaces the metadata of an existing row without touching
// its object. Missing rows are left alone.
func (tx *WriteTx) ReplaceMetadata(collection, key string, metadata any) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	id := Identity{collection, key}
	metadata, metaRaw, err := tx.prepare(PartMetadata, id, metadata)
	if err != nil {
		return err
	}
	rowid, exists, err := tx.rowidFor(collection, key)
	if err != nil {
		return err
	}
	if !exists {
		tx.logMutation("REPLACE.NOOP", id, 0)
		return nil
	}
	if err := tx.updatePayload(PartMetadata, rowid, metaRaw); err != nil {
		return err
	}
	tx.cs.recordMetadata(rowid, id, metadata)
	tx.logMutation("REPLACE.METADATA", id, rowid)
	tx.noteChange(&Change{op: OpUpdateMetadata, rowid: rowid, id: id, metadata: metadata, hasMetadata: true})
	return nil
}

// Touch reports an existing row as updated without changing it.
func (tx *WriteTx) Touch(collection, key string) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	id := Identity{collection, key}
	rowid, exists, err := tx.rowidFor(collection, key)
	if err != nil || !exists {
		return err
	}
	tx.cs.recordTouch(rowid, id)
	tx.logMutation("TOUCH", id, rowid)
	tx.noteChange(&Change{op: OpTouch, rowid: rowid, id: id})
	return nil
}

// Remove deletes the row stored under collection/key. Removing a missing
// row is a no-op.
func (tx *WriteTx) Remove(collection, key string) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	id := Identity{collection, key}
	rowid, exists, err := tx.rowidFor(collection, key)
	if err != nil {
		return err
	}
	if !exists {
		tx.logMutation("DELETE.NOOP", id, 0)
		return nil
	}
	if err := tx.deleteRow(rowid, id); err != nil {
		return err
	}
	tx.cs.recordRemove(rowid, id)
	tx.logMutation("DELETE", id, rowid)
	tx.noteChange(&Change{op: OpRemove, rowid: rowid, id: id})
	return nil
}

func (tx *WriteTx) RemoveKeys(collection string, keys ...string) error {
	for _, key := range keys {
		if err := tx.Remove(collection, key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllInCollection deletes every row of a collection.
func (tx *WriteTx) RemoveAllInCollection(collection string) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	rowids, err := tx.deleteCollection(collection)
	if err != nil {
		return err
	}
	if rowids == nil {
		tx.logMutation("DELETE.COLLECTION.NOOP", Identity{Collection: collection}, 0)
		return nil
	}
	tx.cs.recordRemoveCollection(collection, rowids)
	if tx.db.verbose {
		tx.db.logger.Debug("db: DELETE.COLLECTION", "collection", collection, "rows", len(rowids))
	}
	releaseRowids(rowids)
	tx.noteChange(&Change{op: OpRemoveCollection, id: Identity{Collection: collection}})
	return nil
}

// RemoveAll deletes every row of every collection.
func (tx *WriteTx) RemoveAll() error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	if err := tx.deleteAll(); err != nil {
		return err
	}
	tx.cs.recordRemoveAll()
	if tx.db.verbose {
		tx.db.logger.Debug("db: DELETE.ALL")
	}
	tx.noteChange(&Change{op: OpRemoveAll})
	return nil
}
