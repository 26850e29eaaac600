package ckv

import "slices"

// cacheable reports whether the connection cache agrees with what this
// transaction sees for rowid, so cached values can be served and values
// loaded from storage can be remembered.
func (tx *ReadTx) cacheable(rowid Rowid) bool {
	if !tx.useCache {
		return false
	}
	if tx.w == nil {
		return true
	}
	cs := tx.w.cs
	if cs.allRemoved {
		return false
	}
	_, touched := cs.identities[rowid]
	return !touched && !cs.removed.Contains(uint64(rowid))
}

// Rowid returns the rowid of the row stored under collection/key.
func (tx *ReadTx) Rowid(collection, key string) (Rowid, bool, error) {
	if err := tx.check(); err != nil {
		return 0, false, err
	}
	return tx.rowidFor(collection, key)
}

func (tx *ReadTx) rowidFor(collection, key string) (Rowid, bool, error) {
	if tx.useCache && (tx.w == nil || !tx.w.cs.collectionRemovedInTx(collection)) {
		if rowid, ok := tx.conn.cachedRowid(collection, key); ok && tx.cacheable(rowid) {
			return rowid, true, nil
		}
	}
	rowid, ok, err := tx.loadRowid(collection, key)
	if err != nil || !ok {
		return 0, false, err
	}
	if tx.cacheable(rowid) {
		tx.conn.cacheIdentity(rowid, Identity{collection, key})
	}
	return rowid, true, nil
}

// Identity returns the collection and key of a rowid.
func (tx *ReadTx) Identity(rowid Rowid) (Identity, bool, error) {
	if err := tx.check(); err != nil {
		return Identity{}, false, err
	}
	return tx.identityFor(rowid)
}

func (tx *ReadTx) identityFor(rowid Rowid) (Identity, bool, error) {
	if tx.cacheable(rowid) {
		if id, ok := tx.conn.cachedIdentity(rowid); ok {
			return id, true, nil
		}
	}
	id, ok, err := tx.loadIdentity(rowid)
	if err != nil || !ok {
		return Identity{}, false, err
	}
	if tx.cacheable(rowid) {
		tx.conn.cacheIdentity(rowid, id)
	}
	return id, true, nil
}

func (tx *ReadTx) HasRowid(rowid Rowid) (bool, error) {
	_, ok, err := tx.Identity(rowid)
	return ok, err
}

func (tx *ReadTx) Has(collection, key string) (bool, error) {
	_, ok, err := tx.Rowid(collection, key)
	return ok, err
}

// Object returns the decoded object stored under collection/key.
func (tx *ReadTx) Object(collection, key string) (any, bool, error) {
	return tx.part(PartObject, collection, key)
}

// Metadata returns the decoded metadata stored under collection/key. A row
// without metadata yields (nil, true, nil).
func (tx *ReadTx) Metadata(collection, key string) (any, bool, error) {
	return tx.part(PartMetadata, collection, key)
}

func (tx *ReadTx) part(part Part, collection, key string) (any, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	rowid, ok, err := tx.rowidFor(collection, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := tx.valueFor(part, rowid, Identity{collection, key})
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Row returns both the object and the metadata stored under collection/key.
func (tx *ReadTx) Row(collection, key string) (object, metadata any, ok bool, err error) {
	if err := tx.check(); err != nil {
		return nil, nil, false, err
	}
	rowid, ok, err := tx.rowidFor(collection, key)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	id := Identity{collection, key}
	if object, err = tx.valueFor(PartObject, rowid, id); err != nil {
		return nil, nil, false, err
	}
	if metadata, err = tx.valueFor(PartMetadata, rowid, id); err != nil {
		return nil, nil, false, err
	}
	return object, metadata, true, nil
}

// RowForRowid returns the identity, object and metadata of a rowid.
func (tx *ReadTx) RowForRowid(rowid Rowid) (id Identity, object, metadata any, ok bool, err error) {
	if err := tx.check(); err != nil {
		return Identity{}, nil, nil, false, err
	}
	id, ok, err = tx.identityFor(rowid)
	if err != nil || !ok {
		return Identity{}, nil, nil, false, err
	}
	if object, err = tx.valueFor(PartObject, rowid, id); err != nil {
		return Identity{}, nil, nil, false, err
	}
	if metadata, err = tx.valueFor(PartMetadata, rowid, id); err != nil {
		return Identity{}, nil, nil, false, err
	}
	return id, object, metadata, true, nil
}

// valueFor resolves one part of an existing row: transaction-local changes
// first, then the connection cache, then storage.
func (tx *ReadTx) valueFor(part Part, rowid Rowid, id Identity) (any, error) {
	if tx.w != nil {
		m := tx.w.cs.objects
		if part == PartMetadata {
			m = tx.w.cs.metadata
		}
		if v, ok := m[rowid]; ok {
			return v, nil
		}
	}

	cacheable := tx.cacheable(rowid)
	if cacheable {
		var v any
		var ok bool
		if part == PartMetadata {
			v, ok = tx.conn.cachedMetadata(rowid)
		} else {
			v, ok = tx.conn.cachedObject(rowid)
		}
		if ok {
			return v, nil
		}
	}

	raw := tx.loadPayload(part, rowid)
	var v any
	if raw == nil {
		if part == PartObject {
			return nil, tx.fail(rowErrf(id.Collection, id.Key, rowid, dataErrf(nil, 0, nil, "missing"), "object"))
		}
	} else {
		var err error
		v, err = tx.db.policy.codec(part).decode(id.Collection, id.Key, raw)
		if err != nil {
			return nil, tx.fail(rowErrf(id.Collection, id.Key, rowid, err, "cannot decode %v", part))
		}
	}
	if cacheable {
		tx.conn.cacheValue(part, rowid, v)
	}
	return v, nil
}

// Collections lists all non-empty collections in storage order.
func (tx *ReadTx) Collections() ([]string, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.loadCollections()
}

func (tx *ReadTx) NumberOfCollections() (int, error) {
	colls, err := tx.Collections()
	return len(colls), err
}

func (tx *ReadTx) NumberOfKeysInCollection(collection string) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	return tx.countCollection(collection), nil
}

func (tx *ReadTx) NumberOfKeysInAllCollections() (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	return tx.countRows(), nil
}

// KeysInCollection lists the keys of a collection in storage order.
func (tx *ReadTx) KeysInCollection(collection string) ([]string, error) {
	var keys []string
	err := tx.ForEachKey(InCollection(collection), nil, func(e Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys, err
}

// CollectionsForKey lists the collections that hold key, in storage order.
func (tx *ReadTx) CollectionsForKey(key string) ([]string, error) {
	colls, err := tx.Collections()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(colls, func(c string) bool {
		_, ok, e := tx.loadRowid(c, key)
		if e != nil && err == nil {
			err = e
		}
		return !ok
	}), err
}
