package ckv

import (
	"encoding/binary"
	"fmt"
)

// Rowid identifies one stored row. Rowids are assigned by the storage engine
// from a monotonic sequence and are never reused.
type Rowid uint64

func (r Rowid) String() string {
	return fmt.Sprintf("#%d", uint64(r))
}

func (r Rowid) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(r))
}

func decodeRowid(raw []byte) (Rowid, error) {
	if len(raw) != 8 {
		return 0, dataErrf(raw, 0, nil, "invalid rowid")
	}
	return Rowid(binary.BigEndian.Uint64(raw)), nil
}

// Identity is the (collection, key) pair a row is stored under.
type Identity struct {
	Collection string
	Key        string
}

func (id Identity) String() string {
	return id.Collection + "/" + id.Key
}

// rowidIndex is the bidirectional rowid <-> identity mapping cached by
// a connection. Both directions always hold the same set of pairs.
type rowidIndex struct {
	byRowid    *lru[Rowid, Identity]
	byIdentity map[Identity]Rowid
}

func newRowidIndex(limit int) *rowidIndex {
	idx := &rowidIndex{
		byIdentity: make(map[Identity]Rowid),
	}
	idx.byRowid = newLRU(limit, func(rowid Rowid, id Identity) {
		if idx.byIdentity[id] == rowid {
			delete(idx.byIdentity, id)
		}
	})
	return idx
}

func (idx *rowidIndex) Len() int {
	return idx.byRowid.Len()
}

func (idx *rowidIndex) Rowid(collection, key string) (Rowid, bool) {
	rowid, ok := idx.byIdentity[Identity{collection, key}]
	if ok {
		idx.byRowid.Get(rowid) // bump recency
	}
	return rowid, ok
}

func (idx *rowidIndex) Identity(rowid Rowid) (Identity, bool) {
	return idx.byRowid.Get(rowid)
}

// Set records rowid <-> id, dropping any pair that conflicts with it.
func (idx *rowidIndex) Set(rowid Rowid, id Identity) {
	if old, ok := idx.byRowid.Peek(rowid); ok && old != id {
		delete(idx.byIdentity, old)
	}
	if oldRowid, ok := idx.byIdentity[id]; ok && oldRowid != rowid {
		idx.byRowid.Remove(oldRowid)
	}
	idx.byIdentity[id] = rowid
	idx.byRowid.Set(rowid, id)
}

func (idx *rowidIndex) RemoveRowid(rowid Rowid) {
	idx.byRowid.Remove(rowid)
}

func (idx *rowidIndex) RemoveCollection(collection string) {
	var doomed []Rowid
	for id, rowid := range idx.byIdentity {
		if id.Collection == collection {
			doomed = append(doomed, rowid)
		}
	}
	for _, rowid := range doomed {
		idx.byRowid.Remove(rowid)
	}
}

func (idx *rowidIndex) Clear() {
	idx.byRowid.Clear()
	clear(idx.byIdentity)
}
