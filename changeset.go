package ckv

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

type invalidated struct{}

// invalidatedValue stands in for a changed value that the change set does
// not carry. Receivers evict the row instead of patching it.
var invalidatedValue any = invalidated{}

// ChangeSet summarizes one committed write transaction. It is built by the
// writer, sealed at commit and then shared read-only by every connection.
type ChangeSet struct {
	origin   uint64
	snapshot uint64

	updated *roaring64.Bitmap
	removed *roaring64.Bitmap

	objects    map[Rowid]any
	metadata   map[Rowid]any
	identities map[Rowid]Identity
	byIdentity map[Identity]Rowid

	touchedCollections map[string]struct{}
	removedCollections []string
	allRemoved         bool
	sealed             bool
}

func newChangeSet(origin, snapshot uint64) *ChangeSet {
	return &ChangeSet{
		origin:             origin,
		snapshot:           snapshot,
		updated:            roaring64.New(),
		removed:            roaring64.New(),
		objects:            make(map[Rowid]any),
		metadata:           make(map[Rowid]any),
		identities:         make(map[Rowid]Identity),
		byIdentity:         make(map[Identity]Rowid),
		touchedCollections: make(map[string]struct{}),
	}
}

func (cs *ChangeSet) mustBeOpen() {
	if cs.sealed {
		panic("ckv: change set is sealed")
	}
}

func (cs *ChangeSet) noteRow(rowid Rowid, id Identity) {
	cs.identities[rowid] = id
	cs.byIdentity[id] = rowid
	cs.touchedCollections[id.Collection] = struct{}{}
}

func (cs *ChangeSet) recordObject(rowid Rowid, id Identity, v any) {
	cs.mustBeOpen()
	cs.noteRow(rowid, id)
	cs.updated.Add(uint64(rowid))
	cs.objects[rowid] = v
}

func (cs *ChangeSet) recordMetadata(rowid Rowid, id Identity, v any) {
	cs.mustBeOpen()
	cs.noteRow(rowid, id)
	cs.updated.Add(uint64(rowid))
	cs.metadata[rowid] = v
}

func (cs *ChangeSet) recordTouch(rowid Rowid, id Identity) {
	cs.mustBeOpen()
	cs.noteRow(rowid, id)
	cs.updated.Add(uint64(rowid))
}

func (cs *ChangeSet) recordRemove(rowid Rowid, id Identity) {
	cs.mustBeOpen()
	cs.noteRow(rowid, id)
	cs.forget(rowid)
}

func (cs *ChangeSet) forget(rowid Rowid) {
	cs.updated.Remove(uint64(rowid))
	cs.removed.Add(uint64(rowid))
	delete(cs.objects, rowid)
	delete(cs.metadata, rowid)
}

func (cs *ChangeSet) recordRemoveCollection(collection string, rowids []Rowid) {
	cs.mustBeOpen()
	for _, rowid := range rowids {
		cs.forget(rowid)
	}
	if !slices.Contains(cs.removedCollections, collection) {
		cs.removedCollections = append(cs.removedCollections, collection)
	}
	cs.touchedCollections[collection] = struct{}{}
}

func (cs *ChangeSet) recordRemoveAll() {
	cs.mustBeOpen()
	cs.allRemoved = true
	cs.updated.Clear()
	cs.removed.Clear()
	clear(cs.objects)
	clear(cs.metadata)
	clear(cs.identities)
	clear(cs.byIdentity)
	clear(cs.touchedCollections)
	cs.removedCollections = nil
}

// seal freezes the change set. With invalidate, changed values are replaced
// by markers so receivers evict instead of patch.
func (cs *ChangeSet) seal(invalidate bool) {
	if invalidate {
		for rowid := range cs.objects {
			cs.objects[rowid] = invalidatedValue
		}
		for rowid := range cs.metadata {
			cs.metadata[rowid] = invalidatedValue
		}
	}
	cs.updated.RunOptimize()
	cs.removed.RunOptimize()
	slices.Sort(cs.removedCollections)
	cs.sealed = true
}

// removedInTx reports whether rowid no longer exists from the point of view
// of the transaction building the change set.
func (cs *ChangeSet) removedInTx(rowid Rowid) bool {
	return cs.allRemoved || cs.removed.Contains(uint64(rowid))
}

// collectionRemovedInTx reports whether cached key mappings for the
// collection may be stale for the transaction building the change set.
func (cs *ChangeSet) collectionRemovedInTx(collection string) bool {
	return cs.allRemoved || slices.Contains(cs.removedCollections, collection)
}

// Snapshot returns the snapshot number the commit produced.
func (cs *ChangeSet) Snapshot() uint64 {
	return cs.snapshot
}

// Origin returns the ID of the connection that committed.
func (cs *ChangeSet) Origin() uint64 {
	return cs.origin
}

func (cs *ChangeSet) AllRemoved() bool {
	return cs.allRemoved
}

func (cs *ChangeSet) RemovedCollections() []string {
	return slices.Clone(cs.removedCollections)
}

// IsEmpty reports whether the commit changed nothing.
func (cs *ChangeSet) IsEmpty() bool {
	return !cs.allRemoved && len(cs.removedCollections) == 0 && cs.updated.IsEmpty() && cs.removed.IsEmpty()
}

func (cs *ChangeSet) IsUpdated(rowid Rowid) bool {
	return cs.updated.Contains(uint64(rowid))
}

func (cs *ChangeSet) IsRemoved(rowid Rowid) bool {
	return cs.removed.Contains(uint64(rowid))
}

// UpdatedRowids lists inserted, updated and touched rows in rowid order.
func (cs *ChangeSet) UpdatedRowids() []Rowid {
	return bitmapRowids(cs.updated)
}

// RemovedRowids lists removed rows in rowid order, including rows of
// removed collections. Rows dropped by RemoveAll are not listed.
func (cs *ChangeSet) RemovedRowids() []Rowid {
	return bitmapRowids(cs.removed)
}

func bitmapRowids(bm *roaring64.Bitmap) []Rowid {
	result := make([]Rowid, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		result = append(result, Rowid(it.Next()))
	}
	return result
}

// Identity returns the collection and key of a row the commit touched by
// key. Rows removed with their collection are not known by key.
func (cs *ChangeSet) Identity(rowid Rowid) (Identity, bool) {
	id, ok := cs.identities[rowid]
	return id, ok
}

// Object returns the new decoded object of an updated row, if carried.
func (cs *ChangeSet) Object(rowid Rowid) (any, bool) {
	return carried(cs.objects, rowid)
}

// Metadata returns the new decoded metadata of an updated row, if carried.
// A carried nil means the metadata was cleared.
func (cs *ChangeSet) Metadata(rowid Rowid) (any, bool) {
	return carried(cs.metadata, rowid)
}

func carried(m map[Rowid]any, rowid Rowid) (any, bool) {
	v, ok := m[rowid]
	if !ok || v == invalidatedValue {
		return nil, false
	}
	return v, true
}

// ObjectChanged reports whether the commit replaced the object of rowid,
// as opposed to touching it or changing only its metadata.
func (cs *ChangeSet) ObjectChanged(rowid Rowid) bool {
	_, ok := cs.objects[rowid]
	return ok
}

func (cs *ChangeSet) MetadataChanged(rowid Rowid) bool {
	_, ok := cs.metadata[rowid]
	return ok
}

// HasChangeForKey reports whether the row at collection/key may differ
// between the previous snapshot and this one.
func (cs *ChangeSet) HasChangeForKey(collection, key string) bool {
	if cs.collectionRemovedInTx(collection) {
		return true
	}
	_, ok := cs.byIdentity[Identity{collection, key}]
	return ok
}

func (cs *ChangeSet) HasChangeForCollection(collection string) bool {
	if cs.allRemoved {
		return true
	}
	_, ok := cs.touchedCollections[collection]
	return ok
}
