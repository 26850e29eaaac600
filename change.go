package ckv

import "fmt"

type (
	// Change describes one mutation made by a write transaction, reported to
	// the handler installed with WriteTx.OnChange.
	Change struct {
		op          Op
		rowid       Rowid
		id          Identity
		object      any
		metadata    any
		hasObject   bool
		hasMetadata bool
	}

	Op int
)

const (
	OpNone Op = iota
	OpInsert
	OpUpdate
	OpUpdateMetadata
	OpTouch
	OpRemove
	OpRemoveCollection
	OpRemoveAll
)

func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) Rowid() Rowid {
	return chg.rowid
}
func (chg *Change) Collection() string {
	return chg.id.Collection
}
func (chg *Change) Key() string {
	return chg.id.Key
}
func (chg *Change) HasObject() bool {
	return chg.hasObject
}
func (chg *Change) Object() any {
	return chg.object
}
func (chg *Change) HasMetadata() bool {
	return chg.hasMetadata
}
func (chg *Change) Metadata() any {
	return chg.metadata
}

func (chg *Change) String() string {
	switch chg.op {
	case OpRemoveAll:
		return chg.op.String()
	case OpRemoveCollection:
		return fmt.Sprintf("%v %s", chg.op, chg.id.Collection)
	default:
		return fmt.Sprintf("%v %v%v", chg.op, chg.id, chg.rowid)
	}
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpUpdateMetadata:
		return "update-metadata"
	case OpTouch:
		return "touch"
	case OpRemove:
		return "remove"
	case OpRemoveCollection:
		return "remove-collection"
	case OpRemoveAll:
		return "remove-all"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}
