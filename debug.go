package ckv

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpMetadata

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the whole store as text, one line per row, for debugging
// and tests. Decode failures are printed in place of the row.
func (tx *ReadTx) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpStats) {
		if s, err := tx.StoreStats(); err == nil {
			fmt.Fprintf(&buf, "snapshot = %d, collections = %d, rows = %d, size = %d\n", tx.snapshot, s.Collections, s.Rows, s.Size)
		}
	}
	colls, err := tx.Collections()
	if err != nil {
		fmt.Fprintf(&buf, "** ERROR: %v\n", err)
		return buf.String()
	}
	for _, coll := range colls {
		tx.dumpCollection(&buf, f, coll)
	}
	return buf.String()
}

func (tx *ReadTx) dumpCollection(w *strings.Builder, f DumpFlags, coll string) {
	if f.Contains(DumpCollectionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", coll, tx.countCollection(coll))
		if f.Contains(DumpRows) {
			fmt.Fprintln(w, dumpSep2)
		}
	}
	if !f.Contains(DumpRows) {
		return
	}
	_, err := tx.scanCollectionRange(coll, &KeyRange{}, func(rowid Rowid, key string) (bool, error) {
		tx.dumpRow(w, f, rowid, Identity{coll, key})
		return true, nil
	})
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", coll, err)
	}
}

func (tx *ReadTx) dumpRow(w *strings.Builder, f DumpFlags, rowid Rowid, id Identity) {
	obj, err := tx.valueFor(PartObject, rowid, id)
	if err != nil {
		fmt.Fprintf(w, "%v%v ** ERROR: %v\n", id, rowid, err)
		return
	}
	fmt.Fprintf(w, "%v%v = %s", id, rowid, loggableVal(obj))
	if f.Contains(DumpMetadata) {
		meta, err := tx.valueFor(PartMetadata, rowid, id)
		if err != nil {
			fmt.Fprintf(w, " ** ERROR: %v", err)
		} else if meta != nil {
			fmt.Fprintf(w, " meta %s", loggableVal(meta))
		}
	}
	w.WriteByte('\n')
}

func loggableVal(v any) string {
	if v == nil {
		return "<none>"
	}
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("%q", b)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
