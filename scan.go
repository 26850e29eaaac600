package ckv

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"
)

const (
	debugLogRawScans = false
)

// KeyRange restricts enumeration to a range of keys within each collection.
// The zero value matches every key.
type KeyRange struct {
	Prefix   string
	Lower    string
	Upper    string
	HasLower bool
	HasUpper bool
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func AllKeys() KeyRange                 { return KeyRange{} }
func KeysFrom(l string) KeyRange        { return KeyRange{Lower: l, HasLower: true, LowerInc: true} }
func KeysAfter(l string) KeyRange       { return KeyRange{Lower: l, HasLower: true} }
func KeysThrough(u string) KeyRange     { return KeyRange{Upper: u, HasUpper: true, UpperInc: true} }
func KeysBefore(u string) KeyRange      { return KeyRange{Upper: u, HasUpper: true} }
func KeysWithPrefix(p string) KeyRange  { return KeyRange{Prefix: p} }
func KeysBetween(l, u string) KeyRange  { return KeyRange{Lower: l, Upper: u, HasLower: true, HasUpper: true, LowerInc: true} }
func (rang KeyRange) Reversed() KeyRange { rang.Reverse = true; return rang }

func (r *KeyRange) start(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		switch {
		case r.HasUpper && !(r.Prefix != "" && r.Upper > r.Prefix && !strings.HasPrefix(r.Upper, r.Prefix)):
			upper := appendIndexKey(nil, r.Upper)
			k, v = bcur.Seek(upper)
			if k == nil {
				k, v = bcur.Last()
			} else if c := bytes.Compare(k, upper); c > 0 || (c == 0 && !r.UpperInc) {
				k, v = bcur.Prev()
			}
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to upper", slog.String("upper", r.Upper), slog.String("key", string(k)))
			}
		case r.Prefix != "":
			if end := prefixEnd(appendIndexKey(nil, r.Prefix)); end != nil {
				if k, v = bcur.Seek(end); k == nil {
					k, v = bcur.Last()
				} else {
					k, v = bcur.Prev()
				}
			} else {
				k, v = bcur.Last()
			}
		default:
			k, v = bcur.Last()
		}
	} else {
		switch {
		case r.HasLower && !(r.Prefix != "" && r.Lower < r.Prefix):
			lower := appendIndexKey(nil, r.Lower)
			k, v = bcur.Seek(lower)
			if k != nil && !r.LowerInc && bytes.Equal(k, lower) {
				k, v = bcur.Next()
			}
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to lower", slog.String("lower", r.Lower), slog.String("key", string(k)))
			}
		case r.Prefix != "":
			k, v = bcur.Seek(appendIndexKey(nil, r.Prefix))
		default:
			k, v = bcur.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *KeyRange) next(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
	} else {
		k, v = bcur.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

// match reports whether the index key k is still inside the range in the
// scan direction.
func (r *KeyRange) match(k []byte) bool {
	if len(k) == 0 || k[0] != indexKeyMarker {
		return false
	}
	k = k[1:]
	if r.Prefix != "" && !bytes.HasPrefix(k, []byte(r.Prefix)) {
		return false
	}
	if r.Reverse {
		if r.HasLower {
			cmp := bytes.Compare(k, []byte(r.Lower))
			if cmp < 0 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if r.HasUpper {
			cmp := bytes.Compare(k, []byte(r.Upper))
			if cmp > 0 || (cmp == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

// prefixEnd returns the smallest key greater than every key with prefix p,
// or nil if there is none.
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Scope selects the rows an enumeration visits.
type Scope struct {
	collections []string
	all         bool
	keys        KeyRange
}

func InCollection(collection string) Scope {
	return Scope{collections: []string{collection}}
}

// InCollections visits the given collections in storage order, each once.
func InCollections(collections ...string) Scope {
	colls := slices.Clone(collections)
	slices.Sort(colls)
	return Scope{collections: slices.Compact(colls)}
}

func AllCollections() Scope {
	return Scope{all: true}
}

// Keys narrows the scope to a key range within each collection.
func (s Scope) Keys(rang KeyRange) Scope {
	s.keys = rang
	return s
}

// Filter is consulted for each row before anything is decoded. Returning
// false skips the row.
type Filter func(rowid Rowid, collection, key string) bool

// Entry is one row produced by enumeration. Object and Metadata are only
// filled in by the enumerations that ask for them.
type Entry struct {
	Rowid      Rowid
	Collection string
	Key        string
	Object     any
	Metadata   any
}

func (e Entry) Identity() Identity {
	return Identity{e.Collection, e.Key}
}

type want uint8

const (
	wantObject want = 1 << iota
	wantMetadata
)

// ForEachKey visits rows without decoding anything. f returns false to stop.
func (tx *ReadTx) ForEachKey(scope Scope, filter Filter, f func(e Entry) bool) error {
	return tx.enumerate(scope, filter, 0, f)
}

func (tx *ReadTx) ForEachKeyAndMetadata(scope Scope, filter Filter, f func(e Entry) bool) error {
	return tx.enumerate(scope, filter, wantMetadata, f)
}

func (tx *ReadTx) ForEachKeyAndObject(scope Scope, filter Filter, f func(e Entry) bool) error {
	return tx.enumerate(scope, filter, wantObject, f)
}

func (tx *ReadTx) ForEachRow(scope Scope, filter Filter, f func(e Entry) bool) error {
	return tx.enumerate(scope, filter, wantObject|wantMetadata, f)
}

// Rows is ForEachRow as a single-pass sequence. An error is yielded once,
// as the last element.
func (tx *ReadTx) Rows(scope Scope, filter Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var stopped bool
		err := tx.enumerate(scope, filter, wantObject|wantMetadata, func(e Entry) bool {
			if !yield(e, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(Entry{}, err)
		}
	}
}

// Mutations are refused while an enumeration runs, since they would
// invalidate its storage cursors.
func (tx *ReadTx) enumerate(scope Scope, filter Filter, what want, f func(e Entry) bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.enumerating++
	defer func() { tx.enumerating-- }()

	colls := scope.collections
	if scope.all {
		var err error
		colls, err = tx.loadCollections()
		if err != nil {
			return err
		}
	}

	var visited int
	for _, coll := range colls {
		more, err := tx.scanCollectionRange(coll, &scope.keys, func(rowid Rowid, key string) (bool, error) {
			visited++
			if visited%1024 == 0 {
				if err := tx.ctx.Err(); err != nil {
					return false, err
				}
			}
			if filter != nil && !filter(rowid, coll, key) {
				return true, nil
			}
			e := Entry{Rowid: rowid, Collection: coll, Key: key}
			if tx.cacheable(rowid) {
				tx.conn.cacheIdentity(rowid, e.Identity())
			}
			var err error
			if what&wantObject != 0 {
				if e.Object, err = tx.valueFor(PartObject, rowid, e.Identity()); err != nil {
					return false, err
				}
			}
			if what&wantMetadata != 0 {
				if e.Metadata, err = tx.valueFor(PartMetadata, rowid, e.Identity()); err != nil {
					return false, err
				}
			}
			return f(e), nil
		})
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// scanCollectionRange visits the index of one collection within rang. f
// returns false to stop; so does scanCollectionRange.
func (tx *ReadTx) scanCollectionRange(collection string, rang *KeyRange, f func(rowid Rowid, key string) (bool, error)) (bool, error) {
	st := tx.stmt(stmtEnumerate)
	b := st.Sub(0, collectionSub(collection))
	if b == nil {
		return true, nil
	}
	c := b.Cursor()
	for k, v := rang.start(c, tx.db.logger); k != nil; k, v = rang.next(c) {
		key, err := keyFromIndexKey(k)
		if err != nil {
			return false, tx.fail(rowErrf(collection, "", 0, err, "bad index entry"))
		}
		rowid, err := decodeRowid(v)
		if err != nil {
			return false, tx.fail(rowErrf(collection, key, 0, err, "bad index entry"))
		}
		more, err := f(rowid, key)
		if err != nil || !more {
			return false, err
		}
	}
	return true, nil
}
