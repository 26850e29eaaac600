package ckv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupScan(t testing.TB) (*DB, *Conn) {
	t.Helper()
	db := setup(t, Options{})
	c := must(db.NewConn())
	ensure(c.Write(t.Context(), func(tx *WriteTx) error {
		for _, k := range []string{"d", "b", "ab", "a", "c"} {
			ensure(tx.Put("x", k, "x-"+k, "m-"+k))
		}
		ensure(tx.Put("y", "a", "y-a", nil))
		return tx.Put("", "a", "-a", nil)
	}))
	return db, c
}

func scanKeys(t testing.TB, c *Conn, rang KeyRange) string {
	t.Helper()
	var keys []string
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		return tx.ForEachKey(InCollection("x").Keys(rang), nil, func(e Entry) bool {
			keys = append(keys, e.Key)
			return true
		})
	}))
	return strings.Join(keys, " ")
}

func TestScan_KeyRanges(t *testing.T) {
	_, c := setupScan(t)
	tests := []struct {
		name     string
		rang     KeyRange
		expected string
	}{
		{"all", AllKeys(), "a ab b c d"},
		{"from", KeysFrom("b"), "b c d"},
		{"from missing", KeysFrom("aa"), "ab b c d"},
		{"after", KeysAfter("b"), "c d"},
		{"through", KeysThrough("b"), "a ab b"},
		{"before", KeysBefore("b"), "a ab"},
		{"prefix", KeysWithPrefix("a"), "a ab"},
		{"prefix none", KeysWithPrefix("z"), ""},
		{"between", KeysBetween("ab", "c"), "ab b"},
		{"prefix and lower below it", KeyRange{Prefix: "b", Lower: "a", HasLower: true, LowerInc: true}, "b"},

		{"all reversed", AllKeys().Reversed(), "d c b ab a"},
		{"from reversed", KeysFrom("b").Reversed(), "d c b"},
		{"after reversed", KeysAfter("b").Reversed(), "d c"},
		{"through reversed", KeysThrough("b").Reversed(), "b ab a"},
		{"before reversed", KeysBefore("b").Reversed(), "ab a"},
		{"before past end reversed", KeysBefore("zz").Reversed(), "d c b ab a"},
		{"prefix reversed", KeysWithPrefix("a").Reversed(), "ab a"},
		{"between reversed", KeysBetween("ab", "c").Reversed(), "b ab"},
		{"prefix and upper above it reversed", KeyRange{Prefix: "a", Upper: "c", HasUpper: true, Reverse: true}, "ab a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deepEqual(t, scanKeys(t, c, tt.rang), tt.expected)
		})
	}
}

func TestScan_Scopes(t *testing.T) {
	_, c := setupScan(t)
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		deepEqual(t, keysIn(t, tx, AllCollections().Keys(KeysWithPrefix("a"))), []string{"/a", "x/a", "x/ab", "y/a"})
		deepEqual(t, keysIn(t, tx, InCollections("y", "x", "y").Keys(KeysThrough("a"))), []string{"x/a", "y/a"})
		deepEqual(t, keysIn(t, tx, InCollection("missing")), []string(nil))
		return nil
	}))
}

func TestScan_FilterAndValues(t *testing.T) {
	_, c := setupScan(t)
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		var rows []Entry
		onlyB := func(rowid Rowid, collection, key string) bool {
			return strings.HasPrefix(key, "b") || key == "c"
		}
		ensure(tx.ForEachRow(InCollection("x"), onlyB, func(e Entry) bool {
			rows = append(rows, e)
			return true
		}))
		require.Len(t, rows, 2)
		require.Equal(t, "x-b", rows[0].Object)
		require.Equal(t, "m-b", rows[0].Metadata)
		require.Equal(t, "c", rows[1].Key)
		require.NotZero(t, rows[1].Rowid)

		var metas []any
		ensure(tx.ForEachKeyAndMetadata(InCollection("x").Keys(KeysThrough("a")), nil, func(e Entry) bool {
			require.Nil(t, e.Object)
			metas = append(metas, e.Metadata)
			return true
		}))
		require.Equal(t, []any{"m-a"}, metas)

		var objs []any
		ensure(tx.ForEachKeyAndObject(InCollection("y"), nil, func(e Entry) bool {
			require.Nil(t, e.Metadata)
			objs = append(objs, e.Object)
			return true
		}))
		require.Equal(t, []any{"y-a"}, objs)
		return nil
	}))
}

func TestScan_StopEarly(t *testing.T) {
	_, c := setupScan(t)
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		var n int
		ensure(tx.ForEachKey(AllCollections(), nil, func(e Entry) bool {
			n++
			return n < 3
		}))
		require.Equal(t, 3, n)
		return nil
	}))
}

func TestScan_Rows(t *testing.T) {
	_, c := setupScan(t)
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		var keys []string
		for e, err := range tx.Rows(InCollection("x"), nil) {
			ensure(err)
			keys = append(keys, e.Key+"="+e.Object.(string))
			if e.Key == "b" {
				break
			}
		}
		require.Equal(t, []string{"a=x-a", "ab=x-ab", "b=x-b"}, keys)
		return nil
	}))

	tx := must(c.BeginRead(t.Context()))
	tx.Close()
	var errs []error
	for _, err := range tx.Rows(AllCollections(), nil) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrTxClosed)
}

func TestScan_MutationDuringEnumeration(t *testing.T) {
	_, c := setupScan(t)
	ensure(c.Write(t.Context(), func(tx *WriteTx) error {
		var mutErr error
		ensure(tx.ForEachKey(InCollection("x"), nil, func(e Entry) bool {
			mutErr = tx.Remove(e.Collection, e.Key)
			return false
		}))
		require.ErrorIs(t, mutErr, ErrMisuse)

		// allowed again once the enumeration is over
		return tx.Remove("x", "a")
	}))
	require.Equal(t, "ab b c d", scanKeys(t, c, AllKeys()))
}

func TestScan_SeesOwnWrites(t *testing.T) {
	_, c := setupScan(t)
	ensure(c.Write(t.Context(), func(tx *WriteTx) error {
		ensure(tx.Put("x", "bb", "new", nil))
		ensure(tx.Put("x", "a", "changed", nil))
		ensure(tx.Remove("x", "c"))

		var got []string
		ensure(tx.ForEachKeyAndObject(InCollection("x"), nil, func(e Entry) bool {
			got = append(got, e.Key+"="+e.Object.(string))
			return true
		}))
		require.Equal(t, []string{"a=changed", "ab=x-ab", "b=x-b", "bb=new", "d=x-d"}, got)
		return nil
	}))
}

func TestScan_ContextCancelled(t *testing.T) {
	db := setup(t, Options{})
	c := must(db.NewConn())
	ensure(c.Write(t.Context(), func(tx *WriteTx) error {
		for i := range 2000 {
			ensure(tx.Put("n", fmt.Sprintf("%05d", i), i, nil))
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(t.Context())
	var n int
	err := c.Read(ctx, func(tx *ReadTx) error {
		return tx.ForEachKey(InCollection("n"), nil, func(e Entry) bool {
			n++
			if n == 10 {
				cancel()
			}
			return true
		})
	})
	require.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	require.Less(t, n, 2000)
}
