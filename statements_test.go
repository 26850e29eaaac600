package ckv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatements_Custom(t *testing.T) {
	db := setup(t, Options{Statements: []StatementTemplate{
		{Name: "counters.bump", Buckets: []string{"counters"}},
	}})
	require.Contains(t, db.StatementNames(), "counters.bump")
	require.Contains(t, db.StatementNames(), stmtRowInsert)

	c := must(db.NewConn())
	bump := func(tx *WriteTx) error {
		st, err := tx.Statement("counters.bump")
		if err != nil {
			return err
		}
		n := byte(0)
		if v := st.Get(0, []byte("n")); v != nil {
			n = v[0]
		}
		return st.Put(0, []byte("n"), []byte{n + 1})
	}
	for range 3 {
		ensure(c.Write(t.Context(), bump))
	}

	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		st := must(tx.Statement("counters.bump"))
		require.Equal(t, []byte{3}, st.Get(0, []byte("n")))
		require.ErrorIs(t, st.Put(0, []byte("n"), []byte{0}), ErrReadOnly)
		require.ErrorIs(t, st.Delete(0, []byte("n")), ErrReadOnly)

		// compiled once, leased by every transaction
		require.Equal(t, uint64(4), st.Uses())
		require.Equal(t, "counters.bump", st.Name())
		return nil
	}))

	// custom buckets stay out of the collection/key space
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		require.Zero(t, must(tx.NumberOfKeysInAllCollections()))
		return nil
	}))
}

func TestStatements_RegisterLater(t *testing.T) {
	db := setup(t, Options{})
	c := must(db.NewConn())
	err := c.Read(t.Context(), func(tx *ReadTx) error {
		_, err := tx.Statement("audit.log")
		return err
	})
	require.ErrorContains(t, err, `unknown statement "audit.log"`)

	require.Error(t, db.RegisterStatement(StatementTemplate{}))
	require.NoError(t, db.RegisterStatement(StatementTemplate{Name: "audit.log", Buckets: []string{"audit", bucketSys}}))

	ensure(c.Write(t.Context(), func(tx *WriteTx) error {
		st := must(tx.Statement("audit.log"))
		ensure(st.Put(0, []byte("b"), []byte("2")))
		ensure(st.Put(0, []byte("a"), []byte("1")))
		ensure(st.Put(0, []byte("c"), []byte("3")))
		return st.Delete(0, []byte("c"))
	}))
	ensure(c.Read(t.Context(), func(tx *ReadTx) error {
		var buf bytes.Buffer
		must(tx.Statement("audit.log")).ForEach(0, func(k, v []byte) bool {
			buf.Write(k)
			buf.Write(v)
			return true
		})
		require.Equal(t, "a1b2", buf.String())
		return nil
	}))
}

func TestStatements_ReusedAcrossTransactions(t *testing.T) {
	db := setup(t, Options{})
	c := must(db.NewConn())
	for range 5 {
		put(t, c, "users", "a", "1", nil)
		c.InvalidateAll()
		get(t, c, "users", "a")
	}
	compiled := c.CacheStats().Statements
	for range 5 {
		put(t, c, "users", "b", "2", nil)
		c.InvalidateAll()
		get(t, c, "users", "b")
	}
	require.Equal(t, compiled, c.CacheStats().Statements)
}

func TestStatements_ClosedTx(t *testing.T) {
	db := setup(t, Options{})
	c := must(db.NewConn())
	tx := must(c.BeginRead(t.Context()))
	tx.Close()
	_, err := tx.Statement(stmtSnapshot)
	require.True(t, errors.Is(err, ErrTxClosed))
}
