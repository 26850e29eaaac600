package ckv

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func eachStorage(t *testing.T, f func(t *testing.T, s storage)) {
	t.Run("mem", func(t *testing.T) {
		s := newMemStorage()
		defer s.Close()
		f(t, s)
	})
	t.Run("bolt", func(t *testing.T) {
		bdb, err := bbolt.Open(filepath.Join(t.TempDir(), "storage.db"), 0o600, &bbolt.Options{NoSync: true, InitialMmapSize: 1 << 20})
		require.NoError(t, err)
		s := newBoltStorage(bdb)
		defer s.Close()
		f(t, s)
	})
}

func storageWrite(t *testing.T, s storage, f func(stx storageTx)) {
	t.Helper()
	stx, err := s.BeginTx(true)
	require.NoError(t, err)
	f(stx)
	require.NoError(t, stx.Commit())
}

func cursorKeys(c storageCursor, reverse bool) string {
	var keys []string
	if reverse {
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			keys = append(keys, string(k))
		}
	} else {
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
	}
	return strings.Join(keys, " ")
}

func TestStorage_Buckets(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		storageWrite(t, s, func(stx storageTx) {
			require.True(t, stx.Writable())
			require.Nil(t, stx.Bucket("index", "cusers"))

			b, err := stx.CreateBucket("index", "cusers")
			require.NoError(t, err)
			require.NoError(t, b.Put([]byte("ka"), []byte{1}))
			_, err = stx.CreateBucket("index", "cposts")
			require.NoError(t, err)
			_, err = stx.CreateBucket("rows", "")
			require.NoError(t, err)

			again, err := stx.CreateBucket("index", "cusers")
			require.NoError(t, err)
			require.Equal(t, []byte{1}, again.Get([]byte("ka")))
			require.NotNil(t, stx.Bucket("index", ""))
		})

		stx, err := s.BeginTx(false)
		require.NoError(t, err)
		require.False(t, stx.Writable())
		var subs []string
		require.NoError(t, stx.ForEachSub("index", func(sub string) error {
			subs = append(subs, sub)
			return nil
		}))
		require.Equal(t, []string{"cposts", "cusers"}, subs)
		require.NoError(t, stx.ForEachSub("missing", func(string) error {
			t.Error("visited a missing bucket")
			return nil
		}))
		errStop := errors.New("stop")
		require.ErrorIs(t, stx.ForEachSub("index", func(string) error { return errStop }), errStop)
		require.NoError(t, stx.Rollback())
		require.NoError(t, stx.Rollback())

		storageWrite(t, s, func(stx storageTx) {
			require.NoError(t, stx.DeleteBucket("index", "cusers"))
			require.ErrorIs(t, stx.DeleteBucket("index", "cusers"), ErrBucketNotFound)
			require.ErrorIs(t, stx.DeleteBucket("nope", ""), ErrBucketNotFound)
			require.ErrorIs(t, stx.DeleteBucket("nope", "sub"), ErrBucketNotFound)
			require.NotNil(t, stx.Bucket("index", "cposts"))

			require.NoError(t, stx.DeleteBucket("index", ""))
			require.Nil(t, stx.Bucket("index", "cposts"))
		})
	})
}

func TestStorage_KeysAndCursors(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		storageWrite(t, s, func(stx storageTx) {
			b, err := stx.CreateBucket("objects", "")
			require.NoError(t, err)
			for _, k := range []string{"d", "b", "a", "c"} {
				require.NoError(t, b.Put([]byte(k), []byte("v"+k)))
			}
			require.NoError(t, b.Put([]byte("b"), []byte("vb2")))
			require.NoError(t, b.Delete([]byte("zzz")))
			require.Equal(t, 4, b.KeyCount())

			seq1 := must(b.NextSequence())
			seq2 := must(b.NextSequence())
			require.Equal(t, seq1+1, seq2)
		})

		storageWrite(t, s, func(stx storageTx) {
			b := stx.Bucket("objects", "")
			require.Equal(t, []byte("vb2"), b.Get([]byte("b")))
			require.Nil(t, b.Get([]byte("x")))
			require.Equal(t, "a b c d", cursorKeys(b.Cursor(), false))
			require.Equal(t, "d c b a", cursorKeys(b.Cursor(), true))

			c := b.Cursor()
			k, _ := c.Seek([]byte("bb"))
			require.Equal(t, "c", string(k))
			k, _ = c.Seek([]byte("zz"))
			require.Nil(t, k)

			// deleting at the cursor moves on to the next key
			c = b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) == "b" || string(k) == "c" {
					require.NoError(t, c.Delete())
				}
			}
			require.Equal(t, "a d", cursorKeys(b.Cursor(), false))

			// sequences survive commits
			require.Equal(t, uint64(3), must(b.NextSequence()))
		})
	})
}

func TestStorage_Isolation(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		storageWrite(t, s, func(stx storageTx) {
			b := must(stx.CreateBucket("sys", ""))
			require.NoError(t, b.Put([]byte("snapshot"), []byte{1}))
		})

		reader := must(s.BeginTx(false))
		defer reader.Rollback()

		storageWrite(t, s, func(stx storageTx) {
			require.NoError(t, stx.Bucket("sys", "").Put([]byte("snapshot"), []byte{2}))
			must(stx.CreateBucket("rows", ""))
		})

		aborted := must(s.BeginTx(true))
		require.NoError(t, aborted.Bucket("sys", "").Put([]byte("snapshot"), []byte{3}))
		require.NoError(t, aborted.Rollback())

		require.Equal(t, []byte{1}, reader.Bucket("sys", "").Get([]byte("snapshot")))
		require.Nil(t, reader.Bucket("rows", ""))

		fresh := must(s.BeginTx(false))
		defer fresh.Rollback()
		require.Equal(t, []byte{2}, fresh.Bucket("sys", "").Get([]byte("snapshot")))
		require.NotNil(t, fresh.Bucket("rows", ""))
	})
}

func TestStorage_RollbackAfterCommit(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		stx := must(s.BeginTx(true))
		must(stx.CreateBucket("sys", ""))
		require.NoError(t, stx.Commit())
		require.NoError(t, stx.Rollback())

		fresh := must(s.BeginTx(false))
		defer fresh.Rollback()
		require.NotNil(t, fresh.Bucket("sys", ""))
	})
}

func TestMemStorage_SingleWriter(t *testing.T) {
	s := newMemStorage()
	defer s.Close()
	w1 := must(s.BeginTx(true))

	started := make(chan storageTx)
	go func() {
		started <- must(s.BeginTx(true))
	}()
	select {
	case <-started:
		t.Fatal("second writer started while the first is open")
	default:
	}
	require.NoError(t, w1.Commit())
	w2 := <-started
	require.NoError(t, w2.Rollback())

	r := must(s.BeginTx(false))
	_, err := r.CreateBucket("x", "")
	require.Error(t, err)
	require.Error(t, r.Commit())
	require.NoError(t, r.Rollback())
}

func TestMemStorage_RollbackAfterFailedCommit(t *testing.T) {
	s := newMemStorage()
	stx := must(s.BeginTx(true))
	must(stx.CreateBucket("sys", ""))
	require.NoError(t, s.Close())
	require.Error(t, stx.Commit())
	require.NoError(t, stx.Rollback())
}
