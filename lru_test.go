package ckv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRU_Evicts(t *testing.T) {
	var evicted []int
	c := newLRU(2, func(k int, v string) { evicted = append(evicted, k) })
	c.Set(1, "a")
	c.Set(2, "b")
	c.Get(1)
	c.Set(3, "c")

	assert.Equal(t, []int{2}, evicted)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek(2)
	assert.False(t, ok)

	var order []int
	c.Each(func(k int, v string) { order = append(order, k) })
	assert.Equal(t, []int{3, 1}, order)
}

func TestLRU_Counters(t *testing.T) {
	c := newLRU[string, int](0, nil)
	c.Set("a", 1)
	c.Get("a")
	c.Get("b")
	c.Peek("a")
	assert.Equal(t, uint64(1), c.hits)
	assert.Equal(t, uint64(1), c.misses)
}

func TestLRU_Unlimited(t *testing.T) {
	c := newLRU[int, int](0, nil)
	for i := range 1000 {
		c.Set(i, i)
	}
	assert.Equal(t, 1000, c.Len())
}

func TestLRU_Overwrite(t *testing.T) {
	c := newLRU[int, string](1, nil)
	c.Set(1, "a")
	c.Set(1, "b")
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_RemoveAndClear(t *testing.T) {
	var evicted int
	c := newLRU(0, func(k, v int) { evicted++ })
	c.Set(1, 1)
	c.Set(2, 2)
	assert.True(t, c.Remove(1))
	assert.False(t, c.Remove(1))
	assert.Equal(t, 1, evicted)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, evicted, "Clear does not report evictions")
}

func TestRowidIndex(t *testing.T) {
	idx := newRowidIndex(3)
	a, b := Identity{"users", "a"}, Identity{"users", "b"}
	idx.Set(1, a)
	idx.Set(2, b)
	idx.Set(3, Identity{"posts", "p"})

	rowid, ok := idx.Rowid("users", "a")
	assert.True(t, ok)
	assert.Equal(t, Rowid(1), rowid)
	id, ok := idx.Identity(2)
	assert.True(t, ok)
	assert.Equal(t, b, id)

	// a key moved to a new rowid drops the old pair
	idx.Set(4, a)
	_, ok = idx.Identity(1)
	assert.False(t, ok)
	rowid, _ = idx.Rowid("users", "a")
	assert.Equal(t, Rowid(4), rowid)
	assert.Equal(t, 3, idx.Len())

	// eviction keeps both directions in step
	idx.Set(5, Identity{"posts", "q"})
	assert.Equal(t, 3, idx.Len())
	assert.Len(t, idx.byIdentity, 3)

	idx.RemoveCollection("posts")
	_, ok = idx.Rowid("posts", "q")
	assert.False(t, ok)
	assert.Equal(t, idx.Len(), len(idx.byIdentity))

	idx.RemoveRowid(4)
	_, ok = idx.Rowid("users", "a")
	assert.False(t, ok)

	idx.Clear()
	assert.Zero(t, idx.Len())
	assert.Empty(t, idx.byIdentity)
}

func TestRowid(t *testing.T) {
	assert.Equal(t, "#42", Rowid(42).String())
	raw := Rowid(0x0102).appendTo(nil)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, raw)

	r, err := decodeRowid(raw)
	assert.NoError(t, err)
	assert.Equal(t, Rowid(0x0102), r)

	_, err = decodeRowid([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	assert.Equal(t, "users/a", Identity{"users", "a"}.String())
}
