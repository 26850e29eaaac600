package ckv

import "container/list"

// lru is a bounded least-recently-used map. It is not safe for concurrent use;
// Conn guards its caches with its own mutex.
type lru[K comparable, V any] struct {
	limit   int // <= 0 means unlimited
	items   map[K]*list.Element
	order   *list.List
	onEvict func(k K, v V)

	hits   uint64
	misses uint64
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

func newLRU[K comparable, V any](limit int, onEvict func(k K, v V)) *lru[K, V] {
	return &lru[K, V]{
		limit:   limit,
		items:   make(map[K]*list.Element),
		order:   list.New(),
		onEvict: onEvict,
	}
}

func (c *lru[K, V]) Len() int {
	return len(c.items)
}

func (c *lru[K, V]) Get(k K) (V, bool) {
	if el, ok := c.items[k]; ok {
		c.hits++
		c.order.MoveToFront(el)
		return el.Value.(*lruEntry[K, V]).value, true
	}
	c.misses++
	var zero V
	return zero, false
}

// Peek is Get without touching recency or counters.
func (c *lru[K, V]) Peek(k K) (V, bool) {
	if el, ok := c.items[k]; ok {
		return el.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

func (c *lru[K, V]) Set(k K, v V) {
	if el, ok := c.items[k]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry[K, V]).value = v
		return
	}
	c.items[k] = c.order.PushFront(&lruEntry[K, V]{k, v})
	for c.limit > 0 && len(c.items) > c.limit {
		c.removeElement(c.order.Back())
	}
}

func (c *lru[K, V]) Remove(k K) bool {
	el, ok := c.items[k]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Each visits entries from most to least recently used. f must not mutate the cache.
func (c *lru[K, V]) Each(f func(k K, v V)) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*lruEntry[K, V])
		f(ent.key, ent.value)
	}
}

func (c *lru[K, V]) Clear() {
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

func (c *lru[K, V]) removeElement(el *list.Element) {
	ent := c.order.Remove(el).(*lruEntry[K, V])
	delete(c.items, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
