/*
Package ckv implements an embedded collection/key/value store on top of
a key-value engine (Bolt, or an in-memory backend for tests).

Rows are addressed by a (collection, key) pair and hold an object plus
optional metadata, both arbitrary Go values converted to bytes by the
database's serialization Policy.

Any number of read transactions run concurrently with one write
transaction. Reads never block and always observe a single snapshot.

# Connections and caches

A Conn keeps decoded objects and metadata in bounded caches keyed by rowid.
Every commit produces a ChangeSet that is handed to all connections, which
apply it before their next transaction begins, so a cache never serves
a value older than the snapshot the transaction observes. A transaction
whose snapshot differs from its connection's cache bypasses the cache.

# Technical Details

**Buckets.**

	index/c<collection>  "k"+key -> rowid (8 bytes, big endian)
	rows                 rowid -> tuple(collection, key)
	objects              rowid -> encoded object
	metadata             rowid -> encoded metadata; absent means nil
	sys                  "snapshot" -> last committed snapshot number

Nested collection buckets carry a "c" prefix so that the empty string is
a valid collection name; index keys carry a "k" marker for the same reason.
A collection exists while it holds at least one key.

**Rowids** are allocated from the sys bucket sequence and are never reused,
not even after RemoveAll.

**Payload encoding**: one byte of compression kind (none, lz4, zstd),
for lz4 the uvarint size of the raw data, then the body produced by the
codec's Serializer.

**Row tuples** store the elements back to back, followed by the lengths of
all but the last element and then the element count, each as a reverse
uvarint so that the tuple can be parsed from the end.
*/
package ckv
