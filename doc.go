/*
Package idxdb implements an embedded document database with multiple
on-disk indexes.

We implement:

1. Documents, schemaless maps with a unique immutable id (FieldID) and a
revision (FieldRev) that changes on every successful write.

2. The id index, the primary index keyed by document id. It stores document
bodies and is the only authority on whether a document exists and what its
current revision is.

3. Secondary indexes, which derive zero or more keys from each document via
an Extractor and can store a small value with each entry. Two variants exist:
a B+tree file (TreeIndex, see package tree) and a bbolt file (BoltIndex).

4. SafeDB, a wrapper that makes the database usable from many goroutines
while keeping operations on different indexes parallel.

# Technical Details

**Files.**
A database is a directory. Each index owns a main file (<name>_buck for
trees, <name>.bolt for bbolt) and a storage file (<name>_stor, see package
storage) holding document bodies or entry values. Index parameters are
recorded in the catalog, one msgpack file per index under _indexes/, and in
the tree file header. Compaction writes new files with a generation suffix,
e.g. name-3_buck, then points the catalog at them.

**Ordering of writes.**
A write first validates and commits the change in the id index, then
propagates it to each secondary index in catalog order. A delete removes
secondary entries first and the id entry last.

**Revisions and stale writes.**
Revisions are 64-bit: a per-document counter in the high half and random
bits in the low half, rendered as 16 hex digits. While a write propagates,
a revision tracker records which revision owns the document. If a newer
update takes over, the older one stops propagating: the newer one will
leave every index at its own revision. Taking over also hands over the
earlier revisions whose entries the older write may have left behind, and
the new owner removes those too. All tracker operations are atomic
compare-and-swap steps.

**Recovery.**
Writes are bracketed by begin/end records in _journal.bin. On open, an
unfinished propagation, an index file not closed cleanly, or an index whose
definition changed causes that index to be rebuilt from the id index.

**Locking.**
DB is not safe for concurrent use. SafeDB guards each index with its own
mutex and the database bookkeeping with a RWMutex. A write never holds two
index locks at once, except that reindexing reads the id index while
holding the lock of the index being rebuilt; no other path holds the id
index lock while waiting for a secondary one.
*/
package idxdb
