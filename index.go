package idxdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andreyvit/idxdb/storage"
	"github.com/andreyvit/idxdb/tree"
)

// IndexRecord is one index entry. In the id index Key and ID are both the
// document id and Ptr addresses the document body; in secondary indexes Ptr
// addresses the entry value, if any.
type IndexRecord struct {
	Key []byte
	ID  string
	Rev Rev
	Ptr storage.Pointer
}

// Iterator walks index records in key order. Records with equal keys come
// in insertion order for tree indexes and in id order for bolt indexes.
type Iterator interface {
	Next() bool
	Record() IndexRecord
	Err() error
}

// KeyRange selects index keys; see tree.Range.
type KeyRange = tree.Range

// Index is the capability set every index variant implements. An Index is
// not safe for concurrent use; SafeDB guards each one with its own lock.
type Index interface {
	Name() string
	Spec() IndexSpec

	// WasDirty reports whether the index was not closed cleanly last time.
	WasDirty() bool

	// Insert stores value (if non-nil) and adds rec pointing to it.
	Insert(rec IndexRecord, value []byte) error
	// Get returns the first record with the given key.
	Get(key []byte) (IndexRecord, error)
	// Find returns the record with the given key and id.
	Find(key []byte, id string) (IndexRecord, error)
	GetMany(key []byte) Iterator
	Range(r KeyRange) Iterator
	All() Iterator
	// Update replaces the revision and value of the record with rec's key
	// and id.
	Update(rec IndexRecord, value []byte) error
	Delete(key []byte, id string) error
	ReadValue(rec IndexRecord) ([]byte, error)
	Count() int64

	// Truncate removes every record and leaves the index marked dirty
	// until the next Fsync or Close.
	Truncate() error
	// Compact rewrites the index into files of the given generation and
	// switches to them, returning the now obsolete files.
	Compact(gen uint64) ([]string, error)
	Verify() error
	Stats() (IndexStats, error)

	Flush() error
	Fsync() error
	Close() error
	// Destroy closes the index and removes its files.
	Destroy() error
}

type exclusiveIndex interface {
	Exclusive(fn func(idx Index) error) error
}

// exclusive runs fn with no other goroutine using idx in between its calls.
func exclusive(idx Index, fn func(idx Index) error) error {
	if x, ok := idx.(exclusiveIndex); ok {
		return x.Exclusive(fn)
	}
	return fn(idx)
}

type indexOptions struct {
	NoSync   bool
	ReadOnly bool
}

func indexBaseName(spec IndexSpec) string {
	if spec.Generation == 0 {
		return spec.Name
	}
	return fmt.Sprintf("%s-%d", spec.Name, spec.Generation)
}

// indexFiles returns the main file and the storage file of an index.
func indexFiles(dir string, spec IndexSpec) (string, string) {
	base := filepath.Join(dir, indexBaseName(spec))
	switch spec.Kind {
	case BoltIndex:
		return base + ".bolt", base + "_stor"
	default:
		return base + "_buck", base + "_stor"
	}
}

func createIndex(dir string, spec IndexSpec, o indexOptions) (Index, error) {
	switch spec.Kind {
	case TreeIndex:
		return createTreeIndex(dir, spec, o)
	case BoltIndex:
		return createBoltIndex(dir, spec, o)
	default:
		return nil, fmt.Errorf("unknown index kind %q", spec.Kind)
	}
}

func openIndex(dir string, spec IndexSpec, o indexOptions) (Index, error) {
	switch spec.Kind {
	case TreeIndex:
		return openTreeIndex(dir, spec, o)
	case BoltIndex:
		return openBoltIndex(dir, spec, o)
	default:
		return nil, fmt.Errorf("unknown index kind %q", spec.Kind)
	}
}

// OpenRawIndex opens index files described by a catalog entry, without an
// extractor. It is meant for tooling: lookups, stats, verification and
// compaction work, reindexing does not. A read-only index leaves the files,
// including their dirty marks, untouched.
func OpenRawIndex(dir string, spec IndexSpec, readOnly bool) (Index, error) {
	return openIndex(dir, spec, indexOptions{ReadOnly: readOnly})
}

func removeFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func storageOptions(spec IndexSpec, o indexOptions) storage.Options {
	return storage.Options{Compression: spec.Compression, NoSync: o.NoSync, ReadOnly: o.ReadOnly}
}

// translateErr maps errors of the file formats to the package's sentinels.
func translateErr(name string, key []byte, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tree.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, tree.ErrDuplicateKey):
		return indexErrf(name, key, id, ErrDuplicateKey, "")
	case errors.Is(err, tree.ErrKeyTooLong):
		return precondf("write", name, ErrKeyTooLong, "%d bytes", len(key))
	case errors.Is(err, tree.ErrIDTooLong):
		return precondf("write", name, err, "id %q", id)
	default:
		return err
	}
}

type recordIterator struct {
	recs []IndexRecord
	i    int
	err  error
}

func (it *recordIterator) Next() bool {
	if it.err != nil || it.i >= len(it.recs) {
		return false
	}
	it.i++
	return true
}

func (it *recordIterator) Record() IndexRecord { return it.recs[it.i-1] }
func (it *recordIterator) Err() error          { return it.err }

func errIterator(err error) Iterator {
	return &recordIterator{err: err}
}

// collect drains it.
func collect(it Iterator) ([]IndexRecord, error) {
	var result []IndexRecord
	for it.Next() {
		result = append(result, it.Record())
	}
	return result, it.Err()
}
