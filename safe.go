package idxdb

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SafeDB makes a DB safe for concurrent use.
//
// Each index has its own lock, so operations touching different indexes run
// in parallel; a write takes the id index lock and then each secondary index
// lock in turn, never two at once. Reindexing holds the id index lock while
// it takes the lock of the index being rebuilt; nothing takes them in the
// other order. Iterators take the index lock only for
// the duration of each Next. Lifecycle operations and changes to the index
// set hold a global lock exclusively; everything else holds it shared.
// Reindexing or compacting an index is additionally serialized by a lock
// specific to that operation and index.
type SafeDB struct {
	db *DB
	mu sync.RWMutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewSafe(path string, opt Options) *SafeDB {
	s := &SafeDB{
		db:    New(path, opt),
		locks: make(map[string]*sync.Mutex),
	}
	s.db.wrap = s.wrapIndex
	return s
}

// lock returns the mutex with the given name, creating it on first use.
// Locks outlive the indexes they guard, so an index reopened under the same
// name keeps its lock.
func (s *SafeDB) lock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m := s.locks[name]
	if m == nil {
		m = new(sync.Mutex)
		s.locks[name] = m
	}
	return m
}

func (s *SafeDB) wrapIndex(idx Index) Index {
	return &safeIndex{inner: idx, mu: s.lock(idx.Name())}
}

// Unsafe returns the wrapped database. Its indexes stay guarded, its own
// bookkeeping does not.
func (s *SafeDB) Unsafe() *DB { return s.db }

func (s *SafeDB) SetIndexes(defs ...*IndexDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.SetIndexes(defs...)
}

func (s *SafeDB) Create() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create()
}

func (s *SafeDB) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Open()
}

func (s *SafeDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *SafeDB) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Destroy()
}

func (s *SafeDB) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Exists()
}

func (s *SafeDB) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.IsOpen()
}

func (s *SafeDB) AddIndex(def *IndexDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.AddIndex(def)
}

func (s *SafeDB) EditIndex(def *IndexDef, reindex bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.EditIndex(def, reindex)
}

func (s *SafeDB) DestroyIndex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.DestroyIndex(name)
}

func (s *SafeDB) Indexes() []IndexSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Indexes()
}

func (s *SafeDB) Insert(doc Doc) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Insert(doc)
}

func (s *SafeDB) Update(doc Doc) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(doc)
}

func (s *SafeDB) Delete(doc Doc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Delete(doc)
}

func (s *SafeDB) Get(id string) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Get(id)
}

func (s *SafeDB) GetWith(index string, key any, opt ReadOptions) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.GetWith(index, key, opt)
}

func (s *SafeDB) GetMany(index string, key any, opt ReadOptions) *Results {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.GetMany(index, key, opt)
}

func (s *SafeDB) GetRange(index string, lower, upper any, opt ReadOptions) *Results {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.GetRange(index, lower, upper, opt)
}

func (s *SafeDB) All(index string, opt ReadOptions) *Results {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.All(index, opt)
}

func (s *SafeDB) Count(index string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Count(index)
}

func (s *SafeDB) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Flush()
}

func (s *SafeDB) Fsync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Fsync()
}

func (s *SafeDB) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Stats()
}

func (s *SafeDB) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Verify()
}

func (s *SafeDB) Dump(w io.Writer, f DumpFlags) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Dump(w, f)
}

// ReindexIndex rebuilds one secondary index. Concurrent calls for the same
// index wait for each other; reads and writes continue meanwhile.
func (s *SafeDB) ReindexIndex(name string) error {
	op := s.lock(name + "/reindex")
	op.Lock()
	defer op.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.ReindexIndex(name)
}

// CompactIndex compacts one index. Concurrent calls for the same index wait
// for each other.
func (s *SafeDB) CompactIndex(name string) error {
	op := s.lock(name + "/compact")
	op.Lock()
	defer op.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.CompactIndex(name)
}

// Reindex rebuilds all secondary indexes in parallel.
func (s *SafeDB) Reindex() error {
	return s.forEachIndex(false, s.ReindexIndex)
}

// Compact compacts all indexes in parallel.
func (s *SafeDB) Compact() error {
	return s.forEachIndex(true, s.CompactIndex)
}

func (s *SafeDB) forEachIndex(withID bool, fn func(name string) error) error {
	var names []string
	for _, spec := range s.Indexes() {
		if withID || spec.Name != IDIndexName {
			names = append(names, spec.Name)
		}
	}
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			return fn(name)
		})
	}
	return g.Wait()
}

// safeIndex serializes all access to an index through its mutex.
type safeIndex struct {
	inner Index
	mu    *sync.Mutex
}

// Exclusive runs fn while holding the index lock. fn must use the index it
// is given, not the safeIndex, which would deadlock.
func (x *safeIndex) Exclusive(fn func(idx Index) error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return fn(x.inner)
}

func (x *safeIndex) Name() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Name()
}

func (x *safeIndex) Spec() IndexSpec {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Spec()
}

func (x *safeIndex) WasDirty() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.WasDirty()
}

func (x *safeIndex) Insert(rec IndexRecord, value []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Insert(rec, value)
}

func (x *safeIndex) Get(key []byte) (IndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Get(key)
}

func (x *safeIndex) Find(key []byte, id string) (IndexRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Find(key, id)
}

func (x *safeIndex) GetMany(key []byte) Iterator {
	x.mu.Lock()
	defer x.mu.Unlock()
	return &safeIterator{inner: x.inner.GetMany(key), mu: x.mu}
}

func (x *safeIndex) Range(r KeyRange) Iterator {
	x.mu.Lock()
	defer x.mu.Unlock()
	return &safeIterator{inner: x.inner.Range(r), mu: x.mu}
}

func (x *safeIndex) All() Iterator {
	x.mu.Lock()
	defer x.mu.Unlock()
	return &safeIterator{inner: x.inner.All(), mu: x.mu}
}

func (x *safeIndex) Update(rec IndexRecord, value []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Update(rec, value)
}

func (x *safeIndex) Delete(key []byte, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Delete(key, id)
}

func (x *safeIndex) ReadValue(rec IndexRecord) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.ReadValue(rec)
}

func (x *safeIndex) Count() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Count()
}

func (x *safeIndex) Truncate() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Truncate()
}

func (x *safeIndex) Compact(gen uint64) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Compact(gen)
}

func (x *safeIndex) Verify() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Verify()
}

func (x *safeIndex) Stats() (IndexStats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Stats()
}

func (x *safeIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Flush()
}

func (x *safeIndex) Fsync() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Fsync()
}

func (x *safeIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Close()
}

func (x *safeIndex) Destroy() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inner.Destroy()
}

// safeIterator holds the index lock during each step only.
type safeIterator struct {
	inner Iterator
	mu    *sync.Mutex
}

func (it *safeIterator) Next() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.inner.Next()
}

func (it *safeIterator) Record() IndexRecord {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.inner.Record()
}

func (it *safeIterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.inner.Err()
}
