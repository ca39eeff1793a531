package idxdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/idxdb/storage"
	"github.com/andreyvit/idxdb/tree"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	dirtyKey      = []byte("dirty")
)

const boltValueSize = 8 + 8 + 4

// boltIndex keeps entries in a bbolt bucket and values in a storage file.
//
// Entry key = key[KeySize] keyLen:16 id, so byte order of entry keys is the
// lexicographic order of index keys, then of ids. Entry value = rev:64
// ptrOff:64 ptrSize:32.
type boltIndex struct {
	dir      string
	spec     IndexSpec
	o        indexOptions
	bdb      *bbolt.DB
	stor     *storage.Storage
	wasDirty bool
	dirty    bool
}

func boltOptions(o indexOptions) *bbolt.Options {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.ReadOnly = o.ReadOnly
	if o.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	return bopt
}

func createBoltIndex(dir string, spec IndexSpec, o indexOptions) (*boltIndex, error) {
	boltPath, storPath := indexFiles(dir, spec)
	if _, err := os.Stat(boltPath); err == nil {
		return nil, fmt.Errorf("%s: %w", boltPath, os.ErrExist)
	}
	bdb, err := bbolt.Open(boltPath, 0o666, boltOptions(o))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(metaBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		removeFiles(boltPath)
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	stor, err := storage.Create(storPath, storageOptions(spec, o))
	if err != nil {
		bdb.Close()
		removeFiles(boltPath)
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return &boltIndex{dir: dir, spec: spec, o: o, bdb: bdb, stor: stor}, nil
}

func openBoltIndex(dir string, spec IndexSpec, o indexOptions) (*boltIndex, error) {
	boltPath, storPath := indexFiles(dir, spec)
	if _, err := os.Stat(boltPath); err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	bdb, err := bbolt.Open(boltPath, 0o666, boltOptions(o))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	idx := &boltIndex{dir: dir, spec: spec, o: o, bdb: bdb}
	err = bdb.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil || tx.Bucket(entriesBucket) == nil {
			return storage.Corruptf(boltPath, 0, nil, nil, "missing buckets")
		}
		idx.wasDirty = meta.Get(dirtyKey) != nil
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	idx.dirty = idx.wasDirty
	idx.stor, err = storage.Open(storPath, storageOptions(spec, o))
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return idx, nil
}

func (idx *boltIndex) Name() string    { return idx.spec.Name }
func (idx *boltIndex) Spec() IndexSpec { return idx.spec }
func (idx *boltIndex) WasDirty() bool  { return idx.wasDirty }

func (idx *boltIndex) entryKey(key []byte, id string) []byte {
	n := idx.spec.KeySize
	b := make([]byte, n+2, n+2+len(id))
	copy(b, key)
	binary.BigEndian.PutUint16(b[n:], uint16(len(key)))
	return append(b, id...)
}

func (idx *boltIndex) decodeEntry(k, v []byte) (IndexRecord, error) {
	n := idx.spec.KeySize
	if len(k) < n+2 || len(v) != boltValueSize {
		return IndexRecord{}, storage.Corruptf(idx.bdb.Path(), 0, k, nil, "malformed entry")
	}
	kl := int(binary.BigEndian.Uint16(k[n:]))
	if kl > n {
		return IndexRecord{}, storage.Corruptf(idx.bdb.Path(), 0, k, nil, "key length %d exceeds key size %d", kl, n)
	}
	return IndexRecord{
		Key: bytes.Clone(k[:kl]),
		ID:  string(k[n+2:]),
		Rev: Rev(binary.BigEndian.Uint64(v[0:8])),
		Ptr: storage.Pointer{
			Off:  binary.BigEndian.Uint64(v[8:16]),
			Size: binary.BigEndian.Uint32(v[16:20]),
		},
	}, nil
}

func encodeBoltValue(rec IndexRecord) []byte {
	v := make([]byte, 0, boltValueSize)
	v = binary.BigEndian.AppendUint64(v, uint64(rec.Rev))
	v = binary.BigEndian.AppendUint64(v, rec.Ptr.Off)
	return binary.BigEndian.AppendUint32(v, rec.Ptr.Size)
}

func (idx *boltIndex) check(op string, key []byte, id string) error {
	if len(key) > idx.spec.KeySize {
		return precondf(op, idx.spec.Name, ErrKeyTooLong, "%d bytes", len(key))
	}
	if len(id) > idx.spec.IDSize {
		return precondf(op, idx.spec.Name, nil, "id %q longer than %d bytes", id, idx.spec.IDSize)
	}
	return nil
}

func (idx *boltIndex) update(fn func(b *bbolt.Bucket) error) error {
	err := idx.bdb.Update(func(tx *bbolt.Tx) error {
		if !idx.dirty {
			if err := tx.Bucket(metaBucket).Put(dirtyKey, []byte{1}); err != nil {
				return err
			}
		}
		return fn(tx.Bucket(entriesBucket))
	})
	if err == nil {
		idx.dirty = true
	}
	return err
}

func (idx *boltIndex) Insert(rec IndexRecord, value []byte) error {
	if err := idx.check("insert", rec.Key, rec.ID); err != nil {
		return err
	}
	ek := idx.entryKey(rec.Key, rec.ID)
	prefix := ek[:idx.spec.KeySize+2]
	err := idx.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		if b.Get(ek) != nil {
			return indexErrf(idx.spec.Name, rec.Key, rec.ID, ErrDuplicateKey, "entry exists")
		}
		if idx.spec.Unique {
			if k, _ := b.Cursor().Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
				return indexErrf(idx.spec.Name, rec.Key, rec.ID, ErrDuplicateKey, "")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.Ptr, err = idx.stor.Write(value)
	if err != nil {
		return err
	}
	return idx.update(func(b *bbolt.Bucket) error {
		return b.Put(ek, encodeBoltValue(rec))
	})
}

func (idx *boltIndex) Get(key []byte) (IndexRecord, error) {
	if len(key) > idx.spec.KeySize {
		return IndexRecord{}, ErrNotFound
	}
	prefix := idx.entryKey(key, "")
	var rec IndexRecord
	err := idx.bdb.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(entriesBucket).Cursor().Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		var err error
		rec, err = idx.decodeEntry(k, v)
		return err
	})
	return rec, err
}

func (idx *boltIndex) Find(key []byte, id string) (IndexRecord, error) {
	if idx.check("find", key, id) != nil {
		return IndexRecord{}, ErrNotFound
	}
	ek := idx.entryKey(key, id)
	var rec IndexRecord
	err := idx.bdb.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(ek)
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = idx.decodeEntry(ek, v)
		return err
	})
	return rec, err
}

func (idx *boltIndex) GetMany(key []byte) Iterator {
	return idx.Range(tree.Exact(key))
}

func (idx *boltIndex) All() Iterator {
	return idx.Range(tree.All())
}

func (idx *boltIndex) Range(r KeyRange) Iterator {
	return &boltIterator{idx: idx, r: r, done: r.Empty()}
}

func (idx *boltIndex) Update(rec IndexRecord, value []byte) error {
	if err := idx.check("update", rec.Key, rec.ID); err != nil {
		return err
	}
	if _, err := idx.Find(rec.Key, rec.ID); err != nil {
		return err
	}
	var err error
	rec.Ptr, err = idx.stor.Write(value)
	if err != nil {
		return err
	}
	ek := idx.entryKey(rec.Key, rec.ID)
	return idx.update(func(b *bbolt.Bucket) error {
		return b.Put(ek, encodeBoltValue(rec))
	})
}

func (idx *boltIndex) Delete(key []byte, id string) error {
	if _, err := idx.Find(key, id); err != nil {
		return err
	}
	ek := idx.entryKey(key, id)
	return idx.update(func(b *bbolt.Bucket) error {
		return b.Delete(ek)
	})
}

func (idx *boltIndex) ReadValue(rec IndexRecord) ([]byte, error) {
	if rec.Ptr.IsZero() {
		return nil, nil
	}
	return idx.stor.Read(rec.Ptr)
}

func (idx *boltIndex) Count() int64 {
	var n int
	idx.bdb.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return int64(n)
}

func (idx *boltIndex) Truncate() error {
	err := idx.bdb.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(entriesBucket); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(dirtyKey, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("%s: truncate: %w", idx.spec.Name, err)
	}
	idx.dirty = true

	storPath := idx.stor.Path()
	if err := idx.stor.Close(); err != nil {
		return err
	}
	if err := removeFiles(storPath); err != nil {
		return err
	}
	idx.stor, err = storage.Create(storPath, storageOptions(idx.spec, idx.o))
	return err
}

const boltCompactBatch = 1024

func (idx *boltIndex) Compact(gen uint64) ([]string, error) {
	old := indexFilesSlice(idx.dir, idx.spec)
	spec := idx.spec
	spec.Generation = gen
	removeFiles(indexFilesSlice(idx.dir, spec)...)

	dst, err := createBoltIndex(idx.dir, spec, idx.o)
	if err != nil {
		return nil, err
	}
	fail := func(err error) ([]string, error) {
		dst.closeFiles()
		removeFiles(indexFilesSlice(idx.dir, spec)...)
		return nil, fmt.Errorf("%s: compact: %w", idx.spec.Name, err)
	}

	type entry struct{ k, v []byte }
	batch := make([]entry, 0, boltCompactBatch)
	flush := func() error {
		err := dst.bdb.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(entriesBucket)
			for _, e := range batch {
				if err := b.Put(e.k, e.v); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
		return err
	}
	err = idx.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			rec, err := idx.decodeEntry(k, v)
			if err != nil {
				return err
			}
			rec.Ptr, err = idx.stor.Transfer(rec.Ptr, dst.stor)
			if err != nil {
				return err
			}
			batch = append(batch, entry{bytes.Clone(k), encodeBoltValue(rec)})
			if len(batch) == boltCompactBatch {
				return flush()
			}
			return nil
		})
	})
	if err == nil && len(batch) > 0 {
		err = flush()
	}
	if err == nil {
		err = dst.Fsync()
	}
	if err != nil {
		return fail(err)
	}

	if err := idx.closeFiles(); err != nil {
		dst.closeFiles()
		return nil, err
	}
	idx.spec, idx.bdb, idx.stor, idx.dirty = spec, dst.bdb, dst.stor, false
	return old, nil
}

func (idx *boltIndex) Verify() error {
	var errs []error
	idx.bdb.View(func(tx *bbolt.Tx) error {
		for err := range tx.Check() {
			errs = append(errs, err)
		}
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			if _, err := idx.decodeEntry(k, v); err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	})
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", idx.spec.Name, errors.Join(errs...))
	}
	return verifyPointers(idx.spec.Name, idx.stor, idx.All())
}

func (idx *boltIndex) Stats() (IndexStats, error) {
	var st IndexStats
	err := idx.bdb.View(func(tx *bbolt.Tx) error {
		bs := tx.Bucket(entriesBucket).Stats()
		st = IndexStats{
			Name:        idx.spec.Name,
			Kind:        idx.spec.Kind,
			Records:     int64(bs.KeyN),
			Leaves:      bs.LeafPageN,
			Nodes:       bs.BranchPageN,
			Depth:       bs.Depth,
			IndexSize:   tx.Size(),
			StorageSize: idx.stor.Size(),
		}
		return nil
	})
	return st, err
}

func (idx *boltIndex) Flush() error {
	return idx.stor.Flush()
}

// Fsync makes the storage and the bbolt file durable and clears the dirty
// mark.
func (idx *boltIndex) Fsync() error {
	if err := idx.stor.Fsync(); err != nil {
		return err
	}
	if idx.o.ReadOnly {
		return nil
	}
	if idx.dirty {
		err := idx.bdb.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(metaBucket).Delete(dirtyKey)
		})
		if err != nil {
			return err
		}
		idx.dirty = false
	}
	if idx.o.NoSync {
		return nil
	}
	return idx.bdb.Sync()
}

func (idx *boltIndex) closeFiles() error {
	return errors.Join(idx.stor.Close(), idx.bdb.Close())
}

func (idx *boltIndex) Close() error {
	if err := idx.Fsync(); err != nil {
		idx.closeFiles()
		return err
	}
	return idx.closeFiles()
}

func (idx *boltIndex) Destroy() error {
	idx.closeFiles()
	return removeFiles(indexFilesSlice(idx.dir, idx.spec)...)
}

// boltIterator reads one record per read transaction and resumes by seeking
// past the last entry key it returned.
type boltIterator struct {
	idx     *boltIndex
	r       KeyRange
	last    []byte
	started bool
	done    bool
	rec     IndexRecord
	err     error
}

func (it *boltIterator) Next() bool {
	if it.done {
		return false
	}
	err := it.idx.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		var k, v []byte
		if !it.started {
			it.started = true
			start, after := it.r.Start()
			if start == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(it.idx.entryKey(start, ""))
			}
			for after && k != nil {
				rec, err := it.idx.decodeEntry(k, v)
				if err != nil {
					return err
				}
				if !bytes.Equal(rec.Key, start) {
					break
				}
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(it.last)
			if k != nil && bytes.Equal(k, it.last) {
				k, v = c.Next()
			}
		}
		if k == nil {
			it.done = true
			return nil
		}
		rec, err := it.idx.decodeEntry(k, v)
		if err != nil {
			return err
		}
		if it.r.Beyond(rec.Key) {
			it.done = true
			return nil
		}
		it.last = bytes.Clone(k)
		it.rec = rec
		return nil
	})
	if err != nil {
		it.err, it.done = err, true
	}
	return !it.done
}

func (it *boltIterator) Record() IndexRecord { return it.rec }
func (it *boltIterator) Err() error          { return it.err }
