package idxdb

import (
	"errors"
	"fmt"

	"github.com/andreyvit/idxdb/storage"
	"github.com/andreyvit/idxdb/tree"
)

// treeIndex keeps entries in a tree file and values in a storage file.
type treeIndex struct {
	dir      string
	spec     IndexSpec
	o        indexOptions
	t        *tree.Tree
	stor     *storage.Storage
	wasDirty bool
}

func createTreeIndex(dir string, spec IndexSpec, o indexOptions) (*treeIndex, error) {
	buckPath, storPath := indexFiles(dir, spec)
	t, err := tree.Create(buckPath, spec.treeParams(), tree.Options{NoSync: o.NoSync})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	stor, err := storage.Create(storPath, storageOptions(spec, o))
	if err != nil {
		t.Close()
		removeFiles(buckPath)
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return &treeIndex{dir: dir, spec: spec, o: o, t: t, stor: stor}, nil
}

func openTreeIndex(dir string, spec IndexSpec, o indexOptions) (*treeIndex, error) {
	buckPath, storPath := indexFiles(dir, spec)
	t, err := tree.Open(buckPath, tree.Options{NoSync: o.NoSync, ReadOnly: o.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	if actual, wanted := t.Params(), spec.treeParams(); actual != wanted {
		t.Close()
		return nil, precondf("open", spec.Name, nil, "tree file has %+v, catalog says %+v", actual, wanted)
	}
	stor, err := storage.Open(storPath, storageOptions(spec, o))
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return &treeIndex{dir: dir, spec: spec, o: o, t: t, stor: stor, wasDirty: t.WasDirty()}, nil
}

func (idx *treeIndex) Name() string    { return idx.spec.Name }
func (idx *treeIndex) Spec() IndexSpec { return idx.spec }
func (idx *treeIndex) WasDirty() bool  { return idx.wasDirty }
func (idx *treeIndex) Count() int64    { return idx.t.Count() }

func (idx *treeIndex) toTree(rec IndexRecord) tree.Record {
	return tree.Record{Key: rec.Key, ID: []byte(rec.ID), Rev: uint64(rec.Rev), Ptr: rec.Ptr}
}

func fromTree(r tree.Record) IndexRecord {
	return IndexRecord{Key: r.Key, ID: string(r.ID), Rev: Rev(r.Rev), Ptr: r.Ptr}
}

func (idx *treeIndex) Insert(rec IndexRecord, value []byte) error {
	ptr, err := idx.stor.Write(value)
	if err != nil {
		return err
	}
	rec.Ptr = ptr
	return translateErr(idx.spec.Name, rec.Key, rec.ID, idx.t.Insert(idx.toTree(rec)))
}

func (idx *treeIndex) Get(key []byte) (IndexRecord, error) {
	r, err := idx.t.Get(key)
	if err != nil {
		return IndexRecord{}, translateErr(idx.spec.Name, key, "", err)
	}
	return fromTree(r), nil
}

func (idx *treeIndex) Find(key []byte, id string) (IndexRecord, error) {
	r, err := idx.t.Find(key, []byte(id))
	if err != nil {
		return IndexRecord{}, translateErr(idx.spec.Name, key, id, err)
	}
	return fromTree(r), nil
}

func (idx *treeIndex) GetMany(key []byte) Iterator {
	return idx.Range(tree.Exact(key))
}

func (idx *treeIndex) All() Iterator {
	return idx.Range(tree.All())
}

func (idx *treeIndex) Range(r KeyRange) Iterator {
	return &treeIterator{idx: idx, c: idx.t.Scan(r)}
}

func (idx *treeIndex) Update(rec IndexRecord, value []byte) error {
	ptr, err := idx.stor.Write(value)
	if err != nil {
		return err
	}
	rec.Ptr = ptr
	return translateErr(idx.spec.Name, rec.Key, rec.ID, idx.t.Update(idx.toTree(rec)))
}

func (idx *treeIndex) Delete(key []byte, id string) error {
	return translateErr(idx.spec.Name, key, id, idx.t.Delete(key, []byte(id)))
}

func (idx *treeIndex) ReadValue(rec IndexRecord) ([]byte, error) {
	if rec.Ptr.IsZero() {
		return nil, nil
	}
	return idx.stor.Read(rec.Ptr)
}

func (idx *treeIndex) Truncate() error {
	if err := idx.closeFiles(); err != nil {
		return err
	}
	if err := removeFiles(idx.files()...); err != nil {
		return err
	}
	fresh, err := createTreeIndex(idx.dir, idx.spec, idx.o)
	if err != nil {
		return err
	}
	idx.t, idx.stor = fresh.t, fresh.stor
	return idx.t.MarkDirty()
}

func (idx *treeIndex) Compact(gen uint64) ([]string, error) {
	old := idx.files()
	spec := idx.spec
	spec.Generation = gen
	removeFiles(indexFilesSlice(idx.dir, spec)...)

	dst, err := createTreeIndex(idx.dir, spec, idx.o)
	if err != nil {
		return nil, err
	}
	fail := func(err error) ([]string, error) {
		dst.closeFiles()
		removeFiles(dst.files()...)
		return nil, fmt.Errorf("%s: compact: %w", idx.spec.Name, err)
	}

	c := idx.t.Scan(tree.All())
	for c.Next() {
		r := c.Record()
		r.Ptr, err = idx.stor.Transfer(r.Ptr, dst.stor)
		if err != nil {
			return fail(err)
		}
		if err := dst.t.Insert(r); err != nil {
			return fail(err)
		}
	}
	if err := c.Err(); err != nil {
		return fail(err)
	}
	if err := dst.Fsync(); err != nil {
		return fail(err)
	}

	if err := idx.closeFiles(); err != nil {
		dst.closeFiles()
		return nil, err
	}
	idx.spec, idx.t, idx.stor = spec, dst.t, dst.stor
	return old, nil
}

func (idx *treeIndex) Verify() error {
	if err := idx.t.Verify(); err != nil {
		return fmt.Errorf("%s: %w", idx.spec.Name, err)
	}
	return verifyPointers(idx.spec.Name, idx.stor, idx.All())
}

// verifyPointers checks that every record of it addresses a valid record
// of stor.
func verifyPointers(name string, stor *storage.Storage, it Iterator) error {
	valid := make(map[storage.Pointer]struct{})
	err := stor.Scan(func(p storage.Pointer, data []byte) error {
		valid[p] = struct{}{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for it.Next() {
		rec := it.Record()
		if rec.Ptr.IsZero() {
			continue
		}
		if _, ok := valid[rec.Ptr]; !ok {
			return storage.Corruptf(stor.Path(), int64(rec.Ptr.Off), rec.Key, nil, "%s: record %q of %s points to no value", name, rec.Key, rec.ID)
		}
	}
	return it.Err()
}

func (idx *treeIndex) Stats() (IndexStats, error) {
	ts, err := idx.t.Stats()
	if err != nil {
		return IndexStats{}, err
	}
	return IndexStats{
		Name:        idx.spec.Name,
		Kind:        idx.spec.Kind,
		Records:     ts.Records,
		Leaves:      ts.Leaves,
		Nodes:       ts.Nodes,
		Depth:       ts.Depth,
		IndexSize:   ts.FileSize,
		StorageSize: idx.stor.Size(),
	}, nil
}

func (idx *treeIndex) Flush() error {
	return idx.stor.Flush()
}

func (idx *treeIndex) Fsync() error {
	if err := idx.stor.Fsync(); err != nil {
		return err
	}
	return idx.t.Sync()
}

func (idx *treeIndex) closeFiles() error {
	return errors.Join(idx.stor.Close(), idx.t.Close())
}

func (idx *treeIndex) Close() error {
	if err := idx.stor.Fsync(); err != nil {
		idx.closeFiles()
		return err
	}
	return idx.closeFiles()
}

func (idx *treeIndex) Destroy() error {
	idx.closeFiles()
	return removeFiles(idx.files()...)
}

func (idx *treeIndex) files() []string {
	return indexFilesSlice(idx.dir, idx.spec)
}

func indexFilesSlice(dir string, spec IndexSpec) []string {
	a, b := indexFiles(dir, spec)
	return []string{a, b}
}

// treeIterator follows the index to whatever tree it currently uses, so an
// iteration survives Compact and Truncate in between steps.
type treeIterator struct {
	idx *treeIndex
	c   *tree.Cursor
}

func (it *treeIterator) Next() bool {
	it.c.Rebind(it.idx.t)
	return it.c.Next()
}

func (it *treeIterator) Record() IndexRecord { return fromTree(it.c.Record()) }
func (it *treeIterator) Err() error          { return it.c.Err() }
