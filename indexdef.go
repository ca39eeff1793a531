package idxdb

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/andreyvit/idxdb/storage"
	"github.com/andreyvit/idxdb/tree"
)

// IDIndexName is the name of the primary index.
const IDIndexName = "id"

type IndexKind string

const (
	// TreeIndex stores entries in an on-disk B+tree and supports range
	// queries.
	TreeIndex IndexKind = "tree"

	// BoltIndex stores entries in a bbolt file.
	BoltIndex IndexKind = "bolt"
)

// Entry is a single key produced for a document by an index. Value, if
// non-empty, is stored alongside the entry and returned by lookups.
type Entry struct {
	Key   any
	Value map[string]any
}

// Extractor derives index entries from a document. Returning no entries
// leaves the document out of the index.
type Extractor func(doc Doc) ([]Entry, error)

// IndexSpec holds the persisted parameters of an index. Everything except
// Ordinal, Generation, Version and Built is fixed once the index files
// exist.
type IndexSpec struct {
	Name         string              `msgpack:"name"`
	Kind         IndexKind           `msgpack:"kind"`
	KeySize      int                 `msgpack:"key_size"`
	IDSize       int                 `msgpack:"id_size"`
	PointerSize  int                 `msgpack:"ptr_size"`
	NodeCapacity int                 `msgpack:"node_cap"`
	Unique       bool                `msgpack:"unique,omitempty"`
	HashedKeys   bool                `msgpack:"hashed,omitempty"`
	Compression  storage.Compression `msgpack:"compression,omitempty"`
	Ordinal      int                 `msgpack:"ordinal"`
	Generation   uint64              `msgpack:"gen,omitempty"`
	Version      int                 `msgpack:"version,omitempty"`
	Built        bool                `msgpack:"built"`
}

func (s IndexSpec) treeParams() tree.Params {
	return tree.Params{
		KeySize:      s.KeySize,
		IDSize:       s.IDSize,
		PointerSize:  s.PointerSize,
		NodeCapacity: s.NodeCapacity,
		Unique:       s.Unique,
	}
}

// sameLayout reports whether two specs describe compatible files.
// Compression is not part of the layout: every record names its own codec.
func (s IndexSpec) sameLayout(o IndexSpec) bool {
	return s.Kind == o.Kind && s.KeySize == o.KeySize && s.IDSize == o.IDSize &&
		s.PointerSize == o.PointerSize && s.NodeCapacity == o.NodeCapacity &&
		s.Unique == o.Unique && s.HashedKeys == o.HashedKeys
}

func (s IndexSpec) String() string {
	return fmt.Sprintf("%s(%s key=%d id=%d ptr=%d cap=%d unique=%v hashed=%v %v gen=%d v%d)",
		s.Name, s.Kind, s.KeySize, s.IDSize, s.PointerSize, s.NodeCapacity, s.Unique, s.HashedKeys, s.Compression, s.Generation, s.Version)
}

var validIndexName = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)

func (s IndexSpec) validate() error {
	if !validIndexName.MatchString(s.Name) {
		return fmt.Errorf("invalid index name %q", s.Name)
	}
	switch s.Kind {
	case TreeIndex, BoltIndex:
	default:
		return fmt.Errorf("unknown index kind %q", s.Kind)
	}
	if !s.Compression.Valid() {
		return fmt.Errorf("unknown compression %v", s.Compression)
	}
	if s.HashedKeys && s.KeySize < HashedKeySize {
		return fmt.Errorf("hashed keys need key size of at least %d", HashedKeySize)
	}
	return s.treeParams().Validate()
}

// IndexDef defines an index: its persisted parameters plus the code that
// derives entries from documents.
type IndexDef struct {
	spec    IndexSpec
	extract Extractor
	keyFunc func(v any) ([]byte, error)
}

// NewTreeIndex defines a B+tree index.
func NewTreeIndex(name string, extract Extractor) *IndexDef {
	return newIndexDef(name, TreeIndex, extract)
}

// NewBoltIndex defines an index stored in a bbolt file.
func NewBoltIndex(name string, extract Extractor) *IndexDef {
	return newIndexDef(name, BoltIndex, extract)
}

func newIndexDef(name string, kind IndexKind, extract Extractor) *IndexDef {
	return &IndexDef{
		spec: IndexSpec{
			Name:         name,
			Kind:         kind,
			KeySize:      tree.DefaultKeySize,
			PointerSize:  tree.DefaultPointerSize,
			NodeCapacity: tree.DefaultNodeCapacity,
		},
		extract: extract,
		keyFunc: KeyOf,
	}
}

// FieldIndex defines a tree index keyed by a top-level document field.
// Documents without the field are not indexed.
func FieldIndex(name, field string) *IndexDef {
	return NewTreeIndex(name, func(doc Doc) ([]Entry, error) {
		v, ok := doc[field]
		if !ok || v == nil {
			return nil, nil
		}
		return []Entry{{Key: v}}, nil
	})
}

// IDIndex returns the default primary index definition.
func IDIndex() *IndexDef {
	return NewTreeIndex(IDIndexName, nil).Unique()
}

func (d *IndexDef) Name() string    { return d.spec.Name }
func (d *IndexDef) Spec() IndexSpec { return d.spec }

func (d *IndexDef) KeySize(n int) *IndexDef {
	d.spec.KeySize = n
	return d
}

func (d *IndexDef) NodeCapacity(n int) *IndexDef {
	d.spec.NodeCapacity = n
	return d
}

func (d *IndexDef) PointerSize(n int) *IndexDef {
	d.spec.PointerSize = n
	return d
}

func (d *IndexDef) Unique() *IndexDef {
	d.spec.Unique = true
	return d
}

// HashedKeys stores a 128-bit hash of each key instead of the key itself,
// lifting the key size limit at the cost of meaningful ordering.
func (d *IndexDef) HashedKeys() *IndexDef {
	d.spec.HashedKeys = true
	d.spec.KeySize = HashedKeySize
	return d
}

func (d *IndexDef) Compression(c storage.Compression) *IndexDef {
	d.spec.Compression = c
	return d
}

// Version marks a new revision of the extractor; see DB.EditIndex.
func (d *IndexDef) Version(v int) *IndexDef {
	d.spec.Version = v
	return d
}

// KeyFunc replaces KeyOf for converting Entry.Key values.
func (d *IndexDef) KeyFunc(f func(v any) ([]byte, error)) *IndexDef {
	d.keyFunc = f
	return d
}

type keyedEntry struct {
	key   []byte
	value map[string]any
}

// Key converts a lookup value the same way entries of this index are
// converted.
func (d *IndexDef) Key(v any) ([]byte, error) {
	key, err := d.keyFunc(v)
	if err != nil {
		return nil, precondf("key", d.spec.Name, err, "cannot convert %T", v)
	}
	if d.spec.HashedKeys {
		return HashKey(key), nil
	}
	if len(key) > d.spec.KeySize {
		return nil, precondf("key", d.spec.Name, ErrKeyTooLong, "%d bytes, index allows %d", len(key), d.spec.KeySize)
	}
	return key, nil
}

// entries runs the extractor. Entries with a repeated key are dropped.
func (d *IndexDef) entries(doc Doc) ([]keyedEntry, error) {
	if d.extract == nil {
		return nil, nil
	}
	raw, err := d.extract(doc)
	if err != nil {
		return nil, err
	}
	result := make([]keyedEntry, 0, len(raw))
outer:
	for _, e := range raw {
		key, err := d.Key(e.Key)
		if err != nil {
			return nil, err
		}
		for _, prev := range result {
			if bytes.Equal(prev.key, key) {
				continue outer
			}
		}
		result = append(result, keyedEntry{key, e.Value})
	}
	return result, nil
}
