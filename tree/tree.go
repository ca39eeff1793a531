// Package tree implements an on-disk B+tree with fixed-width records.
//
// File format:
//
//   - file = header slot+
//   - header = magic:64 version:8 flags:8 keySize:16 idSize:8 pointerSize:8
//     nodeCapacity:16 rootFlag:8 reserved:56 count:64 reserved:192 checksum:64
//   - slot = node | leaf, padded to max(node size, leaf size)
//   - node = count:16 kind:8 child (keyLen:16 key[keySize] child)*count
//   - leaf = count:16 prev next record*count
//   - record = keyLen:16 key[keySize] idLen:8 id[idSize] rev:64 ptrOff ptrSize:32
//
// Child, prev, next and ptrOff are pointerSize bytes wide. The root always
// occupies the first slot; the root flag says whether it is a leaf ('l') or
// a node ('n'), and each node's kind says the same about its children.
// Leaves are doubly linked in key order. Records with equal keys are kept in
// insertion order.
//
// Nodes never merge on delete. Splits write the new right sibling before the
// parent is updated, so a crash leaves at worst an orphaned slot or a stale
// separator; the dirty flag tells the owner to verify or rebuild the file.
//
// A Tree is not safe for concurrent use.
package tree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/idxdb/mmap"
	"github.com/andreyvit/idxdb/storage"
)

const (
	headerSize     = 64
	dataStart      = headerSize
	rootFlagOffset = 16
	countOffset    = 24
	checksumOffset = headerSize - 8

	version0 uint8 = 0

	flagDirty  uint8 = 1 << 0
	flagUnique uint8 = 1 << 1

	rootLeaf = 'l'
	rootNode = 'n'

	DefaultKeySize      = 32
	DefaultIDSize       = 32
	DefaultPointerSize  = 8
	DefaultNodeCapacity = 32
	MinNodeCapacity     = 3
	MaxNodeCapacity     = math.MaxUint16
	MaxKeySize          = math.MaxUint16
	MaxIDSize           = math.MaxUint8
)

var magic = [8]byte{'i', 'd', 'x', 't', 'r', 'e', 'e', 0}

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrKeyTooLong   = errors.New("key too long")
	ErrIDTooLong    = errors.New("id too long")
	ErrFileTooLarge = errors.New("offset does not fit the pointer size")
	ErrClosed       = errors.New("tree closed")
	ErrReadOnly     = errors.New("tree opened read-only")
)

// Params are fixed when a tree file is created.
type Params struct {
	KeySize      int
	IDSize       int
	PointerSize  int
	NodeCapacity int
	Unique       bool
}

func (p Params) WithDefaults() Params {
	if p.KeySize == 0 {
		p.KeySize = DefaultKeySize
	}
	if p.IDSize == 0 {
		p.IDSize = DefaultIDSize
	}
	if p.PointerSize == 0 {
		p.PointerSize = DefaultPointerSize
	}
	if p.NodeCapacity == 0 {
		p.NodeCapacity = DefaultNodeCapacity
	}
	return p
}

func (p Params) Validate() error {
	if p.KeySize < 1 || p.KeySize > MaxKeySize {
		return fmt.Errorf("key size %d out of range", p.KeySize)
	}
	if p.IDSize < 1 || p.IDSize > MaxIDSize {
		return fmt.Errorf("id size %d out of range", p.IDSize)
	}
	if p.PointerSize != 4 && p.PointerSize != 8 {
		return fmt.Errorf("pointer size must be 4 or 8, got %d", p.PointerSize)
	}
	if p.NodeCapacity < MinNodeCapacity || p.NodeCapacity > MaxNodeCapacity {
		return fmt.Errorf("node capacity %d out of range (minimum %d)", p.NodeCapacity, MinNodeCapacity)
	}
	return nil
}

// Record is a single leaf entry.
type Record struct {
	Key []byte
	ID  []byte
	Rev uint64
	Ptr storage.Pointer
}

type Options struct {
	// NoSync skips fdatasync calls. Only meant for tests.
	NoSync bool

	// ReadOnly opens the file without write access. Mutations fail with
	// ErrReadOnly and the dirty flag is left as found.
	ReadOnly bool
}

type Tree struct {
	path     string
	f        *os.File
	p        Params
	lay      layout
	noSync   bool
	readOnly bool

	root     byte
	end      int64
	count    int64
	dirty    bool
	wasDirty bool
	gen      uint64
	closed   bool
}

// Create makes a new tree file holding a single empty root leaf. It fails if
// the file exists.
func Create(path string, p Params, o Options) (*Tree, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		path:   path,
		f:      f,
		p:      p,
		lay:    makeLayout(p),
		noSync: o.NoSync,
		root:   rootLeaf,
		end:    dataStart,
	}
	err = t.writeHeader()
	if err == nil {
		var off int64
		off, err = t.alloc()
		if err == nil {
			err = t.writeLeaf(off, &leaf{})
		}
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return t, nil
}

// Open opens an existing tree file. A file left dirty by a crash is
// recounted; WasDirty reports that this happened.
func Open(path string, o Options) (*Tree, error) {
	flag := os.O_RDWR
	if o.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	t, err := openFile(path, f, o)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func openFile(path string, f *os.File, o Options) (*Tree, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var hdr [headerSize]byte
	_, err = f.ReadAt(hdr[:], 0)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, storage.Corruptf(path, 0, nil, nil, "truncated tree header")
	} else if err != nil {
		return nil, err
	}
	if [8]byte(hdr[:8]) != magic {
		return nil, storage.Corruptf(path, 0, hdr[:16], nil, "not a tree file")
	}
	if sum := binary.LittleEndian.Uint64(hdr[checksumOffset:]); sum != xxhash.Sum64(hdr[:checksumOffset]) {
		return nil, storage.Corruptf(path, 0, hdr[:], nil, "tree header checksum mismatch")
	}
	if hdr[8] > version0 {
		return nil, fmt.Errorf("%s: unsupported tree version %d", path, hdr[8])
	}

	flags := hdr[9]
	p := Params{
		KeySize:      int(binary.LittleEndian.Uint16(hdr[10:12])),
		IDSize:       int(hdr[12]),
		PointerSize:  int(hdr[13]),
		NodeCapacity: int(binary.LittleEndian.Uint16(hdr[14:16])),
		Unique:       flags&flagUnique != 0,
	}
	if err := p.Validate(); err != nil {
		return nil, storage.Corruptf(path, 0, hdr[:], err, "invalid tree parameters")
	}
	root := hdr[rootFlagOffset]
	if root != rootLeaf && root != rootNode {
		return nil, storage.Corruptf(path, rootFlagOffset, hdr[rootFlagOffset:rootFlagOffset+1], nil, "invalid root flag")
	}

	t := &Tree{
		path:     path,
		f:        f,
		p:        p,
		lay:      makeLayout(p),
		noSync:   o.NoSync,
		readOnly: o.ReadOnly,
		root:     root,
		count:    int64(binary.LittleEndian.Uint64(hdr[countOffset:])),
		dirty:    flags&flagDirty != 0,
		wasDirty: flags&flagDirty != 0,
	}
	slots := (st.Size() - dataStart) / t.lay.slotSize
	if slots < 1 {
		return nil, storage.Corruptf(path, dataStart, nil, nil, "missing root slot")
	}
	t.end = dataStart + slots*t.lay.slotSize

	if t.wasDirty {
		n, err := t.recount()
		if err != nil {
			return nil, err
		}
		t.count = n
	}
	return t, nil
}

func (t *Tree) Path() string { return t.path }
func (t *Tree) Params() Params { return t.p }
func (t *Tree) Count() int64 { return t.count }
func (t *Tree) FileSize() int64 { return t.end }
func (t *Tree) WasDirty() bool { return t.wasDirty }
func (t *Tree) Generation() uint64 { return t.gen }

func (t *Tree) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[:], magic[:])
	hdr[8] = version0
	var flags uint8
	if t.dirty {
		flags |= flagDirty
	}
	if t.p.Unique {
		flags |= flagUnique
	}
	hdr[9] = flags
	binary.LittleEndian.PutUint16(hdr[10:12], uint16(t.p.KeySize))
	hdr[12] = uint8(t.p.IDSize)
	hdr[13] = uint8(t.p.PointerSize)
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(t.p.NodeCapacity))
	hdr[rootFlagOffset] = t.root
	binary.LittleEndian.PutUint64(hdr[countOffset:], uint64(t.count))
	binary.LittleEndian.PutUint64(hdr[checksumOffset:], xxhash.Sum64(hdr[:checksumOffset]))
	_, err := t.f.WriteAt(hdr[:], 0)
	return err
}

// modify is called before every mutation.
func (t *Tree) modify() error {
	if t.closed {
		return ErrClosed
	}
	if t.readOnly {
		return ErrReadOnly
	}
	t.gen++
	if t.dirty {
		return nil
	}
	t.dirty = true
	return t.writeHeader()
}

// MarkDirty sets the dirty flag without changing any records, so that an
// interrupted bulk load is detected on the next open.
func (t *Tree) MarkDirty() error {
	return t.modify()
}

func (t *Tree) setRoot(flag byte) error {
	t.root = flag
	return t.writeHeader()
}

// Sync makes the file durable and clears the dirty flag.
func (t *Tree) Sync() error {
	if t.closed {
		return ErrClosed
	}
	if t.readOnly {
		return nil
	}
	if !t.noSync {
		if err := mmap.Fdatasync(t.f, nil); err != nil {
			return fmt.Errorf("%s: fdatasync: %w", t.path, err)
		}
	}
	if !t.dirty {
		return nil
	}
	t.dirty = false
	if err := t.writeHeader(); err != nil {
		return err
	}
	if t.noSync {
		return nil
	}
	return mmap.Fdatasync(t.f, nil)
}

func (t *Tree) Close() error {
	if t.closed {
		return nil
	}
	err := t.Sync()
	t.closed = true
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Abandon closes the file without clearing the dirty flag, as a crash would.
func (t *Tree) Abandon() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.f.Close()
}
