package tree

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/andreyvit/idxdb/storage"
)

type layout struct {
	keyField  int
	idField   int
	recSize   int
	leafSize  int
	nodeEntry int
	nodeSize  int
	slotSize  int64
}

func makeLayout(p Params) layout {
	var l layout
	l.keyField = 2 + p.KeySize
	l.idField = 1 + p.IDSize
	l.recSize = l.keyField + l.idField + 8 + p.PointerSize + 4
	l.leafSize = 2 + 2*p.PointerSize + p.NodeCapacity*l.recSize
	l.nodeEntry = l.keyField + p.PointerSize
	l.nodeSize = 2 + 1 + p.PointerSize + p.NodeCapacity*l.nodeEntry
	l.slotSize = int64(max(l.leafSize, l.nodeSize))
	return l
}

type leaf struct {
	prev, next int64
	recs       []Record
}

type node struct {
	leafChildren bool
	keys         [][]byte
	children     []int64
}

func (t *Tree) alloc() (int64, error) {
	off := t.end
	if t.p.PointerSize == 4 && off+t.lay.slotSize > math.MaxUint32 {
		return 0, ErrFileTooLarge
	}
	t.end += t.lay.slotSize
	return off, nil
}

func (t *Tree) readSlot(off int64) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if off < dataStart || off+t.lay.slotSize > t.end || (off-dataStart)%t.lay.slotSize != 0 {
		return nil, storage.Corruptf(t.path, off, nil, nil, "invalid slot offset (file size %d)", t.end)
	}
	buf := make([]byte, t.lay.slotSize)
	if _, err := t.f.ReadAt(buf, off); err != nil {
		return nil, storage.Corruptf(t.path, off, nil, err, "cannot read slot")
	}
	return buf, nil
}

func (t *Tree) putPtr(b []byte, v int64) []byte {
	if t.p.PointerSize == 4 {
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(b, uint64(v))
}

func (t *Tree) getPtr(b []byte) (int64, []byte) {
	if t.p.PointerSize == 4 {
		return int64(binary.LittleEndian.Uint32(b)), b[4:]
	}
	return int64(binary.LittleEndian.Uint64(b)), b[8:]
}

func appendPadded(b []byte, v []byte, width int) []byte {
	b = append(b, v...)
	for range width - len(v) {
		b = append(b, 0)
	}
	return b
}

func (t *Tree) readLeaf(off int64) (*leaf, error) {
	buf, err := t.readSlot(off)
	if err != nil {
		return nil, err
	}
	return t.decodeLeaf(off, buf)
}

func (t *Tree) decodeLeaf(off int64, buf []byte) (*leaf, error) {
	n := int(binary.LittleEndian.Uint16(buf))
	if n > t.p.NodeCapacity {
		return nil, storage.Corruptf(t.path, off, buf[:2], nil, "leaf count %d exceeds capacity %d", n, t.p.NodeCapacity)
	}
	l := &leaf{recs: make([]Record, n)}
	b := buf[2:]
	l.prev, b = t.getPtr(b)
	l.next, b = t.getPtr(b)
	for i := range n {
		rec := &l.recs[i]
		klen := int(binary.LittleEndian.Uint16(b))
		if klen > t.p.KeySize {
			return nil, storage.Corruptf(t.path, off, nil, nil, "record %d: key length %d exceeds key size", i, klen)
		}
		rec.Key = bytes.Clone(b[2 : 2+klen])
		b = b[t.lay.keyField:]

		idlen := int(b[0])
		if idlen > t.p.IDSize {
			return nil, storage.Corruptf(t.path, off, nil, nil, "record %d: id length %d exceeds id size", i, idlen)
		}
		rec.ID = bytes.Clone(b[1 : 1+idlen])
		b = b[t.lay.idField:]

		rec.Rev = binary.LittleEndian.Uint64(b)
		b = b[8:]
		var p int64
		p, b = t.getPtr(b)
		rec.Ptr.Off = uint64(p)
		rec.Ptr.Size = binary.LittleEndian.Uint32(b)
		b = b[4:]
	}
	return l, nil
}

func (t *Tree) writeLeaf(off int64, l *leaf) error {
	buf := make([]byte, 0, t.lay.slotSize)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(l.recs)))
	buf = t.putPtr(buf, l.prev)
	buf = t.putPtr(buf, l.next)
	for _, rec := range l.recs {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Key)))
		buf = appendPadded(buf, rec.Key, t.p.KeySize)
		buf = append(buf, uint8(len(rec.ID)))
		buf = appendPadded(buf, rec.ID, t.p.IDSize)
		buf = binary.LittleEndian.AppendUint64(buf, rec.Rev)
		buf = t.putPtr(buf, int64(rec.Ptr.Off))
		buf = binary.LittleEndian.AppendUint32(buf, rec.Ptr.Size)
	}
	buf = buf[:t.lay.slotSize]
	_, err := t.f.WriteAt(buf, off)
	return err
}

func (t *Tree) readNode(off int64) (*node, error) {
	buf, err := t.readSlot(off)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if n < 1 || n > t.p.NodeCapacity {
		return nil, storage.Corruptf(t.path, off, buf[:3], nil, "node count %d out of range", n)
	}
	nd := &node{
		keys:     make([][]byte, n),
		children: make([]int64, n+1),
	}
	switch buf[2] {
	case rootLeaf:
		nd.leafChildren = true
	case rootNode:
	default:
		return nil, storage.Corruptf(t.path, off, buf[:3], nil, "invalid node kind")
	}
	b := buf[3:]
	nd.children[0], b = t.getPtr(b)
	for i := range n {
		klen := int(binary.LittleEndian.Uint16(b))
		if klen > t.p.KeySize {
			return nil, storage.Corruptf(t.path, off, nil, nil, "separator %d: key length %d exceeds key size", i, klen)
		}
		nd.keys[i] = bytes.Clone(b[2 : 2+klen])
		b = b[t.lay.keyField:]
		nd.children[i+1], b = t.getPtr(b)
	}
	return nd, nil
}

func (t *Tree) writeNode(off int64, nd *node) error {
	buf := make([]byte, 0, t.lay.slotSize)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(nd.keys)))
	if nd.leafChildren {
		buf = append(buf, rootLeaf)
	} else {
		buf = append(buf, rootNode)
	}
	buf = t.putPtr(buf, nd.children[0])
	for i, k := range nd.keys {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
		buf = appendPadded(buf, k, t.p.KeySize)
		buf = t.putPtr(buf, nd.children[i+1])
	}
	buf = buf[:t.lay.slotSize]
	_, err := t.f.WriteAt(buf, off)
	return err
}
