package tree

import (
	"bytes"
	"math"
	"slices"
)

type pathStep struct {
	off int64
	nd  *node
	idx int
}

// lowerBound returns the first i such that keys[i] >= key.
func lowerBound(n int, keyAt func(int) []byte, key []byte) int {
	lo, hi := 0, n
	for lo < hi {
		m := int(uint(lo+hi) >> 1)
		if bytes.Compare(keyAt(m), key) < 0 {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}

// upperBound returns the first i such that keys[i] > key.
func upperBound(n int, keyAt func(int) []byte, key []byte) int {
	lo, hi := 0, n
	for lo < hi {
		m := int(uint(lo+hi) >> 1)
		if bytes.Compare(keyAt(m), key) <= 0 {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}

func (l *leaf) keyAt(i int) []byte { return l.recs[i].Key }
func (nd *node) keyAt(i int) []byte { return nd.keys[i] }

// descend walks from the root to the leaf that may hold key. With after
// set it picks the rightmost such leaf, otherwise the leftmost one.
func (t *Tree) descend(key []byte, after bool, path []pathStep) ([]pathStep, int64, error) {
	off := int64(dataStart)
	isLeaf := t.root == rootLeaf
	for !isLeaf {
		nd, err := t.readNode(off)
		if err != nil {
			return nil, 0, err
		}
		var i int
		switch {
		case key == nil:
			i = 0
		case after:
			i = upperBound(len(nd.keys), nd.keyAt, key)
		default:
			i = lowerBound(len(nd.keys), nd.keyAt, key)
		}
		if path != nil {
			path = append(path, pathStep{off, nd, i})
		}
		isLeaf = nd.leafChildren
		off = nd.children[i]
	}
	return path, off, nil
}

// position is a spot inside the leaf chain.
type position struct {
	off int64
	l   *leaf
	pos int
}

// seek positions at the first record >= key (or > key when after is set).
// A nil key positions at the very first record.
func (t *Tree) seek(key []byte, after bool) (position, error) {
	_, off, err := t.descend(key, after, nil)
	if err != nil {
		return position{}, err
	}
	l, err := t.readLeaf(off)
	if err != nil {
		return position{}, err
	}
	p := position{off: off, l: l}
	switch {
	case key == nil:
	case after:
		p.pos = upperBound(len(l.recs), l.keyAt, key)
	default:
		p.pos = lowerBound(len(l.recs), l.keyAt, key)
	}
	return p, nil
}

// settle moves p forward past exhausted leaves. It returns false at the end
// of the chain.
func (t *Tree) settle(p *position) (bool, error) {
	for p.pos >= len(p.l.recs) {
		if p.l.next == 0 {
			return false, nil
		}
		l, err := t.readLeaf(p.l.next)
		if err != nil {
			return false, err
		}
		p.off, p.l, p.pos = p.l.next, l, 0
	}
	return true, nil
}

// find locates the record with the given key and id.
func (t *Tree) find(key, id []byte) (position, error) {
	p, err := t.seek(key, false)
	if err != nil {
		return p, err
	}
	for {
		ok, err := t.settle(&p)
		if err != nil {
			return p, err
		}
		if !ok {
			return p, ErrNotFound
		}
		rec := &p.l.recs[p.pos]
		if !bytes.Equal(rec.Key, key) {
			return p, ErrNotFound
		}
		if bytes.Equal(rec.ID, id) {
			return p, nil
		}
		p.pos++
	}
}

// Get returns the first record inserted with the given key.
func (t *Tree) Get(key []byte) (Record, error) {
	if t.closed {
		return Record{}, ErrClosed
	}
	p, err := t.seek(key, false)
	if err != nil {
		return Record{}, err
	}
	ok, err := t.settle(&p)
	if err != nil {
		return Record{}, err
	}
	if !ok || !bytes.Equal(p.l.recs[p.pos].Key, key) {
		return Record{}, ErrNotFound
	}
	return p.l.recs[p.pos], nil
}

// Find returns the record with the given key and id.
func (t *Tree) Find(key, id []byte) (Record, error) {
	if t.closed {
		return Record{}, ErrClosed
	}
	p, err := t.find(key, id)
	if err != nil {
		return Record{}, err
	}
	return p.l.recs[p.pos], nil
}

func (t *Tree) check(rec *Record) error {
	if len(rec.Key) > t.p.KeySize {
		return ErrKeyTooLong
	}
	if len(rec.ID) > t.p.IDSize {
		return ErrIDTooLong
	}
	if t.p.PointerSize == 4 && rec.Ptr.Off > math.MaxUint32 {
		return ErrFileTooLarge
	}
	return nil
}

// Insert adds rec after all records with an equal key. Unique trees reject
// a key that is already present.
func (t *Tree) Insert(rec Record) error {
	if t.closed {
		return ErrClosed
	}
	if err := t.check(&rec); err != nil {
		return err
	}
	if rec.Key == nil {
		rec.Key = []byte{}
	}
	if t.p.Unique {
		_, err := t.Get(rec.Key)
		if err == nil {
			return ErrDuplicateKey
		} else if err != ErrNotFound {
			return err
		}
	}

	path, off, err := t.descend(rec.Key, true, make([]pathStep, 0, 8))
	if err != nil {
		return err
	}
	l, err := t.readLeaf(off)
	if err != nil {
		return err
	}
	if err := t.modify(); err != nil {
		return err
	}
	rec.Key = bytes.Clone(rec.Key)
	rec.ID = bytes.Clone(rec.ID)
	pos := upperBound(len(l.recs), l.keyAt, rec.Key)
	l.recs = slices.Insert(l.recs, pos, rec)
	t.count++

	if len(l.recs) <= t.p.NodeCapacity {
		return t.writeLeaf(off, l)
	}
	return t.splitLeaf(path, off, l)
}

func (t *Tree) splitLeaf(path []pathStep, off int64, l *leaf) error {
	mid := len(l.recs) / 2
	left := l.recs[:mid]
	right := slices.Clone(l.recs[mid:])

	if off == dataStart {
		lOff, err := t.alloc()
		if err != nil {
			return err
		}
		rOff, err := t.alloc()
		if err != nil {
			return err
		}
		if err := t.writeLeaf(lOff, &leaf{next: rOff, recs: left}); err != nil {
			return err
		}
		if err := t.writeLeaf(rOff, &leaf{prev: lOff, recs: right}); err != nil {
			return err
		}
		root := &node{
			leafChildren: true,
			keys:         [][]byte{right[0].Key},
			children:     []int64{lOff, rOff},
		}
		if err := t.writeNode(dataStart, root); err != nil {
			return err
		}
		return t.setRoot(rootNode)
	}

	rOff, err := t.alloc()
	if err != nil {
		return err
	}
	if err := t.writeLeaf(rOff, &leaf{prev: off, next: l.next, recs: right}); err != nil {
		return err
	}
	if l.next != 0 {
		nl, err := t.readLeaf(l.next)
		if err != nil {
			return err
		}
		nl.prev = rOff
		if err := t.writeLeaf(l.next, nl); err != nil {
			return err
		}
	}
	l.next = rOff
	l.recs = left
	if err := t.writeLeaf(off, l); err != nil {
		return err
	}
	return t.insertSeparator(path, right[0].Key, rOff)
}

func (t *Tree) insertSeparator(path []pathStep, key []byte, child int64) error {
	for level := len(path) - 1; level >= 0; level-- {
		st := path[level]
		nd := st.nd
		nd.keys = slices.Insert(nd.keys, st.idx, key)
		nd.children = slices.Insert(nd.children, st.idx+1, child)
		if len(nd.keys) <= t.p.NodeCapacity {
			return t.writeNode(st.off, nd)
		}

		mid := len(nd.keys) / 2
		up := nd.keys[mid]
		left := &node{
			leafChildren: nd.leafChildren,
			keys:         nd.keys[:mid],
			children:     nd.children[:mid+1],
		}
		right := &node{
			leafChildren: nd.leafChildren,
			keys:         slices.Clone(nd.keys[mid+1:]),
			children:     slices.Clone(nd.children[mid+1:]),
		}

		if st.off == dataStart {
			lOff, err := t.alloc()
			if err != nil {
				return err
			}
			rOff, err := t.alloc()
			if err != nil {
				return err
			}
			if err := t.writeNode(lOff, left); err != nil {
				return err
			}
			if err := t.writeNode(rOff, right); err != nil {
				return err
			}
			return t.writeNode(dataStart, &node{
				keys:     [][]byte{up},
				children: []int64{lOff, rOff},
			})
		}

		rOff, err := t.alloc()
		if err != nil {
			return err
		}
		if err := t.writeNode(rOff, right); err != nil {
			return err
		}
		if err := t.writeNode(st.off, left); err != nil {
			return err
		}
		key, child = up, rOff
	}
	panic("unreachable: split propagated past the root")
}

// Update replaces the revision and pointer of the record with rec's key and id.
func (t *Tree) Update(rec Record) error {
	if t.closed {
		return ErrClosed
	}
	if err := t.check(&rec); err != nil {
		return err
	}
	p, err := t.find(rec.Key, rec.ID)
	if err != nil {
		return err
	}
	if err := t.modify(); err != nil {
		return err
	}
	r := &p.l.recs[p.pos]
	r.Rev = rec.Rev
	r.Ptr = rec.Ptr
	return t.writeLeaf(p.off, p.l)
}

// Delete removes the record with the given key and id. Leaves are allowed
// to become under-full or empty.
func (t *Tree) Delete(key, id []byte) error {
	if t.closed {
		return ErrClosed
	}
	p, err := t.find(key, id)
	if err != nil {
		return err
	}
	if err := t.modify(); err != nil {
		return err
	}
	p.l.recs = slices.Delete(p.l.recs, p.pos, p.pos+1)
	t.count--
	return t.writeLeaf(p.off, p.l)
}
