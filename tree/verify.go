package tree

import (
	"bytes"

	"github.com/andreyvit/idxdb/storage"
)

type Stats struct {
	Records  int64
	Leaves   int
	Nodes    int
	Depth    int
	Slots    int64
	SlotSize int64
	FileSize int64
}

// Stats walks the whole tree.
func (t *Tree) Stats() (Stats, error) {
	s := Stats{
		Slots:    (t.end - dataStart) / t.lay.slotSize,
		SlotSize: t.lay.slotSize,
		FileSize: t.end,
	}
	w := walker{t: t, visitLeaf: func(_ int64, l *leaf) error {
		s.Leaves++
		s.Records += int64(len(l.recs))
		return nil
	}, visitNode: func(int64, *node) { s.Nodes++ }}
	depth, err := w.walk()
	s.Depth = depth
	return s, err
}

func (t *Tree) recount() (int64, error) {
	var n int64
	p, err := t.seek(nil, false)
	if err != nil {
		return 0, err
	}
	slots := (t.end - dataStart) / t.lay.slotSize
	for visited := int64(1); ; visited++ {
		n += int64(len(p.l.recs))
		if p.l.next == 0 {
			return n, nil
		}
		if visited >= slots {
			return 0, storage.Corruptf(t.path, p.l.next, nil, nil, "leaf chain loops")
		}
		if p.l, err = t.readLeaf(p.l.next); err != nil {
			return 0, err
		}
	}
}

// Verify checks the structural invariants: separator bounds, uniform leaf
// depth, sorted records, and a leaf chain that matches the tree order.
func (t *Tree) Verify() error {
	if t.closed {
		return ErrClosed
	}
	var leaves []int64
	var total int64
	var lastKey []byte
	w := walker{t: t, checkBounds: true, visitLeaf: func(off int64, l *leaf) error {
		for i, rec := range l.recs {
			if (len(leaves) > 0 || i > 0) && bytes.Compare(rec.Key, lastKey) < 0 {
				return storage.Corruptf(t.path, off, rec.Key, nil, "leaf record %d out of order", i)
			}
			lastKey = rec.Key
		}
		leaves = append(leaves, off)
		total += int64(len(l.recs))
		return nil
	}}
	if _, err := w.walk(); err != nil {
		return err
	}

	var prev int64
	off := leaves[0]
	for i, want := range leaves {
		if off != want {
			return storage.Corruptf(t.path, off, nil, nil, "leaf chain diverges at leaf %d: expected %d", i, want)
		}
		l, err := t.readLeaf(off)
		if err != nil {
			return err
		}
		if l.prev != prev {
			return storage.Corruptf(t.path, off, nil, nil, "leaf prev pointer %d, expected %d", l.prev, prev)
		}
		prev, off = off, l.next
	}
	if off != 0 {
		return storage.Corruptf(t.path, prev, nil, nil, "leaf chain continues past the last leaf to %d", off)
	}
	if total != t.count {
		return storage.Corruptf(t.path, 0, nil, nil, "tree holds %d records, header says %d", total, t.count)
	}
	return nil
}

const maxDepth = 64

type walker struct {
	t           *Tree
	checkBounds bool
	visitLeaf   func(off int64, l *leaf) error
	visitNode   func(off int64, nd *node)
	leafDepth   int
}

func (w *walker) walk() (int, error) {
	w.leafDepth = -1
	err := w.visit(dataStart, w.t.root == rootLeaf, 0, nil, nil)
	return w.leafDepth + 1, err
}

func (w *walker) visit(off int64, isLeaf bool, depth int, lo, hi []byte) error {
	t := w.t
	if depth > maxDepth {
		return storage.Corruptf(t.path, off, nil, nil, "tree deeper than %d levels", maxDepth)
	}
	if isLeaf {
		if w.leafDepth < 0 {
			w.leafDepth = depth
		} else if w.leafDepth != depth {
			return storage.Corruptf(t.path, off, nil, nil, "leaf at depth %d, expected %d", depth, w.leafDepth)
		}
		l, err := t.readLeaf(off)
		if err != nil {
			return err
		}
		if w.checkBounds {
			for i, rec := range l.recs {
				if (lo != nil && bytes.Compare(rec.Key, lo) < 0) || (hi != nil && bytes.Compare(rec.Key, hi) > 0) {
					return storage.Corruptf(t.path, off, rec.Key, nil, "leaf record %d outside separator bounds", i)
				}
			}
		}
		return w.visitLeaf(off, l)
	}

	nd, err := t.readNode(off)
	if err != nil {
		return err
	}
	if w.visitNode != nil {
		w.visitNode(off, nd)
	}
	for i, k := range nd.keys {
		if w.checkBounds {
			if i > 0 && bytes.Compare(nd.keys[i-1], k) > 0 {
				return storage.Corruptf(t.path, off, k, nil, "separator %d out of order", i)
			}
			if (lo != nil && bytes.Compare(k, lo) < 0) || (hi != nil && bytes.Compare(k, hi) > 0) {
				return storage.Corruptf(t.path, off, k, nil, "separator %d outside parent bounds", i)
			}
		}
	}
	for i, child := range nd.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = nd.keys[i-1]
		}
		if i < len(nd.keys) {
			chi = nd.keys[i]
		}
		if err := w.visit(child, nd.leafChildren, depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}
