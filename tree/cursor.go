package tree

import "bytes"

// Range selects keys between two bounds. A nil bound is open. Prefix, when
// set, additionally limits the range to keys starting with it.
type Range struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
}

func All() Range { return Range{} }
func Exact(k []byte) Range { return Range{Lower: k, Upper: k, LowerInc: true, UpperInc: true} }
func Prefixed(p []byte) Range { return Range{Prefix: p} }
func AtLeast(l []byte) Range { return Range{Lower: l, LowerInc: true} }
func Between(l, u []byte) Range { return Range{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func (r Range) IsExact() bool { return r.Lower != nil && r.LowerInc && r.UpperInc && bytes.Equal(r.Lower, r.Upper) }
func (r Range) Empty() bool { return r.Lower != nil && r.Upper != nil && r.emptyBounds() }

func (r Range) emptyBounds() bool {
	c := bytes.Compare(r.Lower, r.Upper)
	return c > 0 || (c == 0 && !(r.LowerInc && r.UpperInc))
}

// Start returns the key iteration begins at, and whether records equal to it
// must be skipped. A nil key means the first record.
func (r *Range) Start() (key []byte, after bool) {
	key, after = r.Lower, !r.LowerInc
	if r.Prefix != nil && (key == nil || bytes.Compare(key, r.Prefix) < 0) {
		key, after = r.Prefix, false
	}
	return
}

// Beyond reports whether key, and every key after it, is outside the range.
func (r *Range) Beyond(key []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(key, r.Prefix) {
		return true
	}
	if r.Upper != nil {
		c := bytes.Compare(key, r.Upper)
		if c > 0 || (c == 0 && !r.UpperInc) {
			return true
		}
	}
	return false
}

// Cursor iterates over a range of records in key order.
//
// A cursor does not pin anything: the caller may modify the tree between
// calls to Next. When that happens the cursor re-seeks past the last record
// it returned, so records are never returned twice and records inserted
// behind the cursor are not seen. If the last returned record itself was
// deleted, the remaining records sharing its key are skipped.
type Cursor struct {
	t       *Tree
	r       Range
	p       position
	gen     uint64
	last    Record
	started bool
	moved   bool
	done    bool
	rec     Record
	err     error
}

func (t *Tree) Scan(r Range) *Cursor {
	c := &Cursor{t: t, r: r}
	if r.Empty() {
		c.done = true
	}
	return c
}

// Rebind moves the cursor over to t, which must hold the records of the tree
// being scanned, e.g. its compacted copy. The next record is the one after
// the last returned record.
func (c *Cursor) Rebind(t *Tree) {
	if c.t != t {
		c.t, c.moved = t, true
	}
}

func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if err := c.advance(); err != nil {
		c.err = err
		c.done = true
		return false
	}
	return !c.done
}

func (c *Cursor) advance() error {
	t := c.t
	if t.closed {
		return ErrClosed
	}
	var err error
	switch {
	case !c.started:
		c.started = true
		key, after := c.r.Start()
		c.p, err = t.seek(key, after)
	case c.moved || c.gen != t.gen:
		c.p, err = c.reseek()
	}
	c.moved = false
	if err != nil {
		return err
	}
	c.gen = t.gen

	ok, err := t.settle(&c.p)
	if err != nil {
		return err
	}
	if !ok {
		c.done = true
		return nil
	}
	rec := c.p.l.recs[c.p.pos]
	if c.r.Beyond(rec.Key) {
		c.done = true
		return nil
	}
	c.p.pos++
	c.rec, c.last = rec, rec
	return nil
}

// reseek finds the spot right after the last returned record.
func (c *Cursor) reseek() (position, error) {
	t := c.t
	p, err := t.seek(c.last.Key, false)
	if err != nil {
		return p, err
	}
	for {
		ok, err := t.settle(&p)
		if err != nil || !ok {
			return p, err
		}
		rec := &p.l.recs[p.pos]
		if !bytes.Equal(rec.Key, c.last.Key) {
			return p, nil
		}
		p.pos++
		if bytes.Equal(rec.ID, c.last.ID) {
			return p, nil
		}
	}
}

func (c *Cursor) Record() Record {
	return c.rec
}

func (c *Cursor) Err() error {
	return c.err
}

// Collect drains the cursor.
func (c *Cursor) Collect() ([]Record, error) {
	var recs []Record
	for c.Next() {
		recs = append(recs, c.Record())
	}
	return recs, c.Err()
}
