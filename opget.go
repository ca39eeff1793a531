package idxdb

import "errors"

// ReadOptions controls what lookups return.
type ReadOptions struct {
	// Limit caps the number of results; 0 means no limit.
	Limit int
	// Offset skips this many index records first.
	Offset int
	// WithDoc adds the full document under FieldDoc to secondary index
	// results.
	WithDoc bool
	// SkipStorage returns only what the index itself holds: the id, the
	// revision and, for secondary indexes, the key.
	SkipStorage bool
}

// Get returns the document with the given id.
func (db *DB) Get(id string) (Doc, error) {
	return db.GetWith(IDIndexName, id, ReadOptions{})
}

// GetWith returns the first record of index with the given key. For the id
// index that is the document itself. For a secondary index it is a Doc with
// FieldID, FieldRev, FieldKey (raw key bytes) and the fields of the entry
// value, plus FieldDoc if opt.WithDoc is set.
func (db *DB) GetWith(index string, key any, opt ReadOptions) (Doc, error) {
	opt.Limit, opt.Offset = 1, 0
	r := db.GetMany(index, key, opt)
	defer r.Close()
	if r.Next() {
		return r.Doc(), nil
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return nil, indexErrf(index, r.key, "", ErrNotFound, "")
}

// GetMany returns all records of index with the given key.
func (db *DB) GetMany(index string, key any, opt ReadOptions) *Results {
	di, err := db.index("get", index)
	if err != nil {
		return &Results{err: err, done: true}
	}
	k, err := di.def.Key(key)
	if err != nil {
		return &Results{err: err, done: true}
	}
	r := db.query(di, di.idx.GetMany(k), opt)
	r.key = k
	return r
}

// GetRange returns records of index with keys between lower and upper,
// inclusive. A nil bound is open.
func (db *DB) GetRange(index string, lower, upper any, opt ReadOptions) *Results {
	di, err := db.index("get_range", index)
	if err != nil {
		return &Results{err: err, done: true}
	}
	if di.def.spec.HashedKeys {
		return &Results{err: precondf("get_range", index, nil, "index has hashed keys"), done: true}
	}
	r := KeyRange{LowerInc: true, UpperInc: true}
	if lower != nil {
		if r.Lower, err = di.def.Key(lower); err != nil {
			return &Results{err: err, done: true}
		}
	}
	if upper != nil {
		if r.Upper, err = di.def.Key(upper); err != nil {
			return &Results{err: err, done: true}
		}
	}
	return db.query(di, di.idx.Range(r), opt)
}

// All returns every record of index in key order.
func (db *DB) All(index string, opt ReadOptions) *Results {
	di, err := db.index("all", index)
	if err != nil {
		return &Results{err: err, done: true}
	}
	return db.query(di, di.idx.All(), opt)
}

// Count returns the number of records in index.
func (db *DB) Count(index string) (int64, error) {
	di, err := db.index("count", index)
	if err != nil {
		return 0, err
	}
	return di.idx.Count(), nil
}

func (db *DB) query(di *dbIndex, it Iterator, opt ReadOptions) *Results {
	return &Results{db: db, di: di, it: it, opt: opt}
}

// Results iterates over lookup results. Each call to Next reads one record,
// so other goroutines may modify the database in between; records deleted
// meanwhile are skipped.
type Results struct {
	db      *DB
	di      *dbIndex
	it      Iterator
	opt     ReadOptions
	key     []byte
	skipped int
	n       int
	doc     Doc
	err     error
	done    bool
}

func (r *Results) Next() bool {
	for !r.done {
		if r.opt.Limit > 0 && r.n >= r.opt.Limit {
			break
		}
		if !r.it.Next() {
			r.err = r.it.Err()
			break
		}
		if r.skipped < r.opt.Offset {
			r.skipped++
			continue
		}
		doc, ok, err := r.db.resultDoc(r.di, r.it.Record(), r.opt)
		if err != nil {
			r.err = err
			break
		}
		if ok {
			r.n++
			r.doc = doc
			return true
		}
	}
	r.done, r.doc = true, nil
	return false
}

func (r *Results) Doc() Doc   { return r.doc }
func (r *Results) Err() error { return r.err }

func (r *Results) Close() {
	r.done = true
}

// Collect drains the results.
func (r *Results) Collect() ([]Doc, error) {
	defer r.Close()
	var docs []Doc
	for r.Next() {
		docs = append(docs, r.Doc())
	}
	return docs, r.Err()
}

// resultDoc builds the result for rec. ok is false when rec was removed
// after the iterator returned it.
func (db *DB) resultDoc(di *dbIndex, rec IndexRecord, opt ReadOptions) (Doc, bool, error) {
	isID := di == db.idIndex()
	if opt.SkipStorage && (isID || !opt.WithDoc) {
		d := Doc{FieldID: rec.ID, FieldRev: rec.Rev.String()}
		if !isID {
			d[FieldKey] = rec.Key
		}
		return d, true, nil
	}

	var value []byte
	if !opt.SkipStorage {
		// the value pointer is only valid together with the record it was
		// read from, so look both up under one lock
		err := exclusive(di.idx, func(idx Index) error {
			cur, err := idx.Find(rec.Key, rec.ID)
			if err != nil {
				return err
			}
			rec = cur
			value, err = idx.ReadValue(cur)
			return err
		})
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		} else if err != nil {
			return nil, false, err
		}
	}
	if isID {
		doc, err := decodeDoc(value)
		return doc, err == nil, err
	}

	d := Doc{FieldID: rec.ID, FieldRev: rec.Rev.String(), FieldKey: rec.Key}
	if value != nil {
		var fields map[string]any
		if err := decodeValue(value, &fields); err != nil {
			return nil, false, err
		}
		for k, v := range fields {
			if _, reserved := d[k]; !reserved {
				d[k] = v
			}
		}
	}
	if opt.WithDoc {
		_, doc, err := db.loadDoc(rec.ID)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		} else if err != nil {
			return nil, false, err
		}
		d[FieldDoc] = doc
	}
	return d, true, nil
}
