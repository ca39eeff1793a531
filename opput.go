package idxdb

import (
	"context"
	"errors"
	"log/slog"
	"maps"
)

// Insert stores a new document, assigning an id if it has none. On success
// doc gets the id and revision too. A non-nil *PropagationError means the
// document was stored but some secondary indexes need a reindex.
func (db *DB) Insert(doc Doc) (Meta, error) {
	if err := db.checkOpen("insert"); err != nil {
		return Meta{}, err
	}
	if doc == nil {
		return Meta{}, precondf("insert", "", nil, "nil document")
	}
	if _, ok := doc[FieldRev]; ok {
		return Meta{}, precondf("insert", "", nil, "new document must not have %s", FieldRev)
	}
	id, err := db.docID("insert", doc, true)
	if err != nil {
		return Meta{}, err
	}
	rev := firstRev()
	stored := maps.Clone(doc)
	stored[FieldID], stored[FieldRev] = id, rev.String()
	entries, err := db.extractAll("insert", stored)
	if err != nil {
		return Meta{}, err
	}
	data, err := encodeDoc(stored)
	if err != nil {
		return Meta{}, err
	}

	seq, err := db.journal.begin(opInsert, id, rev)
	if err != nil {
		return Meta{}, err
	}
	var cs claimSeq
	err = exclusive(db.idIndex().idx, func(idx Index) error {
		err := idx.Insert(IndexRecord{Key: []byte(id), ID: id, Rev: rev}, data)
		if errors.Is(err, ErrDuplicateKey) {
			return indexErrf(IDIndexName, nil, id, ErrDuplicateID, "")
		} else if err != nil {
			return err
		}
		// a fresh document has no earlier claims, so this always succeeds
		cs, _, _ = db.revs.TryClaim(id, rev, nil)
		return nil
	})
	if err != nil {
		db.endIntent(seq)
		return Meta{}, err
	}
	db.InsertCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "idxdb: INSERT", slog.String("id", id), slog.String("rev", rev.String()))
	}

	perr := db.propagate(id, rev, cs, nil, entries)
	db.revs.ReleaseIf(id, cs)
	db.endIntent(seq)

	doc[FieldID], doc[FieldRev] = id, rev.String()
	return Meta{ID: id, Rev: rev.String()}, perr
}

// Update replaces a document. doc must carry the id and the current
// revision; a different revision fails with ErrRevisionConflict and changes
// nothing. On success doc gets the new revision.
func (db *DB) Update(doc Doc) (Meta, error) {
	if err := db.checkOpen("update"); err != nil {
		return Meta{}, err
	}
	id, err := db.docID("update", doc, false)
	if err != nil {
		return Meta{}, err
	}
	rev, err := docRev("update", doc)
	if err != nil {
		return Meta{}, err
	}
	stored := maps.Clone(doc)
	entries, err := db.extractAll("update", stored)
	if err != nil {
		return Meta{}, err
	}

	seq, err := db.journal.begin(opUpdate, id, rev)
	if err != nil {
		return Meta{}, err
	}
	var olds []Doc
	var newRev Rev
	var cs claimSeq
	err = exclusive(db.idIndex().idx, func(idx Index) error {
		cur, old, err := db.readDoc(idx, id)
		if errors.Is(err, ErrNotFound) {
			return notFound(id)
		} else if err != nil {
			return err
		}
		if cur.Rev != rev {
			return revConflict(id, cur.Rev, rev, "")
		}
		if db.revs.Deleting(id) {
			return revConflict(id, cur.Rev, rev, ", delete in progress")
		}
		newRev = cur.Rev.next()
		stored[FieldRev] = newRev.String()
		data, err := encodeDoc(stored)
		if err != nil {
			return err
		}
		if err := idx.Update(IndexRecord{Key: []byte(id), ID: id, Rev: newRev}, data); err != nil {
			return err
		}
		// newRev outranks every earlier claim and no delete is running,
		// both guaranteed by holding the id index
		cs, olds, _ = db.revs.TryClaim(id, newRev, old)
		return nil
	})
	if err != nil {
		db.endIntent(seq)
		return Meta{}, err
	}
	db.UpdateCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "idxdb: UPDATE", slog.String("id", id), slog.String("rev", newRev.String()), slog.String("prev", rev.String()))
	}

	perr := db.propagate(id, newRev, cs, olds, entries)
	db.revs.ReleaseIf(id, cs)
	db.endIntent(seq)

	doc[FieldRev] = newRev.String()
	return Meta{ID: id, Rev: newRev.String()}, perr
}

func (db *DB) endIntent(seq uint64) {
	if err := db.journal.end(seq); err != nil {
		db.logger.LogAttrs(context.Background(), slog.LevelError, "idxdb: journal write failed", slog.Any("err", err))
	}
}
