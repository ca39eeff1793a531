package idxdb

import (
	"context"
	"errors"
	"log/slog"
)

// Delete removes a document. doc must carry the id and the current
// revision. Secondary entries are removed first and the id entry last, so
// once the id index no longer has the document no other index needs
// cleaning.
func (db *DB) Delete(doc Doc) error {
	if err := db.checkOpen("delete"); err != nil {
		return err
	}
	id, err := db.docID("delete", doc, false)
	if err != nil {
		return err
	}
	rev, err := docRev("delete", doc)
	if err != nil {
		return err
	}

	seq, err := db.journal.begin(opDelete, id, rev)
	if err != nil {
		return err
	}
	defer db.endIntent(seq)

	var olds []Doc
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
		cs, olds = db.revs.ClaimDelete(id, rev, old)
		return nil
	})
	if err != nil {
		return err
	}

	var failures []*IndexError
	for _, di := range db.secondaries() {
		entries, err := db.oldEntries(di, olds)
		if err != nil {
			failures = append(failures, indexErrf(di.name(), nil, id, err, ""))
		}
		err = exclusive(di.idx, func(idx Index) error {
			for _, e := range entries {
				if err := idx.Delete(e.key, id); err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
			}
			return nil
		})
		if err != nil {
			failures = append(failures, asIndexError(di.name(), id, err))
		}
	}

	err = exclusive(db.idIndex().idx, func(idx Index) error {
		defer db.revs.ReleaseIf(id, cs)
		return idx.Delete([]byte(id), id)
	})
	if err != nil {
		return err
	}
	db.DeleteCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "idxdb: DELETE", slog.String("id", id), slog.String("rev", rev.String()))
	}
	return db.propagationResult(id, rev, failures)
}
