package idxdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// extractAll derives the entries of doc for every secondary index. Any
// failure is the caller's fault and is reported before anything is written.
func (db *DB) extractAll(op string, doc Doc) ([][]keyedEntry, error) {
	sec := db.secondaries()
	result := make([][]keyedEntry, len(sec))
	for i, di := range sec {
		entries, err := di.def.entries(doc)
		if err != nil {
			if errors.Is(err, ErrPreconditions) {
				return nil, err
			}
			return nil, precondf(op, di.name(), err, "cannot extract keys of %s", doc.ID())
		}
		result[i] = entries
	}
	return result, nil
}

// oldEntries derives the entries that earlier revisions may have left in
// di. Documents whose keys cannot be extracted are skipped and reported.
func (db *DB) oldEntries(di *dbIndex, docs []Doc) ([]keyedEntry, error) {
	var result []keyedEntry
	var errs []error
	for _, doc := range docs {
		entries, err := di.def.entries(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot extract keys of %s rev %s: %w", doc.ID(), doc.Rev(), err))
			continue
		}
		for _, e := range entries {
			if !containsKey(result, e.key) {
				result = append(result, e)
			}
		}
	}
	return result, errors.Join(errs...)
}

// propagate brings every secondary index from the entries of olds to
// newEntries, in index order. It stops as soon as the claim cs no longer
// owns id:
// the newer write inherits olds and leaves the indexes at its own revision.
func (db *DB) propagate(id string, rev Rev, cs claimSeq, olds []Doc, newEntries [][]keyedEntry) error {
	var failures []*IndexError
	for i, di := range db.secondaries() {
		old, err := db.oldEntries(di, olds)
		if err != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: stale entries might remain, reindex might be required", slog.String("idx", di.name()), slog.String("id", id), slog.Any("err", err))
		}
		var stale bool
		err = exclusive(di.idx, func(idx Index) error {
			if !db.revs.Owns(id, cs) {
				stale = true
				return nil
			}
			return db.applyEntries(di, idx, id, rev, old, newEntries[i])
		})
		if stale {
			db.StaleAbortCount.Add(1)
			if db.verbose {
				db.logger.LogAttrs(context.Background(), slog.LevelDebug, "idxdb: STALE", slog.String("id", id), slog.String("rev", rev.String()), slog.String("idx", di.name()))
			}
			break
		}
		if err != nil {
			failures = append(failures, asIndexError(di.name(), id, err))
		}
	}
	return db.propagationResult(id, rev, failures)
}

func (db *DB) propagationResult(id string, rev Rev, failures []*IndexError) error {
	if len(failures) == 0 {
		return nil
	}
	db.PropagationFailures.Add(uint64(len(failures)))
	perr := &PropagationError{ID: id, Rev: rev, Failures: failures}
	db.logger.LogAttrs(context.Background(), slog.LevelError, "idxdb: propagation failed, reindex required", slog.String("id", id), slog.Any("idx", perr.Indexes()), slog.Any("err", perr))
	return perr
}

func asIndexError(name, id string, err error) *IndexError {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie
	}
	return indexErrf(name, nil, id, err, "")
}

// applyEntries removes entries of old that new no longer has and upserts
// the entries of new.
func (db *DB) applyEntries(di *dbIndex, idx Index, id string, rev Rev, old, new []keyedEntry) error {
	for _, e := range old {
		if containsKey(new, e.key) {
			continue
		}
		if err := idx.Delete(e.key, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	for _, e := range new {
		if err := db.upsert(di, idx, id, rev, e, containsKey(old, e.key)); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) upsert(di *dbIndex, idx Index, id string, rev Rev, e keyedEntry, expected bool) error {
	var value []byte
	if len(e.value) > 0 {
		var err error
		value, err = encodeValue(e.value)
		if err != nil {
			return err
		}
	}
	rec := IndexRecord{Key: e.key, ID: id, Rev: rev}
	_, err := idx.Find(e.key, id)
	if errors.Is(err, ErrNotFound) {
		if expected {
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: entry missing, reindex might be required", slog.String("idx", di.name()), slog.String("id", id), hexAttr("key", e.key))
		}
		return idx.Insert(rec, value)
	} else if err != nil {
		return err
	}
	return idx.Update(rec, value)
}

func containsKey(entries []keyedEntry, key []byte) bool {
	for _, e := range entries {
		if bytes.Equal(e.key, key) {
			return true
		}
	}
	return false
}

// readDoc returns the id index record of id and the stored document.
func (db *DB) readDoc(idx Index, id string) (IndexRecord, Doc, error) {
	rec, err := idx.Get([]byte(id))
	if err != nil {
		return IndexRecord{}, nil, err
	}
	data, err := idx.ReadValue(rec)
	if err != nil {
		return rec, nil, err
	}
	doc, err := decodeDoc(data)
	return rec, doc, err
}

// loadDoc reads a document through the id index's lock.
func (db *DB) loadDoc(id string) (rec IndexRecord, doc Doc, err error) {
	err = exclusive(db.idIndex().idx, func(idx Index) error {
		rec, doc, err = db.readDoc(idx, id)
		return err
	})
	return
}

func notFound(id string) error {
	return indexErrf(IDIndexName, nil, id, ErrNotFound, "")
}

func revConflict(id string, have, got Rev, msg string) error {
	return indexErrf(IDIndexName, nil, id, ErrRevisionConflict, "current %v, given %v%s", have, got, msg)
}
