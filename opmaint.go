package idxdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"
)

// maxReindexFailures stops a reindex that fails for this many documents.
const maxReindexFailures = 100

// ReindexIndex rebuilds a secondary index from the id index. Documents
// written meanwhile are indexed by their writers; the rebuild reads each
// document under the id index lock and indexes it before letting go, so it
// never stores a superseded revision.
func (db *DB) ReindexIndex(name string) error {
	di, err := db.secondary("reindex", name)
	if err != nil {
		return err
	}
	if !di.busy.CompareAndSwap(false, true) {
		return precondf("reindex", name, ErrReindexInProgress, "")
	}
	defer di.busy.Store(false)

	start := time.Now()
	spec := di.Spec()
	spec.Built = false
	if err := db.saveSpec(di, spec); err != nil {
		return err
	}
	if err := exclusive(di.idx, func(idx Index) error { return idx.Truncate() }); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if r := db.opt.ReindexRate; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), max(1, int(r)))
	}

	var errs []error
	var docs int
	it := db.idIndex().idx.All()
	for it.Next() {
		if limiter != nil {
			limiter.Wait(context.Background())
		}
		id := it.Record().ID
		// id index first, like every writer
		err := exclusive(db.idIndex().idx, func(ids Index) error {
			return exclusive(di.idx, func(idx Index) error {
				return db.reindexDoc(di, ids, idx, id)
			})
		})
		if err != nil {
			errs = append(errs, asIndexError(name, id, err))
			if len(errs) >= maxReindexFailures {
				errs = append(errs, fmt.Errorf("%s: giving up after %d failures", name, len(errs)))
				break
			}
			continue
		}
		docs++
	}
	if err := it.Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		db.logger.LogAttrs(context.Background(), slog.LevelError, "idxdb: reindex failed", slog.String("idx", name), slog.Int("failures", len(errs)))
		return errors.Join(errs...)
	}
	if err := di.idx.Fsync(); err != nil {
		return err
	}
	spec.Built = true
	if err := db.saveSpec(di, spec); err != nil {
		return err
	}
	db.ReindexedDocs.Add(uint64(docs))
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "idxdb: reindexed", slog.String("idx", name), slog.Int("docs", docs), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// reindexDoc indexes the current revision of id. Documents that are gone or
// being deleted are skipped.
func (db *DB) reindexDoc(di *dbIndex, ids, idx Index, id string) error {
	if db.revs.Deleting(id) {
		return nil
	}
	rec, doc, err := db.readDoc(ids, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	entries, err := di.def.entries(doc)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := db.upsert(di, idx, id, rec.Rev, e, false); err != nil {
			return err
		}
	}
	return nil
}

// Reindex rebuilds every secondary index, one after another.
func (db *DB) Reindex() error {
	if err := db.checkOpen("reindex"); err != nil {
		return err
	}
	var errs []error
	for _, di := range db.secondaries() {
		errs = append(errs, db.ReindexIndex(di.name()))
	}
	return errors.Join(errs...)
}

// CompactIndex rewrites an index and its storage without dead space. The
// index is unavailable to other goroutines while this runs.
func (db *DB) CompactIndex(name string) error {
	di, err := db.index("compact", name)
	if err != nil {
		return err
	}
	if !di.busy.CompareAndSwap(false, true) {
		return precondf("compact", name, ErrReindexInProgress, "")
	}
	defer di.busy.Store(false)

	spec := di.Spec()
	before, _ := di.idx.Stats()
	var obsolete []string
	err = exclusive(di.idx, func(idx Index) error {
		var err error
		obsolete, err = idx.Compact(spec.Generation + 1)
		if err != nil {
			return err
		}
		// nothing may be written to the new files before the catalog
		// points at them
		spec.Generation++
		return db.saveSpec(di, spec)
	})
	if err != nil {
		return err
	}
	if err := removeFiles(obsolete...); err != nil {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: cannot remove old index files", slog.String("idx", name), slog.Any("err", err))
	}
	after, _ := di.idx.Stats()
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "idxdb: compacted", slog.String("idx", name),
		slog.Int64("before", before.TotalSize()), slog.Int64("after", after.TotalSize()))
	return nil
}

// Compact compacts every index.
func (db *DB) Compact() error {
	if err := db.checkOpen("compact"); err != nil {
		return err
	}
	var errs []error
	for _, di := range db.indexes {
		errs = append(errs, db.CompactIndex(di.name()))
	}
	return errors.Join(errs...)
}

// Verify checks the on-disk structures of every index.
func (db *DB) Verify() error {
	if err := db.checkOpen("verify"); err != nil {
		return err
	}
	var errs []error
	for _, di := range db.indexes {
		errs = append(errs, exclusive(di.idx, func(idx Index) error { return idx.Verify() }))
	}
	return errors.Join(errs...)
}

// CompactOffline compacts indexes of a database that is not open anywhere,
// without needing index definitions. No names means every index.
func CompactOffline(dir string, names ...string) error {
	specs, err := ReadCatalog(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, spec := range specs {
		if len(names) > 0 && !slices.Contains(names, spec.Name) {
			continue
		}
		errs = append(errs, compactOffline(dir, spec))
	}
	return errors.Join(errs...)
}

func compactOffline(dir string, spec IndexSpec) error {
	idx, err := openIndex(dir, spec, indexOptions{})
	if err != nil {
		return err
	}
	if idx.WasDirty() || !spec.Built {
		idx.Close()
		return precondf("compact", spec.Name, nil, "index needs a rebuild; open the database first")
	}
	obsolete, err := idx.Compact(spec.Generation + 1)
	if err != nil {
		idx.Close()
		return err
	}
	spec.Generation++
	if err := writeCatalogEntry(dir, spec, false); err != nil {
		idx.Close()
		return err
	}
	if err := idx.Close(); err != nil {
		return err
	}
	return removeFiles(obsolete...)
}
