package idxdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// DB is an embedded document store with a primary id index and any number
// of secondary indexes. A DB is not safe for concurrent use; see SafeDB.
type DB struct {
	path    string
	opt     Options
	logger  *slog.Logger
	verbose bool
	idSize  int

	defs    []*IndexDef
	indexes []*dbIndex
	byName  map[string]*dbIndex
	revs    *revTracker
	journal *intentLog
	opened  bool

	// wrap decorates every index the database opens.
	wrap func(idx Index) Index

	InsertCount         atomic.Uint64
	UpdateCount         atomic.Uint64
	DeleteCount         atomic.Uint64
	StaleAbortCount     atomic.Uint64
	PropagationFailures atomic.Uint64
	ReindexedDocs       atomic.Uint64
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// IDSize is the maximum document id length for new databases.
	IDSize int
	// IDIndex overrides the primary index definition for new databases.
	// Its name must be "id".
	IDIndex *IndexDef

	DisableJournal bool
	SyncJournal    bool
	JournalMaxSize int64

	// ReindexRate limits reindexing to this many documents per second.
	ReindexRate float64

	// NoSync skips fdatasync calls. Only meant for tests.
	NoSync bool
}

const DefaultIDSize = 32

// dbIndex is an open index together with its definition and catalog entry.
type dbIndex struct {
	def  *IndexDef
	idx  Index
	busy atomic.Bool

	specMu sync.Mutex
	spec   IndexSpec
}

func (di *dbIndex) Spec() IndexSpec {
	di.specMu.Lock()
	defer di.specMu.Unlock()
	return di.spec
}

func (di *dbIndex) setSpec(spec IndexSpec) {
	di.specMu.Lock()
	defer di.specMu.Unlock()
	di.spec = spec
}

func (di *dbIndex) name() string {
	return di.def.spec.Name
}

// New prepares a database at path. Call Create or Open before use.
func New(path string, opt Options) *DB {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.IDSize == 0 {
		opt.IDSize = DefaultIDSize
	}
	return &DB{
		path:    path,
		opt:     opt,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		idSize:  opt.IDSize,
		revs:    newRevTracker(),
		wrap:    func(idx Index) Index { return idx },
	}
}

func (db *DB) Path() string { return db.path }
func (db *DB) IsOpen() bool { return db.opened }

// Exists reports whether a database has been created at the path.
func (db *DB) Exists() bool {
	return catalogExists(db.path)
}

// SetIndexes registers the secondary index definitions. Open matches them
// to the catalog by name; indexes that are new get built.
func (db *DB) SetIndexes(defs ...*IndexDef) error {
	if db.opened {
		return precondf("set_indexes", "", ErrAlreadyOpen, "cannot change definitions of an open database")
	}
	seen := make(map[string]bool)
	for _, def := range defs {
		if def.spec.Name == IDIndexName {
			return precondf("set_indexes", def.spec.Name, nil, "use Options.IDIndex for the primary index")
		}
		if seen[def.spec.Name] {
			return precondf("set_indexes", def.spec.Name, ErrIndexExists, "defined twice")
		}
		seen[def.spec.Name] = true
	}
	db.defs = defs
	return nil
}

func (db *DB) checkOpen(op string) error {
	if !db.opened {
		return fmt.Errorf("%s: %w", op, ErrNotOpen)
	}
	return nil
}

func (db *DB) idIndex() *dbIndex {
	return db.indexes[0]
}

func (db *DB) secondaries() []*dbIndex {
	return db.indexes[1:]
}

func (db *DB) index(op, name string) (*dbIndex, error) {
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	di := db.byName[name]
	if di == nil {
		return nil, precondf(op, name, ErrIndexNotFound, "no such index")
	}
	return di, nil
}

func (db *DB) secondary(op, name string) (*dbIndex, error) {
	if name == IDIndexName {
		return nil, precondf(op, name, nil, "not allowed on the id index")
	}
	return db.index(op, name)
}

func (db *DB) idDef() (*IndexDef, error) {
	def := db.opt.IDIndex
	if def == nil {
		def = IDIndex()
	} else {
		copied := *def
		def = &copied
	}
	if def.spec.Name != IDIndexName {
		return nil, precondf("create", def.spec.Name, nil, "primary index must be named %q", IDIndexName)
	}
	if def.spec.HashedKeys {
		return nil, precondf("create", def.spec.Name, nil, "primary index cannot hash keys")
	}
	def.spec.Unique = true
	def.spec.IDSize = db.idSize
	def.spec.KeySize = db.idSize
	def.extract = nil
	return def, nil
}

// Create makes a new database with the registered indexes.
func (db *DB) Create() (err error) {
	if db.opened {
		return precondf("create", "", ErrAlreadyOpen, "%s", db.path)
	}
	if db.Exists() {
		return precondf("create", "", ErrExists, "%s", db.path)
	}
	if err := os.MkdirAll(filepath.Join(db.path, catalogDir), 0o777); err != nil {
		return err
	}
	removeFiles(filepath.Join(db.path, journalFile))
	db.byName = make(map[string]*dbIndex)
	defer func() {
		if err != nil {
			db.closeAll()
		}
	}()

	def, err := db.idDef()
	if err != nil {
		return err
	}
	spec := def.spec
	spec.Ordinal, spec.Built = 0, true
	if err := db.createIndex(def, spec); err != nil {
		return err
	}
	for i, def := range db.defs {
		spec := def.spec
		spec.IDSize = db.idSize
		spec.Ordinal, spec.Built = i+1, true
		if err := db.createIndex(def, spec); err != nil {
			return err
		}
	}
	if err := db.openJournal(); err != nil {
		return err
	}
	db.opened = true
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "idxdb: created", slog.String("path", db.path), slog.Int("indexes", len(db.indexes)))
	return nil
}

// createIndex creates the files and the catalog entry of an index and
// appends it to the index list.
func (db *DB) createIndex(def *IndexDef, spec IndexSpec) error {
	if err := spec.validate(); err != nil {
		return precondf("create_index", spec.Name, err, "invalid definition")
	}
	removeFiles(indexFilesSlice(db.path, spec)...)
	idx, err := createIndex(db.path, spec, db.indexOptions())
	if err != nil {
		return err
	}
	if err := writeCatalogEntry(db.path, spec, db.opt.NoSync); err != nil {
		idx.Destroy()
		return err
	}
	db.attach(def, spec, idx)
	return nil
}

func (db *DB) attach(def *IndexDef, spec IndexSpec, idx Index) *dbIndex {
	di := &dbIndex{def: def, idx: db.wrap(idx), spec: spec}
	db.indexes = append(db.indexes, di)
	db.byName[spec.Name] = di
	return di
}

func (db *DB) indexOptions() indexOptions {
	return indexOptions{NoSync: db.opt.NoSync}
}

func (db *DB) openJournal() error {
	if db.opt.DisableJournal {
		return nil
	}
	l, pending, err := openIntentLog(filepath.Join(db.path, journalFile), &db.opt)
	if err != nil {
		return err
	}
	db.journal = l
	if len(pending) > 0 {
		return &pendingIntentsError{pending}
	}
	return nil
}

type pendingIntentsError struct {
	intents []intent
}

func (e *pendingIntentsError) Error() string {
	return fmt.Sprintf("%d unfinished propagations", len(e.intents))
}

// Open opens an existing database. Indexes that were not closed cleanly,
// whose files are missing or corrupted, whose definition changed, or that
// were interrupted mid-propagation are rebuilt from the id index.
func (db *DB) Open() (err error) {
	if db.opened {
		return precondf("open", "", ErrAlreadyOpen, "%s", db.path)
	}
	specs, err := ReadCatalog(db.path)
	if errors.Is(err, os.ErrNotExist) {
		return precondf("open", "", ErrNotFound, "no database at %s", db.path)
	} else if err != nil {
		return err
	}
	db.byName = make(map[string]*dbIndex)
	defer func() {
		if err != nil {
			db.closeAll()
		}
	}()

	idSpec := specs[0]
	db.idSize = idSpec.IDSize
	idDef, err := db.idDef()
	if err != nil {
		return err
	}
	if db.opt.IDIndex != nil && !idDef.spec.sameLayout(idSpec) {
		return precondf("open", IDIndexName, nil, "catalog has %v, definition has %v", idSpec, idDef.spec)
	}
	idDef.spec = idSpec
	idx, err := openIndex(db.path, idSpec, db.indexOptions())
	if err != nil {
		return err
	}
	if idx.WasDirty() {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: id index was not closed cleanly, verifying", slog.String("path", db.path))
		if err := idx.Verify(); err != nil {
			idx.Close()
			return fmt.Errorf("id index failed verification: %w", err)
		}
	}
	db.attach(idDef, idSpec, idx)

	defs := make(map[string]*IndexDef)
	for _, def := range db.defs {
		defs[def.spec.Name] = def
	}
	var rebuild []string
	nextOrdinal := 1
	for _, spec := range specs[1:] {
		nextOrdinal = max(nextOrdinal, spec.Ordinal+1)
		def := defs[spec.Name]
		if def == nil {
			return precondf("open", spec.Name, ErrIndexNotFound, "index is in the catalog but has no definition")
		}
		delete(defs, spec.Name)
		di, fresh, err := db.openSecondary(def, spec)
		if err != nil {
			return err
		}
		if fresh || !di.spec.Built || di.idx.WasDirty() {
			rebuild = append(rebuild, spec.Name)
		}
	}
	for _, def := range db.defs {
		if defs[def.spec.Name] == nil {
			continue
		}
		spec := def.spec
		spec.IDSize = db.idSize
		spec.Ordinal, spec.Built = nextOrdinal, false
		nextOrdinal++
		if err := db.createIndex(def, spec); err != nil {
			return err
		}
		db.logger.LogAttrs(context.Background(), slog.LevelInfo, "idxdb: new index", slog.String("idx", spec.Name))
		rebuild = append(rebuild, spec.Name)
	}

	var recovered bool
	if err := db.openJournal(); err != nil {
		var pe *pendingIntentsError
		if !errors.As(err, &pe) {
			return err
		}
		for _, in := range pe.intents {
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: unfinished propagation", slog.String("op", string(in.Op)), slog.String("id", in.ID), slog.String("rev", in.Rev.String()))
		}
		recovered = true
		rebuild = rebuild[:0]
		for _, di := range db.secondaries() {
			rebuild = append(rebuild, di.name())
		}
	}

	db.opened = true
	for _, name := range rebuild {
		if err := db.ReindexIndex(name); err != nil {
			db.opened = false
			return fmt.Errorf("rebuilding %s: %w", name, err)
		}
	}
	if recovered {
		if err := db.journal.reset(); err != nil {
			db.opened = false
			return err
		}
	}
	return nil
}

// openSecondary opens a catalogued index, recreating its files when they
// are unusable or when the definition changed incompatibly. fresh reports
// that the index is empty and needs a rebuild.
func (db *DB) openSecondary(def *IndexDef, spec IndexSpec) (di *dbIndex, fresh bool, err error) {
	want := def.spec
	want.IDSize = db.idSize
	if !want.sameLayout(spec) || want.Version != spec.Version {
		db.logger.LogAttrs(context.Background(), slog.LevelInfo, "idxdb: index definition changed", slog.String("idx", spec.Name), slog.String("old", spec.String()), slog.String("new", want.String()))
		return db.recreateIndex(def, spec, want)
	}
	spec.Compression = want.Compression

	idx, err := openIndex(db.path, spec, db.indexOptions())
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrCorruption) {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: index unusable, recreating", slog.String("idx", spec.Name), slog.Any("err", err))
		return db.recreateIndex(def, spec, want)
	} else if err != nil {
		return nil, false, err
	}
	return db.attach(def, spec, idx), false, nil
}

func (db *DB) recreateIndex(def *IndexDef, old, spec IndexSpec) (*dbIndex, bool, error) {
	if err := keepLastCatalogEntry(db.path, old, db.opt.NoSync); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	removeFiles(indexFilesSlice(db.path, old)...)
	spec.Ordinal, spec.Generation, spec.Built = old.Ordinal, 0, false
	if err := db.createIndex(def, spec); err != nil {
		return nil, false, err
	}
	return db.indexes[len(db.indexes)-1], true, nil
}

func (db *DB) closeAll() error {
	var errs []error
	for _, di := range db.indexes {
		if err := di.idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", di.name(), err))
		}
	}
	if err := db.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	db.indexes, db.byName, db.journal = nil, nil, nil
	return errors.Join(errs...)
}

// Close makes every index durable and closes it.
func (db *DB) Close() error {
	if !db.opened {
		return nil
	}
	db.opened = false
	return db.closeAll()
}

// Destroy closes the database and removes all of its files.
func (db *DB) Destroy() error {
	if db.opened {
		db.Close()
	}
	return os.RemoveAll(db.path)
}

// Flush hands buffered writes of every index to the operating system.
func (db *DB) Flush() error {
	if err := db.checkOpen("flush"); err != nil {
		return err
	}
	var errs []error
	for _, di := range db.indexes {
		errs = append(errs, di.idx.Flush())
	}
	return errors.Join(errs...)
}

// Fsync makes every index and the journal durable.
func (db *DB) Fsync() error {
	if err := db.checkOpen("fsync"); err != nil {
		return err
	}
	var errs []error
	for _, di := range db.indexes {
		errs = append(errs, di.idx.Fsync())
	}
	errs = append(errs, db.journal.Sync())
	return errors.Join(errs...)
}

// Indexes returns the catalog entries of all indexes in propagation order.
func (db *DB) Indexes() []IndexSpec {
	specs := make([]IndexSpec, len(db.indexes))
	for i, di := range db.indexes {
		specs[i] = di.Spec()
	}
	return specs
}

// AddIndex registers and creates a new secondary index on an open database,
// building it from existing documents.
func (db *DB) AddIndex(def *IndexDef) error {
	if err := db.checkOpen("add_index"); err != nil {
		return err
	}
	name := def.spec.Name
	if name == IDIndexName || db.byName[name] != nil {
		return precondf("add_index", name, ErrIndexExists, "")
	}
	spec := def.spec
	spec.IDSize = db.idSize
	for _, di := range db.indexes {
		spec.Ordinal = max(spec.Ordinal, di.Spec().Ordinal+1)
	}
	spec.Built = db.idIndex().idx.Count() == 0
	if err := db.createIndex(def, spec); err != nil {
		return err
	}
	db.defs = append(db.defs, def)
	if spec.Built {
		return nil
	}
	return db.ReindexIndex(name)
}

// EditIndex replaces the definition of an existing secondary index. The
// previous catalog entry is kept with a _last suffix. Layout changes
// recreate the index files; those and reindex=true rebuild the index.
func (db *DB) EditIndex(def *IndexDef, reindex bool) error {
	name := def.spec.Name
	di, err := db.secondary("edit_index", name)
	if err != nil {
		return err
	}
	old := di.Spec()
	spec := def.spec
	spec.IDSize = db.idSize
	if err := spec.validate(); err != nil {
		return precondf("edit_index", name, err, "invalid definition")
	}
	if err := keepLastCatalogEntry(db.path, old, db.opt.NoSync); err != nil {
		return err
	}

	pos := db.position(di)
	if !spec.sameLayout(old) {
		// once destroyed, the old index is gone for good; its definition
		// survives only in the _last entry
		if err := di.idx.Destroy(); err != nil {
			db.detach(di)
			return errors.Join(err, removeCatalogEntry(db.path, old))
		}
		spec.Ordinal, spec.Built = old.Ordinal, false
		idx, err := createIndex(db.path, spec, db.indexOptions())
		if err != nil {
			db.detach(di)
			return errors.Join(fmt.Errorf("%s: recreate: %w", name, err), removeCatalogEntry(db.path, old))
		}
		di = &dbIndex{def: def, idx: db.wrap(idx), spec: spec}
		reindex = true
	} else {
		// the files and catalog entry stay, so reopening with the old
		// definition brings the index back
		if err := di.idx.Close(); err != nil {
			db.detach(di)
			return err
		}
		spec.Ordinal, spec.Generation, spec.Built = old.Ordinal, old.Generation, old.Built && !reindex
		idx, err := openIndex(db.path, spec, db.indexOptions())
		if err != nil {
			db.detach(di)
			return fmt.Errorf("%s: reopen: %w", name, err)
		}
		di = &dbIndex{def: def, idx: db.wrap(idx), spec: spec}
	}
	db.indexes[pos] = di
	db.byName[name] = di
	for i, d := range db.defs {
		if d.spec.Name == name {
			db.defs[i] = def
		}
	}
	if err := writeCatalogEntry(db.path, spec, db.opt.NoSync); err != nil {
		return err
	}
	if reindex {
		return db.ReindexIndex(name)
	}
	return nil
}

// DestroyIndex removes a secondary index and its files.
func (db *DB) DestroyIndex(name string) error {
	di, err := db.secondary("destroy_index", name)
	if err != nil {
		return err
	}
	spec := di.Spec()
	if err := di.idx.Destroy(); err != nil {
		return err
	}
	db.detach(di)
	return removeCatalogEntry(db.path, spec)
}

// detach forgets an index without touching its files.
func (db *DB) detach(di *dbIndex) {
	pos := db.position(di)
	db.indexes = append(db.indexes[:pos:pos], db.indexes[pos+1:]...)
	delete(db.byName, di.name())
	for i, d := range db.defs {
		if d.spec.Name == di.name() {
			db.defs = append(db.defs[:i:i], db.defs[i+1:]...)
			break
		}
	}
}

func (db *DB) position(di *dbIndex) int {
	for i, d := range db.indexes {
		if d == di {
			return i
		}
	}
	panic("index not attached")
}

func (db *DB) saveSpec(di *dbIndex, spec IndexSpec) error {
	di.setSpec(spec)
	return writeCatalogEntry(db.path, spec, db.opt.NoSync)
}
