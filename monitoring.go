package idxdb

// IndexStats describes the size of one index.
type IndexStats struct {
	Name    string
	Kind    IndexKind
	Records int64

	Leaves int
	Nodes  int
	Depth  int

	IndexSize   int64
	StorageSize int64
}

func (s *IndexStats) TotalSize() int64 {
	return s.IndexSize + s.StorageSize
}

// Stats is a snapshot of database counters and index sizes.
type Stats struct {
	Indexes []IndexStats

	Inserts             uint64
	Updates             uint64
	Deletes             uint64
	StaleAborts         uint64
	PropagationFailures uint64
	ReindexedDocs       uint64

	// InFlight counts documents whose propagation is in progress.
	InFlight int
}

func (s *Stats) TotalSize() int64 {
	var n int64
	for i := range s.Indexes {
		n += s.Indexes[i].TotalSize()
	}
	return n
}

func (db *DB) Stats() (Stats, error) {
	if err := db.checkOpen("stats"); err != nil {
		return Stats{}, err
	}
	result := Stats{
		Inserts:             db.InsertCount.Load(),
		Updates:             db.UpdateCount.Load(),
		Deletes:             db.DeleteCount.Load(),
		StaleAborts:         db.StaleAbortCount.Load(),
		PropagationFailures: db.PropagationFailures.Load(),
		ReindexedDocs:       db.ReindexedDocs.Load(),
		InFlight:            db.revs.Len(),
	}
	for _, di := range db.indexes {
		is, err := di.idx.Stats()
		if err != nil {
			return result, err
		}
		result.Indexes = append(result.Indexes, is)
	}
	return result, nil
}
