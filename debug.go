package idxdb

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type DumpFlags uint64

const (
	DumpIndexHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpRecords
	DumpValues

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump writes a human-readable listing of every index.
func (db *DB) Dump(w io.Writer, f DumpFlags) error {
	if err := db.checkOpen("dump"); err != nil {
		return err
	}
	for _, di := range db.indexes {
		if err := dumpIndex(w, f, di.Spec(), di.idx); err != nil {
			return err
		}
	}
	return nil
}

// DumpIndex writes a human-readable listing of a single index. It is used
// by tooling on indexes opened with OpenRawIndex.
func DumpIndex(w io.Writer, f DumpFlags, idx Index) error {
	return dumpIndex(w, f, idx.Spec(), idx)
}

func dumpIndex(w io.Writer, f DumpFlags, spec IndexSpec, idx Index) error {
	if f.Contains(DumpIndexHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)%s\n", spec.String(), idx.Count(), map[bool]string{false: " PENDING", true: ""}[spec.Built])
	}
	if f.Contains(DumpStats) {
		s, err := idx.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s.stats: leaves = %d, nodes = %d, depth = %d, index_size = %d, storage_size = %d\n", spec.Name, s.Leaves, s.Nodes, s.Depth, s.IndexSize, s.StorageSize)
	}
	if !f.Contains(DumpRecords) {
		return nil
	}
	fmt.Fprintln(w, dumpSep2)
	var pos int
	it := idx.All()
	for it.Next() {
		pos++
		rec := it.Record()
		line := fmt.Sprintf("%s.%d: %s => %s@%v %v", spec.Name, pos, printableKey(rec.Key), rec.ID, rec.Rev, rec.Ptr)
		if f.Contains(DumpValues) && !rec.Ptr.IsZero() {
			line = rpad(line, 60, ' ') + " " + dumpValue(idx, rec)
		}
		fmt.Fprintln(w, line)
	}
	return it.Err()
}

func dumpValue(idx Index, rec IndexRecord) string {
	data, err := idx.ReadValue(rec)
	if err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	var v map[string]any
	if err := decodeValue(data, &v); err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	for k, x := range v {
		if b, ok := x.([]byte); ok {
			v[k] = hexstr(b)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	return string(b)
}
