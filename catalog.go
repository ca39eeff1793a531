package idxdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andreyvit/idxdb/mmap"
	"github.com/andreyvit/idxdb/storage"
)

// The catalog is a directory with one msgpack-encoded IndexSpec per index,
// named by ordinal and index name, e.g. _indexes/00id.idx. EditIndex keeps
// the previous version of a changed entry next to it with a _last suffix.
const (
	catalogDir = "_indexes"
	catalogExt = ".idx"
	lastSuffix = "_last"
	tmpSuffix  = ".tmp"
)

func catalogFile(dir string, spec IndexSpec) string {
	return filepath.Join(dir, catalogDir, fmt.Sprintf("%02d%s%s", spec.Ordinal, spec.Name, catalogExt))
}

// ReadCatalog returns the index specs of the database at dir, ordered by
// ordinal. The id index comes first.
func ReadCatalog(dir string) ([]IndexSpec, error) {
	entries, err := os.ReadDir(filepath.Join(dir, catalogDir))
	if err != nil {
		return nil, err
	}
	var specs []IndexSpec
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasSuffix(fn, catalogExt) {
			continue
		}
		path := filepath.Join(dir, catalogDir, fn)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var spec IndexSpec
		if err := decodeValue(data, &spec); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if catalogFile(dir, spec) != path {
			return nil, storage.Corruptf(path, 0, nil, nil, "entry describes %02d%s", spec.Ordinal, spec.Name)
		}
		if err := spec.validate(); err != nil {
			return nil, storage.Corruptf(path, 0, nil, err, "invalid index spec")
		}
		specs = append(specs, spec)
	}
	slices.SortFunc(specs, func(a, b IndexSpec) int {
		return a.Ordinal - b.Ordinal
	})
	for i := 1; i < len(specs); i++ {
		if specs[i].Ordinal == specs[i-1].Ordinal {
			return nil, storage.Corruptf(filepath.Join(dir, catalogDir), 0, nil, nil, "indexes %s and %s share ordinal %d", specs[i-1].Name, specs[i].Name, specs[i].Ordinal)
		}
	}
	if len(specs) == 0 || specs[0].Name != IDIndexName || specs[0].Ordinal != 0 {
		return nil, storage.Corruptf(filepath.Join(dir, catalogDir), 0, nil, nil, "no %s index", IDIndexName)
	}
	return specs, nil
}

// writeCatalogEntry atomically replaces the catalog entry for spec.
func writeCatalogEntry(dir string, spec IndexSpec, noSync bool) error {
	data, err := encodeValue(spec)
	if err != nil {
		return err
	}
	path := catalogFile(dir, spec)
	return writeFileAtomic(path, data, noSync)
}

// keepLastCatalogEntry preserves the current entry of spec as <entry>_last.
func keepLastCatalogEntry(dir string, spec IndexSpec, noSync bool) error {
	path := catalogFile(dir, spec)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return writeFileAtomic(path+lastSuffix, data, noSync)
}

func removeCatalogEntry(dir string, spec IndexSpec) error {
	path := catalogFile(dir, spec)
	return removeFiles(path, path+lastSuffix)
}

func writeFileAtomic(path string, data []byte, noSync bool) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil && !noSync {
		err = mmap.Fdatasync(f, nil)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func catalogExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, catalogDir))
	return !errors.Is(err, os.ErrNotExist)
}
