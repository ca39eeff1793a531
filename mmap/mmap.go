// Package mmap maps index and storage files read-only for bulk scans and
// provides the fastest available data sync call for each platform.
package mmap

import (
	"fmt"
	"os"
)

type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << iota

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Mapping is a read-only view of a file prefix.
type Mapping struct {
	data []byte
}

// Map maps the first size bytes of f. A zero size yields an empty mapping
// that needs no system resources.
func Map(f *os.File, size int64, opt Options) (*Mapping, error) {
	if size < 0 || size > maxSize {
		return nil, fmt.Errorf("mmap: unsupported size %d", size)
	}
	if size == 0 {
		return &Mapping{}, nil
	}
	b, err := mmap(f, int(size), opt)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &Mapping{data: b}, nil
}

// Bytes returns the mapped region. The slice is invalid after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Len() int {
	return len(m.data)
}

func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	b := m.data
	m.data = nil
	return munmap(b)
}
