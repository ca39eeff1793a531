// Package journal implements a small append-only intent log.
//
// The database writes a record before it starts propagating a document
// change across indexes and another one when propagation ends. After a
// crash, records without a matching end tell it which indexes may be stale.
//
// Features:
//
//  1. Crash-resistant. Each record carries an xxhash64 checksum, and the file
//     is trimmed after the first torn or corrupted record on open.
//
//  2. Cheap to keep small: once nothing is in flight the owner calls Reset,
//     which truncates the file back to its header.
//
// File format:
//
//   - file = header record*
//   - header = magic:64 version:8 reserved:24 timestamp:32 invariant:256 reserved:64 checksum:64
//   - record = size:uvarint tsDelta:uvarint data checksum:64
//
// The record checksum covers the size, tsDelta and data bytes.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/idxdb/mmap"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrClosed             = errors.New("journal closed")
	errCorruptedHeader    = fmt.Errorf("corrupted journal header")
)

type Options struct {
	Context   context.Context
	DebugName string
	Now       func() time.Time
	Invariant [32]byte

	// NoSync turns Sync into a plain flush. Only meant for tests.
	NoSync bool

	Logger  *slog.Logger
	Verbose bool
}

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0

	headerSize = 64

	// MaxRecordSize bounds a single record.
	MaxRecordSize = 1 << 24
)

type fileHeader struct {
	Magic     uint64
	Version   uint8
	_         [3]uint8
	Timestamp uint32
	Invariant [32]byte
	_         uint64
	Checksum  uint64
}

// Record is a record loaded from an existing file.
type Record struct {
	Timestamp uint32
	Data      []byte
}

type Journal struct {
	context   context.Context
	path      string
	debugName string
	now       func() time.Time
	logger    *slog.Logger
	verbose   bool
	noSync    bool
	invariant [32]byte

	lock    sync.Mutex
	f       *os.File
	w       *bufio.Writer
	size    int64
	ts      uint32
	loaded  []Record
	trimmed int64
	err     error
}

// Open opens the journal at path, creating it if needed. Records that
// survive validation are available via Records.
func Open(path string, o Options) (*Journal, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j := &Journal{
		context:   o.Context,
		path:      path,
		debugName: o.DebugName,
		now:       o.Now,
		logger:    o.Logger,
		verbose:   o.Verbose,
		noSync:    o.NoSync,
		invariant: o.Invariant,
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	j.f = f
	if err := j.load(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(j.size, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	j.w = bufio.NewWriter(f)
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

// Now returns the current time as a journal timestamp.
func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed")
	}
	return uint32(v)
}

func (j *Journal) load() error {
	st, err := j.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < headerSize {
		if st.Size() > 0 {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: discarding truncated header", slog.String("jrnl", j.debugName), slog.Int64("size", st.Size()))
		}
		return j.reset()
	}

	m, err := mmap.Map(j.f, st.Size(), mmap.SequentialAccess)
	if err != nil {
		return err
	}
	defer m.Close()
	buf := m.Bytes()

	var h fileHeader
	err = j.decodeHeader(buf[:headerSize], &h)
	if err == errCorruptedHeader {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: discarding corrupted file", slog.String("jrnl", j.debugName), slog.Int64("size", st.Size()))
		return j.reset()
	} else if err != nil {
		return err
	}
	j.ts = h.Timestamp

	off := headerSize
	for off < len(buf) {
		rec, n, ok := j.decodeRecord(buf[off:])
		if !ok {
			break
		}
		j.loaded = append(j.loaded, rec)
		off += n
	}
	j.size = int64(off)

	if tail := int64(len(buf)) - j.size; tail > 0 {
		j.trimmed = tail
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: trimming corrupted tail", slog.String("jrnl", j.debugName), slog.Int64("off", j.size), slog.Int64("bytes", tail))
		if err := j.f.Truncate(j.size); err != nil {
			return err
		}
	}
	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: loaded", slog.String("jrnl", j.debugName), slog.Int("records", len(j.loaded)), slog.Int64("size", j.size))
	}
	return nil
}

func (j *Journal) decodeHeader(buf []byte, h *fileHeader) error {
	if _, err := binary.Decode(buf, binary.LittleEndian, h); err != nil {
		return errCorruptedHeader
	}
	if h.Magic != magic || xxhash.Sum64(buf[:headerSize-8]) != h.Checksum {
		return errCorruptedHeader
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	return nil
}

func (j *Journal) decodeRecord(b []byte) (Record, int, bool) {
	size, n1 := binary.Uvarint(b)
	if n1 <= 0 || size > MaxRecordSize {
		return Record{}, 0, false
	}
	tsDelta, n2 := binary.Uvarint(b[n1:])
	if n2 <= 0 || tsDelta > 0xFFFF_FFFF {
		return Record{}, 0, false
	}
	hlen := n1 + n2
	total := hlen + int(size) + 8
	if len(b) < total {
		return Record{}, 0, false
	}
	sum := binary.LittleEndian.Uint64(b[hlen+int(size):])
	if sum != xxhash.Sum64(b[:hlen+int(size)]) {
		return Record{}, 0, false
	}
	j.ts += uint32(tsDelta)
	return Record{
		Timestamp: j.ts,
		Data:      bytes.Clone(b[hlen : hlen+int(size)]),
	}, total, true
}

// Records returns the records found when the journal was opened.
func (j *Journal) Records() []Record {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.loaded
}

// Trimmed returns the number of bytes discarded on open.
func (j *Journal) Trimmed() int64 {
	return j.trimmed
}

func (j *Journal) Size() int64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.size
}

// WriteRecord appends a record. A zero timestamp means now. The record is
// buffered until Flush or Sync.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.err != nil {
		return j.err
	}
	if j.f == nil {
		return ErrClosed
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%v: record of %d bytes exceeds maximum size", j.debugName, len(data))
	}
	if timestamp == 0 {
		timestamp = j.Now()
	}
	var tsDelta uint32
	if timestamp > j.ts {
		tsDelta = timestamp - j.ts
		j.ts = timestamp
	}

	var hbuf [2 * binary.MaxVarintLen64]byte
	h := binary.AppendUvarint(hbuf[:0], uint64(len(data)))
	h = binary.AppendUvarint(h, uint64(tsDelta))

	var d xxhash.Digest
	d.Reset()
	d.Write(h)
	d.Write(data)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], d.Sum64())

	for _, part := range [][]byte{h, data, sum[:]} {
		if _, err := j.w.Write(part); err != nil {
			return j.fail(err)
		}
	}
	j.size += int64(len(h) + len(data) + len(sum))
	return nil
}

func (j *Journal) Flush() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.flush_locked()
}

func (j *Journal) flush_locked() error {
	if j.err != nil {
		return j.err
	}
	if j.f == nil {
		return ErrClosed
	}
	return j.fail(j.w.Flush())
}

// Sync flushes and makes the journal durable.
func (j *Journal) Sync() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.flush_locked(); err != nil {
		return err
	}
	if j.noSync {
		return nil
	}
	return j.fail(mmap.Fdatasync(j.f, nil))
}

// Reset discards all records.
func (j *Journal) Reset() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.err != nil {
		return j.err
	}
	if j.f == nil {
		return ErrClosed
	}
	if err := j.w.Flush(); err != nil {
		return j.fail(err)
	}
	if err := j.reset(); err != nil {
		return j.fail(err)
	}
	j.w.Reset(j.f)
	return nil
}

func (j *Journal) reset() error {
	j.loaded = nil
	j.ts = j.Now()
	h := fileHeader{
		Magic:     magic,
		Version:   version0,
		Timestamp: j.ts,
		Invariant: j.invariant,
	}
	var buf [headerSize]byte
	if _, err := binary.Encode(buf[:], binary.LittleEndian, h); err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(buf[headerSize-8:], xxhash.Sum64(buf[:headerSize-8]))

	if err := j.f.Truncate(0); err != nil {
		return err
	}
	if _, err := j.f.WriteAt(buf[:], 0); err != nil {
		return err
	}
	if _, err := j.f.Seek(headerSize, io.SeekStart); err != nil {
		return err
	}
	j.size = headerSize
	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: reset", slog.String("jrnl", j.debugName))
	}
	return nil
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))
	if j.err == nil {
		j.err = err
	}
	return err
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.f == nil {
		return nil
	}
	var err error
	if j.err == nil {
		err = j.w.Flush()
	}
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f = nil
	return err
}
