// Package storage implements the append-only byte container that holds
// document bodies and index values.
//
// File format:
//
//   - file = header record*
//   - header = magic:64 version:8 compression:8 reserved:48
//   - record = size:32 codec:8 checksum:64 payload
//
// A Pointer addresses one record by its offset and payload size. The header
// guarantees that no record starts at offset 0, so the zero Pointer means
// "no value". The checksum is xxhash64 over the codec byte and the payload.
//
// A Storage is not safe for concurrent use; the owning index serializes
// access to it.
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/idxdb/mmap"
)

const (
	HeaderSize       = 16
	RecordHeaderSize = 4 + 1 + 8

	// MaxRecordSize bounds a single stored payload.
	MaxRecordSize = 1<<31 - 1

	version0 uint8 = 0
)

var magic = [8]byte{'i', 'd', 'x', 's', 't', 'o', 'r', 0}

var (
	ErrClosed   = errors.New("storage closed")
	ErrReadOnly = errors.New("storage opened read-only")
)

// Pointer locates a record inside a Storage.
type Pointer struct {
	Off  uint64
	Size uint32
}

func (p Pointer) IsZero() bool {
	return p.Off == 0
}

func (p Pointer) String() string {
	if p.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%d+%d", p.Off, p.Size)
}

type Options struct {
	// Compression applies to records written from now on. Each record
	// remembers its own codec, so the setting can change between opens.
	Compression Compression

	// NoSync turns Fsync into Flush. Only meant for tests.
	NoSync bool

	// ReadOnly opens the file without write access; Write fails with
	// ErrReadOnly.
	ReadOnly bool

	BufferSize int
}

type Storage struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	size     int64
	flushed  int64
	comp     Compression
	noSync   bool
	readOnly bool
	closed   bool
}

// Create makes a new, empty storage file. It fails if the file exists.
func Create(path string, o Options) (*Storage, error) {
	if !o.Compression.Valid() {
		return nil, fmt.Errorf("storage: invalid compression %v", o.Compression)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	var hdr [HeaderSize]byte
	copy(hdr[:], magic[:])
	hdr[8] = version0
	hdr[9] = byte(o.Compression)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return newStorage(path, f, HeaderSize, o), nil
}

// Open opens an existing storage file for reading and appending.
func Open(path string, o Options) (*Storage, error) {
	if !o.Compression.Valid() {
		return nil, fmt.Errorf("storage: invalid compression %v", o.Compression)
	}
	flag := os.O_RDWR
	if o.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var hdr [HeaderSize]byte
	_, err = f.ReadAt(hdr[:], 0)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		f.Close()
		return nil, Corruptf(path, 0, nil, nil, "truncated storage header")
	} else if err != nil {
		f.Close()
		return nil, err
	}
	if [8]byte(hdr[:8]) != magic {
		f.Close()
		return nil, Corruptf(path, 0, hdr[:], nil, "not a storage file")
	}
	if hdr[8] > version0 {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported storage version %d", path, hdr[8])
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return newStorage(path, f, st.Size(), o), nil
}

func newStorage(path string, f *os.File, size int64, o Options) *Storage {
	bufSize := o.BufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &Storage{
		path:     path,
		f:        f,
		w:        bufio.NewWriterSize(f, bufSize),
		size:     size,
		flushed:  size,
		comp:     o.Compression,
		noSync:   o.NoSync || o.ReadOnly,
		readOnly: o.ReadOnly,
	}
}

func (s *Storage) Path() string {
	return s.path
}

// Size returns the logical size of the file, including buffered appends.
func (s *Storage) Size() int64 {
	return s.size
}

func (s *Storage) Compression() Compression {
	return s.comp
}

// Write appends data and returns its pointer. Empty data is not stored and
// yields the zero Pointer.
func (s *Storage) Write(data []byte) (Pointer, error) {
	if s.closed {
		return Pointer{}, ErrClosed
	}
	if len(data) == 0 {
		return Pointer{}, nil
	}
	payload, codec, err := compress(s.comp, data)
	if err != nil {
		return Pointer{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return s.appendRecord(codec, payload)
}

func (s *Storage) appendRecord(codec Compression, payload []byte) (Pointer, error) {
	if s.readOnly {
		return Pointer{}, ErrReadOnly
	}
	if len(payload) > MaxRecordSize {
		return Pointer{}, fmt.Errorf("%s: record of %d bytes exceeds maximum size", s.path, len(payload))
	}
	var hdr [RecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(codec)
	binary.LittleEndian.PutUint64(hdr[5:13], checksum(codec, payload))

	ptr := Pointer{Off: uint64(s.size), Size: uint32(len(payload))}
	if _, err := s.w.Write(hdr[:]); err != nil {
		return Pointer{}, err
	}
	if _, err := s.w.Write(payload); err != nil {
		return Pointer{}, err
	}
	s.size += int64(RecordHeaderSize + len(payload))
	return ptr, nil
}

// Read returns the bytes originally passed to Write. Reading the zero
// Pointer returns nil.
func (s *Storage) Read(p Pointer) ([]byte, error) {
	codec, payload, err := s.readRecord(p)
	if err != nil || payload == nil {
		return nil, err
	}
	data, err := decompress(codec, payload)
	if err != nil {
		return nil, Corruptf(s.path, int64(p.Off), nil, err, "cannot decode %v record", codec)
	}
	return data, nil
}

func (s *Storage) readRecord(p Pointer) (Compression, []byte, error) {
	if s.closed {
		return 0, nil, ErrClosed
	}
	if p.IsZero() {
		return 0, nil, nil
	}
	off := int64(p.Off)
	end := off + RecordHeaderSize + int64(p.Size)
	if off < HeaderSize || end > s.size || end < off {
		return 0, nil, Corruptf(s.path, off, nil, nil, "pointer %v out of bounds (size %d)", p, s.size)
	}
	if end > s.flushed {
		if err := s.Flush(); err != nil {
			return 0, nil, err
		}
	}

	buf := make([]byte, end-off)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return 0, nil, Corruptf(s.path, off, nil, err, "cannot read record")
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	if size != p.Size {
		return 0, nil, Corruptf(s.path, off, buf[:RecordHeaderSize], nil, "record size %d does not match pointer size %d", size, p.Size)
	}
	codec := Compression(buf[4])
	payload := buf[RecordHeaderSize:]
	if sum := binary.LittleEndian.Uint64(buf[5:13]); sum != checksum(codec, payload) {
		return 0, nil, Corruptf(s.path, off, buf[:RecordHeaderSize], nil, "checksum mismatch")
	}
	return codec, payload, nil
}

// Transfer copies the record at p into dst without re-encoding it.
func (s *Storage) Transfer(p Pointer, dst *Storage) (Pointer, error) {
	codec, payload, err := s.readRecord(p)
	if err != nil || payload == nil {
		return Pointer{}, err
	}
	if dst.closed {
		return Pointer{}, ErrClosed
	}
	return dst.appendRecord(codec, payload)
}

// Flush hands buffered appends to the operating system.
func (s *Storage) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("%s: flush: %w", s.path, err)
	}
	s.flushed = s.size
	return nil
}

// Fsync flushes and then makes all appended data durable.
func (s *Storage) Fsync() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.noSync {
		return nil
	}
	if err := mmap.Fdatasync(s.f, nil); err != nil {
		return fmt.Errorf("%s: fdatasync: %w", s.path, err)
	}
	return nil
}

func (s *Storage) Close() error {
	if s.closed {
		return nil
	}
	err := s.Flush()
	s.closed = true
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func checksum(codec Compression, payload []byte) uint64 {
	var d xxhash.Digest
	d.Reset()
	d.Write([]byte{byte(codec)})
	d.Write(payload)
	return d.Sum64()
}
