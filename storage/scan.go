package storage

import (
	"encoding/binary"

	"github.com/andreyvit/idxdb/mmap"
)

// Scan visits every record in file order, validating each one. It stops at
// the first error returned by fn or found on disk. Records that are no
// longer referenced by any index are visited too.
func (s *Storage) Scan(fn func(p Pointer, data []byte) error) error {
	if err := s.Flush(); err != nil {
		return err
	}
	m, err := mmap.Map(s.f, s.size, mmap.SequentialAccess)
	if err != nil {
		return err
	}
	defer m.Close()

	buf := m.Bytes()
	off := int64(HeaderSize)
	for off < int64(len(buf)) {
		rem := buf[off:]
		if len(rem) < RecordHeaderSize {
			return Corruptf(s.path, off, rem, nil, "truncated record header")
		}
		size := int64(binary.LittleEndian.Uint32(rem[0:4]))
		if int64(len(rem)) < RecordHeaderSize+size {
			return Corruptf(s.path, off, rem[:RecordHeaderSize], nil, "truncated record of %d bytes", size)
		}
		codec := Compression(rem[4])
		payload := rem[RecordHeaderSize : RecordHeaderSize+size]
		if binary.LittleEndian.Uint64(rem[5:13]) != checksum(codec, payload) {
			return Corruptf(s.path, off, rem[:RecordHeaderSize], nil, "checksum mismatch")
		}
		data, err := decompress(codec, payload)
		if err != nil {
			return Corruptf(s.path, off, nil, err, "cannot decode %v record", codec)
		}
		if codec == NoCompression {
			// payload aliases the mapping, which is unmapped on return
			data = append([]byte(nil), data...)
		}
		if err := fn(Pointer{Off: uint64(off), Size: uint32(size)}, data); err != nil {
			return err
		}
		off += RecordHeaderSize + size
	}
	return nil
}
