package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, o Options) *Storage {
	t.Helper()
	o.NoSync = true
	s, err := Create(filepath.Join(t.TempDir(), "test_stor"), o)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage_WriteRead(t *testing.T) {
	s := newTestStorage(t, Options{})

	p1, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	p2, err := s.Write([]byte("world!"))
	require.NoError(t, err)

	assert.Equal(t, Pointer{Off: HeaderSize, Size: 5}, p1)
	assert.Equal(t, Pointer{Off: HeaderSize + RecordHeaderSize + 5, Size: 6}, p2)

	data, err := s.Read(p2)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(data))

	data, err = s.Read(p1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStorage_EmptyValueIsZeroPointer(t *testing.T) {
	s := newTestStorage(t, Options{})

	p, err := s.Write(nil)
	require.NoError(t, err)
	assert.True(t, p.IsZero())
	assert.Equal(t, "-", p.String())

	data, err := s.Read(p)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.EqualValues(t, HeaderSize, s.Size())
}

func TestStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x_stor")
	s, err := Create(path, Options{NoSync: true})
	require.NoError(t, err)
	p, err := s.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Fsync())
	require.NoError(t, s.Close())

	_, err = Create(path, Options{})
	require.ErrorIs(t, err, os.ErrExist)

	s, err = Open(path, Options{NoSync: true})
	require.NoError(t, err)
	defer s.Close()

	data, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))

	p2, err := s.Write([]byte("appended"))
	require.NoError(t, err)
	assert.Greater(t, p2.Off, p.Off)
	data, err = s.Read(p2)
	require.NoError(t, err)
	assert.Equal(t, "appended", string(data))
}

func TestStorage_Compression(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible payload "), 50)
	for _, c := range []Compression{NoCompression, Snappy, Zstd, LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			s := newTestStorage(t, Options{Compression: c})

			p, err := s.Write(payload)
			require.NoError(t, err)
			if c != NoCompression {
				assert.Less(t, int(p.Size), len(payload))
			}
			small, err := s.Write([]byte("tiny"))
			require.NoError(t, err)
			assert.EqualValues(t, 4, small.Size)

			data, err := s.Read(p)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{NoCompression, Snappy, Zstd, LZ4} {
		parsed, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
	assert.False(t, Compression(42).Valid())
}

func TestStorage_ReadOutOfBounds(t *testing.T) {
	s := newTestStorage(t, Options{})
	p, err := s.Write([]byte("abc"))
	require.NoError(t, err)

	_, err = s.Read(Pointer{Off: p.Off, Size: 1000})
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = s.Read(Pointer{Off: 3, Size: 1})
	require.ErrorIs(t, err, ErrCorrupted)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, s.Path(), ce.Path)
}

func TestStorage_ReadSizeMismatch(t *testing.T) {
	s := newTestStorage(t, Options{})
	_, err := s.Write([]byte("abcdef"))
	require.NoError(t, err)
	_, err = s.Write([]byte("gh"))
	require.NoError(t, err)

	_, err = s.Read(Pointer{Off: HeaderSize, Size: 2})
	require.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "does not match pointer size")
}

func TestStorage_DetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c_stor")
	s, err := Create(path, Options{NoSync: true})
	require.NoError(t, err)
	p, err := s.Write([]byte("precious"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Read(p)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "checksum")

	err = s.Scan(func(Pointer, []byte) error { return nil })
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestStorage_OpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g_stor")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a storage file"), 0o644))
	_, err := Open(path, Options{})
	require.ErrorIs(t, err, ErrCorrupted)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))
	_, err = Open(path, Options{})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestStorage_Scan(t *testing.T) {
	s := newTestStorage(t, Options{Compression: Snappy})
	values := [][]byte{
		[]byte("one"),
		bytes.Repeat([]byte("two"), 100),
		[]byte("three"),
	}
	var ptrs []Pointer
	for _, v := range values {
		p, err := s.Write(v)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}

	var gotPtrs []Pointer
	var gotData [][]byte
	err := s.Scan(func(p Pointer, data []byte) error {
		gotPtrs = append(gotPtrs, p)
		gotData = append(gotData, data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ptrs, gotPtrs)
	assert.Equal(t, values, gotData)

	stop := errors.New("stop")
	var n int
	err = s.Scan(func(Pointer, []byte) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestStorage_Transfer(t *testing.T) {
	src := newTestStorage(t, Options{Compression: Zstd})
	dst := newTestStorage(t, Options{})

	payload := bytes.Repeat([]byte("z"), 500)
	p, err := src.Write(payload)
	require.NoError(t, err)
	_, err = src.Write([]byte("garbage"))
	require.NoError(t, err)

	q, err := src.Transfer(p, dst)
	require.NoError(t, err)
	assert.Equal(t, p.Size, q.Size)
	assert.EqualValues(t, HeaderSize, q.Off)

	data, err := dst.Read(q)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	q, err = src.Transfer(Pointer{}, dst)
	require.NoError(t, err)
	assert.True(t, q.IsZero())
}

func TestStorage_Closed(t *testing.T) {
	s := newTestStorage(t, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Read(Pointer{Off: HeaderSize, Size: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
}

func TestStorage_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro_stor")
	s, err := Create(path, Options{NoSync: true})
	require.NoError(t, err)
	p, err := s.Write([]byte("frozen"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer s.Close()

	data, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "frozen", string(data))

	_, err = s.Write([]byte("nope"))
	assert.ErrorIs(t, err, ErrReadOnly)
}
