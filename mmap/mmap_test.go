package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsHas(t *testing.T) {
	o := SequentialAccess
	require.True(t, o.Has(SequentialAccess))
	require.False(t, o.Has(RandomAccess))
}

func TestMapReadsFileContents(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(fn, []byte("hello, mapping"), 0o644))

	f, err := os.Open(fn)
	require.NoError(t, err)
	defer f.Close()

	m, err := Map(f, 5, SequentialAccess)
	require.NoError(t, err)
	require.Equal(t, "hello", string(m.Bytes()))
	require.Equal(t, 5, m.Len())
	require.NoError(t, m.Close())
	require.Nil(t, m.Bytes())
	require.NoError(t, m.Close())
}

func TestMapEmpty(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "empty"))
	require.NoError(t, err)
	defer f.Close()

	m, err := Map(f, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, m.Len())
	require.NoError(t, m.Close())
}

func TestMapRejectsNegativeSize(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "x"))
	require.NoError(t, err)
	defer f.Close()

	_, err = Map(f, -1, 0)
	require.Error(t, err)
}

func TestFdatasync(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "sync"))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, Fdatasync(f, nil))
}
