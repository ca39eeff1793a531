package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/idxdb/storage"
)

func newTestTree(t *testing.T, p Params) *Tree {
	t.Helper()
	tr, err := Create(filepath.Join(t.TempDir(), "test_buck"), p, Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func rec(key, id string) Record {
	return Record{Key: []byte(key), ID: []byte(id), Rev: 1, Ptr: storage.Pointer{Off: 100, Size: uint32(len(id))}}
}

func keysOf(recs []Record) []string {
	var keys []string
	for _, r := range recs {
		keys = append(keys, string(r.Key)+"/"+string(r.ID))
	}
	return keys
}

func collect(t *testing.T, c *Cursor) []string {
	t.Helper()
	recs, err := c.Collect()
	require.NoError(t, err)
	return keysOf(recs)
}

func TestParams(t *testing.T) {
	p := Params{}.WithDefaults()
	require.NoError(t, p.Validate())
	assert.Equal(t, DefaultKeySize, p.KeySize)

	assert.Error(t, Params{KeySize: 8, IDSize: 8, PointerSize: 6, NodeCapacity: 4}.Validate())
	assert.Error(t, Params{KeySize: 8, IDSize: 8, PointerSize: 4, NodeCapacity: 2}.Validate())
	assert.Error(t, Params{KeySize: 0, IDSize: 8, PointerSize: 4, NodeCapacity: 4}.Validate())
	assert.Error(t, Params{KeySize: 8, IDSize: 300, PointerSize: 4, NodeCapacity: 4}.Validate())

	_, err := Create(filepath.Join(t.TempDir(), "bad"), Params{NodeCapacity: 1}, Options{})
	assert.Error(t, err)
}

func TestTree_Empty(t *testing.T) {
	tr := newTestTree(t, Params{})
	_, err := tr.Get([]byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, collect(t, tr.Scan(All())))
	assert.EqualValues(t, 0, tr.Count())
	require.NoError(t, tr.Verify())
}

func TestTree_InsertGetSplits(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 8, IDSize: 4, PointerSize: 4, NodeCapacity: 3})
	for i := range 50 {
		require.NoError(t, tr.Insert(rec(fmt.Sprintf("k%03d", (i*37)%50), fmt.Sprint(i))))
	}
	require.NoError(t, tr.Verify())
	assert.EqualValues(t, 50, tr.Count())

	st, err := tr.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 50, st.Records)
	assert.Greater(t, st.Depth, 2)
	assert.Greater(t, st.Nodes, 1)

	for i := range 50 {
		r, err := tr.Get([]byte(fmt.Sprintf("k%03d", (i*37)%50)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(r.ID))
	}

	recs, err := tr.Scan(All()).Collect()
	require.NoError(t, err)
	require.Len(t, recs, 50)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("k%03d", i), string(r.Key))
	}
}

func TestTree_DuplicatesKeepInsertionOrder(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3})
	var want []string
	for i := range 20 {
		require.NoError(t, tr.Insert(rec("dup", fmt.Sprint(i))))
		want = append(want, fmt.Sprintf("dup/%d", i))
		require.NoError(t, tr.Insert(rec("a", fmt.Sprint(i))))
		require.NoError(t, tr.Insert(rec("z", fmt.Sprint(i))))
	}
	require.NoError(t, tr.Verify())
	assert.Equal(t, want, collect(t, tr.Scan(Exact([]byte("dup")))))

	r, err := tr.Get([]byte("dup"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(r.ID))

	r, err = tr.Find([]byte("dup"), []byte("13"))
	require.NoError(t, err)
	assert.Equal(t, "13", string(r.ID))

	_, err = tr.Find([]byte("dup"), []byte("99"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTree_Unique(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3, Unique: true})
	require.NoError(t, tr.Insert(rec("a", "1")))
	assert.ErrorIs(t, tr.Insert(rec("a", "2")), ErrDuplicateKey)
	assert.EqualValues(t, 1, tr.Count())
}

func TestTree_Limits(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 2, PointerSize: 4, NodeCapacity: 3})
	assert.ErrorIs(t, tr.Insert(rec("toolong", "1")), ErrKeyTooLong)
	assert.ErrorIs(t, tr.Insert(rec("ok", "123")), ErrIDTooLong)
	big := rec("ok", "1")
	big.Ptr.Off = 1 << 40
	assert.ErrorIs(t, tr.Insert(big), ErrFileTooLarge)
}

func TestTree_KeysWithTrailingZeros(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3})
	keys := [][]byte{{1}, {1, 0}, {1, 0, 0}, {}, {0}}
	for i, k := range keys {
		require.NoError(t, tr.Insert(Record{Key: k, ID: []byte{byte(i)}}))
	}
	recs, err := tr.Scan(All()).Collect()
	require.NoError(t, err)
	var got [][]byte
	for _, r := range recs {
		got = append(got, r.Key)
	}
	assert.Equal(t, [][]byte{{}, {0}, {1}, {1, 0}, {1, 0, 0}}, got)

	r, err := tr.Get([]byte{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, r.ID)
}

func TestTree_UpdateDelete(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 4, PointerSize: 8, NodeCapacity: 3})
	for i := range 10 {
		require.NoError(t, tr.Insert(rec(fmt.Sprint(i), "x")))
	}

	u := rec("5", "x")
	u.Rev = 42
	u.Ptr = storage.Pointer{Off: 1 << 40, Size: 7}
	require.NoError(t, tr.Update(u))
	r, err := tr.Get([]byte("5"))
	require.NoError(t, err)
	assert.EqualValues(t, 42, r.Rev)
	assert.Equal(t, u.Ptr, r.Ptr)

	assert.ErrorIs(t, tr.Update(rec("5", "y")), ErrNotFound)
	assert.ErrorIs(t, tr.Delete([]byte("5"), []byte("y")), ErrNotFound)
	assert.ErrorIs(t, tr.Delete([]byte("55"), []byte("x")), ErrNotFound)

	for i := range 10 {
		require.NoError(t, tr.Delete([]byte(fmt.Sprint(i)), []byte("x")))
	}
	assert.EqualValues(t, 0, tr.Count())
	assert.Empty(t, collect(t, tr.Scan(All())))
	require.NoError(t, tr.Verify())

	require.NoError(t, tr.Insert(rec("again", "x")))
	assert.Equal(t, []string{"again/x"}, collect(t, tr.Scan(All())))
}

func TestTree_Ranges(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 4})
	for _, k := range []string{"a", "b", "ba", "bb", "c", "d"} {
		require.NoError(t, tr.Insert(rec(k, "1")))
	}
	scan := func(r Range) []string {
		var keys []string
		for _, s := range collect(t, tr.Scan(r)) {
			keys = append(keys, s[:len(s)-2])
		}
		return keys
	}
	assert.Equal(t, []string{"b", "ba", "bb"}, scan(Prefixed([]byte("b"))))
	assert.Equal(t, []string{"b", "ba", "bb", "c"}, scan(Between([]byte("b"), []byte("c"))))
	assert.Equal(t, []string{"ba", "bb"}, scan(Range{Lower: []byte("b"), Upper: []byte("c")}))
	assert.Equal(t, []string{"c", "d"}, scan(AtLeast([]byte("bz"))))
	assert.Equal(t, []string{"a", "b"}, scan(Range{Upper: []byte("b"), UpperInc: true}))
	assert.Equal(t, []string{"bb"}, scan(Range{Prefix: []byte("b"), Lower: []byte("ba")}))
	assert.Empty(t, scan(Between([]byte("c"), []byte("b"))))
	assert.Empty(t, scan(Exact([]byte("bc"))))
	assert.True(t, Exact([]byte("x")).IsExact())
	assert.False(t, AtLeast([]byte("x")).IsExact())
}

func TestCursor_SurvivesModification(t *testing.T) {
	tr := newTestTree(t, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3})
	for i := range 10 {
		require.NoError(t, tr.Insert(rec(fmt.Sprintf("%02d", i*2), "x")))
	}

	c := tr.Scan(All())
	var got []string
	for c.Next() {
		k := string(c.Record().Key)
		got = append(got, k)
		switch k {
		case "04":
			// ahead of the cursor: must be seen
			require.NoError(t, tr.Insert(rec("05", "x")))
			// behind the cursor: must not be seen
			require.NoError(t, tr.Insert(rec("01", "x")))
		case "10":
			require.NoError(t, tr.Delete([]byte("12"), []byte("x")))
			require.NoError(t, tr.Delete([]byte("10"), []byte("x")))
		}
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []string{"00", "02", "04", "05", "06", "08", "10", "14", "16", "18"}, got)
	require.NoError(t, tr.Verify())
}

func TestCursor_Rebind(t *testing.T) {
	p := Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3}
	src := newTestTree(t, p)
	for _, r := range []Record{rec("01", "a"), rec("02", "a"), rec("02", "b"), rec("03", "a"), rec("04", "a")} {
		require.NoError(t, src.Insert(r))
	}

	c := src.Scan(AtLeast([]byte("02")))
	require.True(t, c.Next())
	assert.Equal(t, "02/a", keysOf([]Record{c.Record()})[0])

	// a copy replaces the tree being scanned
	dst := newTestTree(t, p)
	all, err := src.Scan(All()).Collect()
	require.NoError(t, err)
	for _, r := range all {
		require.NoError(t, dst.Insert(r))
	}
	require.NoError(t, src.Close())

	c.Rebind(dst)
	assert.Equal(t, []string{"02/b", "03/a", "04/a"}, collect(t, c))

	// without rebinding, a cursor on a closed tree fails
	c = src.Scan(All())
	assert.False(t, c.Next())
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestTree_RandomAgainstModel(t *testing.T) {
	for _, p := range []Params{
		{KeySize: 2, IDSize: 2, PointerSize: 4, NodeCapacity: 3},
		{KeySize: 2, IDSize: 2, PointerSize: 8, NodeCapacity: 5},
	} {
		t.Run(fmt.Sprint(p.NodeCapacity), func(t *testing.T) {
			tr := newTestTree(t, p)
			rnd := rand.New(rand.NewPCG(1, uint64(p.NodeCapacity)))
			var model []Record

			for step := range 2000 {
				if len(model) > 0 && rnd.IntN(3) == 0 {
					i := rnd.IntN(len(model))
					r := model[i]
					require.NoError(t, tr.Delete(r.Key, r.ID), "step %d", step)
					model = slices.Delete(model, i, i+1)
				} else {
					var key [2]byte
					binary.BigEndian.PutUint16(key[:], uint16(rnd.IntN(300)))
					var id [2]byte
					binary.BigEndian.PutUint16(id[:], uint16(step))
					r := Record{Key: key[:], ID: id[:], Rev: uint64(step)}
					require.NoError(t, tr.Insert(r))
					pos, _ := slices.BinarySearchFunc(model, r, func(a, b Record) int {
						if c := bytes.Compare(a.Key, b.Key); c != 0 {
							return c
						}
						return -1 // after all equal keys
					})
					model = slices.Insert(model, pos, r)
				}
			}
			require.NoError(t, tr.Verify())

			recs, err := tr.Scan(All()).Collect()
			require.NoError(t, err)
			assert.Equal(t, keysOf(model), keysOf(recs))
			assert.EqualValues(t, len(model), tr.Count())
		})
	}
}

func TestTree_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r_buck")
	p := Params{KeySize: 8, IDSize: 8, PointerSize: 4, NodeCapacity: 3, Unique: true}
	tr, err := Create(path, p, Options{NoSync: true})
	require.NoError(t, err)
	for i := range 30 {
		require.NoError(t, tr.Insert(rec(fmt.Sprintf("k%02d", i), "id")))
	}
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Insert(rec("x", "y")), ErrClosed)

	_, err = Create(path, p, Options{})
	require.ErrorIs(t, err, os.ErrExist)

	tr, err = Open(path, Options{NoSync: true})
	require.NoError(t, err)
	defer tr.Close()
	assert.False(t, tr.WasDirty())
	assert.Equal(t, p, tr.Params())
	assert.EqualValues(t, 30, tr.Count())
	require.NoError(t, tr.Verify())

	r, err := tr.Get([]byte("k17"))
	require.NoError(t, err)
	assert.Equal(t, "id", string(r.ID))
}

func TestTree_DirtyAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d_buck")
	tr, err := Create(path, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3}, Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, tr.Sync())
	for i := range 7 {
		require.NoError(t, tr.Insert(rec(fmt.Sprint(i), "x")))
	}
	require.NoError(t, tr.Abandon())

	tr, err = Open(path, Options{NoSync: true})
	require.NoError(t, err)
	assert.True(t, tr.WasDirty())
	assert.EqualValues(t, 7, tr.Count())
	require.NoError(t, tr.Verify())
	require.NoError(t, tr.Close())

	tr, err = Open(path, Options{NoSync: true})
	require.NoError(t, err)
	assert.False(t, tr.WasDirty())
	require.NoError(t, tr.Close())
}

func TestTree_OpenRejectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c_buck")
	tr, err := Create(path, Params{}, Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[rootFlagOffset] = 'x'
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, storage.ErrCorrupted)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestTree_VerifyDetectsBrokenLeaf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v_buck")
	tr, err := Create(path, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3}, Options{NoSync: true})
	require.NoError(t, err)
	for i := range 9 {
		require.NoError(t, tr.Insert(rec(fmt.Sprint(i), "x")))
	}
	require.NoError(t, tr.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lay := makeLayout(tr.Params())
	// the first slot after the root is the leftmost leaf; swap its first two keys
	leafOff := dataStart + lay.slotSize
	first := leafOff + 2 + 2*4
	second := first + int64(lay.recSize)
	raw[first+2], raw[second+2] = raw[second+2], raw[first+2]
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	tr, err = Open(path, Options{NoSync: true})
	require.NoError(t, err)
	defer tr.Close()
	assert.ErrorIs(t, tr.Verify(), storage.ErrCorrupted)
}

func TestTree_ReadOnlyKeepsDirtyFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro_buck")
	tr, err := Create(path, Params{KeySize: 4, IDSize: 4, PointerSize: 4, NodeCapacity: 3}, Options{NoSync: true})
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, tr.Insert(rec(fmt.Sprint(i), "x")))
	}
	require.NoError(t, tr.Abandon())

	tr, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	assert.True(t, tr.WasDirty())
	assert.EqualValues(t, 5, tr.Count())
	assert.ErrorIs(t, tr.Insert(rec("9", "x")), ErrReadOnly)
	assert.ErrorIs(t, tr.MarkDirty(), ErrReadOnly)
	r, err := tr.Get([]byte("3"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(r.ID))
	require.NoError(t, tr.Close())

	tr, err = Open(path, Options{NoSync: true})
	require.NoError(t, err)
	assert.True(t, tr.WasDirty())
	require.NoError(t, tr.Close())
}
