package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadIndex(t testing.TB) *docindex.Index {
	t.Helper()
	idx, err := docindex.LoadFile("../testdata/searchindex.js")
	require.NoError(t, err)
	return idx
}

func assertSameIndex(t *testing.T, want, got *docindex.Index) {
	t.Helper()
	assert.Equal(t, want.Stats(), got.Stats())
	assert.Equal(t, want.Documents(), got.Documents())
	assert.Equal(t, want.Kinds(), got.Kinds())
	assert.Equal(t, want.Objects(""), got.Objects(""))
	assert.Equal(t, want.EnvVersion(), got.EnvVersion())
	for _, title := range []bool{false, true} {
		terms, _ := want.TermTable(title)
		for _, term := range terms {
			if title {
				assert.Equal(t, want.TitlePostings(term), got.TitlePostings(term), term)
			} else {
				assert.Equal(t, want.Postings(term), got.Postings(term), term)
			}
		}
	}
}

func TestRoundTrip(t *testing.T) {
	idx := loadIndex(t)
	for _, codec := range []Codec{CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			dir := t.TempDir()
			path, err := Write(dir, idx, WithCodec(codec))
			require.NoError(t, err)
			assert.Equal(t, FileExt, filepath.Ext(path))

			got, err := Read(path)
			require.NoError(t, err)
			assertSameIndex(t, idx, got)

			// the empty posting list survives as an entry
			_, ok := got.Term("389")
			assert.True(t, ok)

			h, err := ReadHeader(path)
			require.NoError(t, err)
			assert.Equal(t, codec, h.Codec)
			assert.Equal(t, uint32(6), h.DocCount)
			assert.Equal(t, uint32(10), h.ObjectCount)
		})
	}
}

func TestRead_Corruption(t *testing.T) {
	idx := loadIndex(t)
	dir := t.TempDir()
	path, err := Write(dir, idx)
	require.NoError(t, err)
	pristine, err := os.ReadFile(path)
	require.NoError(t, err)

	cases := map[string]func([]byte) []byte{
		"payload byte": func(b []byte) []byte { b[HeaderSize+3] ^= 0xFF; return b },
		"footer":       func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b },
		"magic":        func(b []byte) []byte { b[0] = 'X'; return b },
		"version":      func(b []byte) []byte { b[4] = 9; return b },
		"truncated":    func(b []byte) []byte { return b[:len(b)-10] },
		"short":        func(b []byte) []byte { return b[:20] },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			data := corrupt(append([]byte(nil), pristine...))
			bad := filepath.Join(t.TempDir(), "bad"+FileExt)
			require.NoError(t, os.WriteFile(bad, data, 0o644))

			_, err := Read(bad)
			assert.ErrorIs(t, err, apperrors.ErrCorruptSnapshot)
		})
	}
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()
	_, err := Latest(dir)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	idx := loadIndex(t)
	base := time.Unix(1_700_000_000, 0)
	var paths []string
	for i := range 4 {
		at := base.Add(time.Duration(i) * time.Second)
		p, err := Write(dir, idx, func(o *options) { o.now = func() time.Time { return at } })
		require.NoError(t, err)
		paths = append(paths, p)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snap_1"+FileExt+".tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))

	latest, err := Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, paths[3], latest)

	removed, err := Prune(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	left, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{paths[3], paths[2]}, left)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestWrite_SameInstant(t *testing.T) {
	dir := t.TempDir()
	idx := loadIndex(t)
	at := time.Unix(1_700_000_000, 0)
	clock := func(o *options) { o.now = func() time.Time { return at } }

	a, err := Write(dir, idx, clock)
	require.NoError(t, err)
	b, err := Write(dir, idx, clock)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func BenchmarkDecode(b *testing.B) {
	idx := loadIndex(b)
	path, err := Write(b.TempDir(), idx)
	require.NoError(b, err)
	data, err := os.ReadFile(path)
	require.NoError(b, err)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}
