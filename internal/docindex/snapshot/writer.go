package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
)

type meta struct {
	Documents  []docindex.Document   `json:"documents"`
	Kinds      []docindex.ObjectKind `json:"kinds"`
	Objects    []docindex.Object     `json:"objects"`
	EnvVersion map[string]int        `json:"envversion"`
}

type dictEntry struct {
	Term   string `json:"t"`
	Title  bool   `json:"h,omitempty"`
	Offset int64  `json:"o"`
	Len    int    `json:"l"`
}

type options struct {
	codec Codec
	now   func() time.Time
}

type Option func(*options)

// WithCodec selects the section compression. The default is zstd.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// Write stores idx as a new snap_<unixnano>.tdsx file in dir and returns its
// path. The file is written under a .tmp name and renamed when complete.
func Write(dir string, idx *docindex.Index, opts ...Option) (string, error) {
	o := options{codec: CodecZstd, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}

	metaRaw, err := json.Marshal(meta{
		Documents:  idx.Documents(),
		Kinds:      idx.Kinds(),
		Objects:    idx.Objects(""),
		EnvVersion: idx.EnvVersion(),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot meta: %w", err)
	}
	postRaw, err := encodePostings(idx)
	if err != nil {
		return "", err
	}
	metaBytes, err := compress(o.codec, metaRaw)
	if err != nil {
		return "", err
	}
	postBytes, err := compress(o.codec, postRaw)
	if err != nil {
		return "", err
	}

	created := o.now()
	stats := idx.Stats()
	header := Header{
		Magic:          Magic,
		Version:        FormatVersion,
		Codec:          o.codec,
		DocCount:       uint32(stats.Documents),
		ObjectCount:    uint32(stats.Objects),
		TermCount:      uint32(stats.Terms),
		TitleTermCount: uint32(stats.TitleTerms),
		CreatedAt:      created.UnixNano(),
		MetaOffset:     HeaderSize,
		MetaSize:       uint32(len(metaBytes)),
		MetaRawSize:    uint32(len(metaRaw)),
		PostOffset:     HeaderSize + uint64(len(metaBytes)),
		PostSize:       uint32(len(postBytes)),
		PostRawSize:    uint32(len(postRaw)),
	}
	crc := crc32.NewIEEE()
	crc.Write(metaBytes)
	crc.Write(postBytes)
	footer := binary.LittleEndian.AppendUint32(nil, crc.Sum32())

	finalPath, err := freePath(dir, created)
	if err != nil {
		return "", err
	}
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp snapshot file: %w", err)
	}
	for _, part := range [][]byte{header.encode(), metaBytes, postBytes, footer} {
		if _, err := f.Write(part); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("writing snapshot: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming snapshot: %w", err)
	}
	return finalPath, nil
}

// freePath picks snap_<unixnano>.tdsx, bumping the stamp if a snapshot with
// the same nanosecond already exists.
func freePath(dir string, t time.Time) (string, error) {
	stamp := t.UnixNano()
	for range 1000 {
		p := filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, stamp, FileExt))
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return p, nil
		} else if err != nil {
			return "", fmt.Errorf("checking %s: %w", p, err)
		}
		stamp++
	}
	return "", fmt.Errorf("no free snapshot name in %s", dir)
}

// encodePostings lays out [uint32 dict length][dict JSON][bitmaps...], with
// dictionary offsets relative to the first bitmap.
func encodePostings(idx *docindex.Index) ([]byte, error) {
	var blobs []byte
	var dict []dictEntry
	for _, title := range []bool{false, true} {
		terms, bitmaps := idx.TermTable(title)
		for _, term := range terms {
			b, err := bitmaps[term].ToBytes()
			if err != nil {
				return nil, fmt.Errorf("serialising postings for %q: %w", term, err)
			}
			dict = append(dict, dictEntry{Term: term, Title: title, Offset: int64(len(blobs)), Len: len(b)})
			blobs = append(blobs, b...)
		}
	}
	dictJSON, err := json.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("marshaling term dictionary: %w", err)
	}
	out := make([]byte, 0, 4+len(dictJSON)+len(blobs))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(dictJSON)))
	out = append(out, dictJSON...)
	out = append(out, blobs...)
	return out, nil
}
