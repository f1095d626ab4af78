package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

// Read loads the snapshot at path. Format or checksum problems wrap
// ErrCorruptSnapshot.
func Read(path string) (*docindex.Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	idx, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// ReadHeader returns only the header of the snapshot at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	b := make([]byte, HeaderSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return Header{}, fmt.Errorf("reading snapshot header: %w: %w", apperrors.ErrCorruptSnapshot, err)
	}
	return decodeHeader(b)
}

// Decode parses an in-memory snapshot.
func Decode(data []byte) (*docindex.Index, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	metaEnd := h.MetaOffset + uint64(h.MetaSize)
	postEnd := h.PostOffset + uint64(h.PostSize)
	if h.MetaOffset != HeaderSize || h.PostOffset != metaEnd || postEnd+FooterSize != uint64(len(data)) {
		return nil, fmt.Errorf("section table does not match file size %d: %w", len(data), apperrors.ErrCorruptSnapshot)
	}
	metaBytes := data[h.MetaOffset:metaEnd]
	postBytes := data[h.PostOffset:postEnd]

	crc := crc32.NewIEEE()
	crc.Write(metaBytes)
	crc.Write(postBytes)
	if want := binary.LittleEndian.Uint32(data[postEnd:]); crc.Sum32() != want {
		return nil, fmt.Errorf("crc %#08x, footer says %#08x: %w", crc.Sum32(), want, apperrors.ErrCorruptSnapshot)
	}

	metaRaw, err := decompress(h.Codec, metaBytes, h.MetaRawSize)
	if err != nil {
		return nil, fmt.Errorf("meta section: %w", err)
	}
	var m meta
	if err := json.Unmarshal(metaRaw, &m); err != nil {
		return nil, fmt.Errorf("meta section: %w: %w", apperrors.ErrCorruptSnapshot, err)
	}
	postRaw, err := decompress(h.Codec, postBytes, h.PostRawSize)
	if err != nil {
		return nil, fmt.Errorf("postings section: %w", err)
	}
	terms, titleTerms, err := decodePostings(postRaw)
	if err != nil {
		return nil, err
	}

	idx, err := docindex.New(docindex.Contents{
		Documents:  m.Documents,
		Kinds:      m.Kinds,
		Objects:    m.Objects,
		Terms:      terms,
		TitleTerms: titleTerms,
		EnvVersion: m.EnvVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrCorruptSnapshot, err)
	}
	if st := idx.Stats(); st.Documents != int(h.DocCount) || st.Objects != int(h.ObjectCount) ||
		st.Terms != int(h.TermCount) || st.TitleTerms != int(h.TitleTermCount) {
		return nil, fmt.Errorf("counts %+v disagree with header: %w", st, apperrors.ErrCorruptSnapshot)
	}
	return idx, nil
}

func decodePostings(raw []byte) (terms, titleTerms map[string]*roaring.Bitmap, err error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("postings section too short: %w", apperrors.ErrCorruptSnapshot)
	}
	dictLen := binary.LittleEndian.Uint32(raw[0:4])
	if uint64(dictLen)+4 > uint64(len(raw)) {
		return nil, nil, fmt.Errorf("dictionary overruns postings section: %w", apperrors.ErrCorruptSnapshot)
	}
	var dict []dictEntry
	if err := json.Unmarshal(raw[4:4+dictLen], &dict); err != nil {
		return nil, nil, fmt.Errorf("term dictionary: %w: %w", apperrors.ErrCorruptSnapshot, err)
	}
	blobs := raw[4+dictLen:]

	terms = make(map[string]*roaring.Bitmap)
	titleTerms = make(map[string]*roaring.Bitmap)
	for _, e := range dict {
		if e.Offset < 0 || e.Len < 0 || e.Offset+int64(e.Len) > int64(len(blobs)) {
			return nil, nil, fmt.Errorf("postings for %q out of range: %w", e.Term, apperrors.ErrCorruptSnapshot)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(blobs[e.Offset : e.Offset+int64(e.Len)]); err != nil {
			return nil, nil, fmt.Errorf("postings for %q: %w: %w", e.Term, apperrors.ErrCorruptSnapshot, err)
		}
		if e.Title {
			titleTerms[e.Term] = bm
		} else {
			terms[e.Term] = bm
		}
	}
	return terms, titleTerms, nil
}
