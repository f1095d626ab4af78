// Package snapshot persists a docindex.Index as a single binary file so the
// search service can start without the source searchindex.js.
//
// Layout (little-endian):
//
//	[0:64]   header: magic, version, codec, counts, created-at, section table
//	[64:...] meta section: compressed JSON (documents, kinds, objects, envversion)
//	[...]    postings section: compressed term dictionary + portable roaring bitmaps
//	[-4:]    footer: CRC32 (IEEE) of both compressed sections
package snapshot

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

const (
	Magic         uint32 = 0x54445358 // "TDSX"
	FormatVersion uint16 = 1
	HeaderSize           = 64
	FooterSize           = 4
	FileExt              = ".tdsx"
	filePrefix           = "snap_"
)

type Codec uint8

const (
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

type Header struct {
	Magic          uint32
	Version        uint16
	Codec          Codec
	DocCount       uint32
	ObjectCount    uint32
	TermCount      uint32
	TitleTermCount uint32
	CreatedAt      int64
	MetaOffset     uint64
	MetaSize       uint32
	MetaRawSize    uint32
	PostOffset     uint64
	PostSize       uint32
	PostRawSize    uint32
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.Version)
	b[6] = byte(h.Codec)
	binary.LittleEndian.PutUint32(b[8:12], h.DocCount)
	binary.LittleEndian.PutUint32(b[12:16], h.ObjectCount)
	binary.LittleEndian.PutUint32(b[16:20], h.TermCount)
	binary.LittleEndian.PutUint32(b[20:24], h.TitleTermCount)
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(b[32:40], h.MetaOffset)
	binary.LittleEndian.PutUint32(b[40:44], h.MetaSize)
	binary.LittleEndian.PutUint32(b[44:48], h.MetaRawSize)
	binary.LittleEndian.PutUint64(b[48:56], h.PostOffset)
	binary.LittleEndian.PutUint32(b[56:60], h.PostSize)
	binary.LittleEndian.PutUint32(b[60:64], h.PostRawSize)
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header is %d bytes: %w", len(b), apperrors.ErrCorruptSnapshot)
	}
	h := Header{
		Magic:          binary.LittleEndian.Uint32(b[0:4]),
		Version:        binary.LittleEndian.Uint16(b[4:6]),
		Codec:          Codec(b[6]),
		DocCount:       binary.LittleEndian.Uint32(b[8:12]),
		ObjectCount:    binary.LittleEndian.Uint32(b[12:16]),
		TermCount:      binary.LittleEndian.Uint32(b[16:20]),
		TitleTermCount: binary.LittleEndian.Uint32(b[20:24]),
		CreatedAt:      int64(binary.LittleEndian.Uint64(b[24:32])),
		MetaOffset:     binary.LittleEndian.Uint64(b[32:40]),
		MetaSize:       binary.LittleEndian.Uint32(b[40:44]),
		MetaRawSize:    binary.LittleEndian.Uint32(b[44:48]),
		PostOffset:     binary.LittleEndian.Uint64(b[48:56]),
		PostSize:       binary.LittleEndian.Uint32(b[56:60]),
		PostRawSize:    binary.LittleEndian.Uint32(b[60:64]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("bad magic %#x: %w", h.Magic, apperrors.ErrCorruptSnapshot)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported version %d: %w", h.Version, apperrors.ErrCorruptSnapshot)
	}
	return h, nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// compress returns the encoded section. LZ4 stores incompressible input
// verbatim, which the reader recognises by equal stored and raw sizes.
func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecZstd:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, nil), nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return append([]byte(nil), data...), nil
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unknown codec %s: %w", codec, apperrors.ErrInvalidInput)
	}
}

func decompress(codec Codec, data []byte, rawSize uint32) ([]byte, error) {
	switch codec {
	case CodecZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w: %w", apperrors.ErrCorruptSnapshot, err)
		}
		if uint32(len(out)) != rawSize {
			return nil, fmt.Errorf("zstd: decoded %d bytes, want %d: %w", len(out), rawSize, apperrors.ErrCorruptSnapshot)
		}
		return out, nil
	case CodecLZ4:
		if uint32(len(data)) == rawSize {
			return data, nil
		}
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w: %w", apperrors.ErrCorruptSnapshot, err)
		}
		if uint32(n) != rawSize {
			return nil, fmt.Errorf("lz4: decoded %d bytes, want %d: %w", n, rawSize, apperrors.ErrCorruptSnapshot)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %s: %w", codec, apperrors.ErrCorruptSnapshot)
	}
}
