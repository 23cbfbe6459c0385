// Package fmp4 provides box-level inspection and byte patching of fragmented
// MP4 data. It covers exactly what codec-tag normalization needs: recognizing
// init and media segments by their top-level box signatures and performing a
// length-preserving substitution of the 4-byte codec tag inside the sample
// description. Full box semantics live in mediacommon; this package never
// re-serializes, it patches in place.
package fmp4

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// 4-byte ASCII codec tags appearing in an hvcC/dvcC sample entry.
var (
	TagHVC1 = []byte("hvc1")
	TagDVH1 = []byte("dvh1")
)

var (
	// ErrNotInitSegment is returned when a patch target lacks an ftyp box.
	ErrNotInitSegment = errors.New("payload is not an fMP4 initialization segment")
)

// boxHeaderSize is the fixed size of an MP4 box header (size + type).
const boxHeaderSize = 8

// hasTopLevelBox walks top-level boxes looking for the given type.
func hasTopLevelBox(data []byte, boxType string) bool {
	offset := 0
	for offset+boxHeaderSize <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset:]))
		typ := string(data[offset+4 : offset+boxHeaderSize])

		if typ == boxType {
			return true
		}
		if size < boxHeaderSize || offset+size > len(data) {
			return false
		}
		offset += size
	}
	return false
}

// IsInitSegment reports whether data starts an fMP4 stream (ftyp present).
func IsInitSegment(data []byte) bool {
	return hasTopLevelBox(data, "ftyp")
}

// IsMediaSegment reports whether data is an fMP4 media fragment (moof present).
func IsMediaSegment(data []byte) bool {
	return hasTopLevelBox(data, "moof")
}

// PatchCodecTag replaces every occurrence of the 4-byte codec tag from with
// to inside an initialization segment, returning the patched copy and the
// number of substitutions. The input must contain an ftyp box; anything else
// is not an init segment and is refused rather than blindly rewritten.
//
// The substitution is byte-for-byte and length-preserving, so box sizes and
// offsets remain valid. Patching from->to and then to->from restores the
// original bytes exactly.
func PatchCodecTag(data, from, to []byte) ([]byte, int, error) {
	if len(from) != 4 || len(to) != 4 {
		return nil, 0, errors.New("codec tags must be exactly 4 bytes")
	}
	if !IsInitSegment(data) {
		return nil, 0, ErrNotInitSegment
	}

	count := bytes.Count(data, from)
	if count == 0 {
		return data, 0, nil
	}

	patched := bytes.ReplaceAll(data, from, to)
	return patched, count, nil
}

// CountTag returns the number of occurrences of a 4-byte tag in data.
func CountTag(data, tag []byte) int {
	return bytes.Count(data, tag)
}
