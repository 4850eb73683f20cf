package revlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// Payload markers, the first byte of every stored payload.
const (
	markerRaw       = 'u' // payload bytes follow verbatim
	markerLzma      = 'z' // payload is lzma-compressed
	markerExternal  = 'e' // payload is a blob store reference (node id)
	markerTombstone = 'c' // payload is a censor tombstone {u32 len, bytes, padding}
)

// framePayload picks the smaller of raw and lzma encodings.
func framePayload(data []byte) ([]byte, error) {
	compressed, err := compressLzma(data)
	if err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if len(compressed) < len(data) {
		return append([]byte{markerLzma}, compressed...), nil
	}
	return append([]byte{markerRaw}, data...), nil
}

// unframePayload reverses framePayload. Tombstone and external frames are
// handled by the callers that know about flags.
func unframePayload(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty payload frame")
	}
	switch framed[0] {
	case markerRaw:
		return framed[1:], nil
	case markerLzma:
		return decompressLzma(framed[1:])
	default:
		return nil, fmt.Errorf("unknown payload marker %q", framed[0])
	}
}

// frameTombstone builds a censor payload padded to occupy exactly size
// bytes so it can overwrite the original region in place.
func frameTombstone(tombstone []byte, size int) []byte {
	b := make([]byte, size)
	b[0] = markerTombstone
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(tombstone)))
	copy(b[5:], tombstone)
	return b
}

const tombstoneOverhead = 5

func unframeTombstone(framed []byte) ([]byte, error) {
	if len(framed) < tombstoneOverhead || framed[0] != markerTombstone {
		return nil, fmt.Errorf("malformed tombstone frame")
	}
	n := int(binary.LittleEndian.Uint32(framed[1:5]))
	if n > len(framed)-tombstoneOverhead {
		return nil, fmt.Errorf("tombstone length %d exceeds frame", n)
	}
	return framed[tombstoneOverhead : tombstoneOverhead+n], nil
}

func compressLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
