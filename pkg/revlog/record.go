package revlog

import (
	"encoding/binary"
	"fmt"

	"github.com/stratavcs/strata/pkg/types"
)

// On-disk index layout: a 16-byte header {magic u32, version u32,
// rewriteGen u64} followed by fixed-size records. All integers
// little-endian. rewriteGen counts in-place record rewrites (censor),
// which never change the file size; together with the size it forms the
// cross-process invalidation counter.
const (
	indexMagic   uint32 = 0x53524c47 // "SRLG"
	indexVersion uint32 = 1
	headerSize          = 16
	recordSize          = 36 + types.NodeIDSize
)

// record is one index entry. offset/storedLen frame the payload in the
// data file; fullLen is the byte length of the reconstructed content;
// baseRev == own rev means the payload is a full snapshot.
type record struct {
	offset    uint64
	storedLen uint32
	fullLen   uint32
	baseRev   int32
	linkRev   int32
	p1        int32
	p2        int32
	flags     types.Flags
	id        types.NodeID
}

func encodeHeader(rewriteGen uint64) []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b[0:4], indexMagic)
	binary.LittleEndian.PutUint32(b[4:8], indexVersion)
	binary.LittleEndian.PutUint64(b[8:16], rewriteGen)
	return b
}

// checkHeader validates the header and returns the rewrite counter.
func checkHeader(b []byte) (uint64, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("index file too short for header (%d bytes)", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != indexMagic {
		return 0, fmt.Errorf("bad index magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != indexVersion {
		return 0, fmt.Errorf("unsupported index version %d", v)
	}
	return binary.LittleEndian.Uint64(b[8:16]), nil
}

func (r record) encode() []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(b[0:8], r.offset)
	binary.LittleEndian.PutUint32(b[8:12], r.storedLen)
	binary.LittleEndian.PutUint32(b[12:16], r.fullLen)
	binary.LittleEndian.PutUint32(b[16:20], uint32(r.baseRev))
	binary.LittleEndian.PutUint32(b[20:24], uint32(r.linkRev))
	binary.LittleEndian.PutUint32(b[24:28], uint32(r.p1))
	binary.LittleEndian.PutUint32(b[28:32], uint32(r.p2))
	binary.LittleEndian.PutUint32(b[32:36], uint32(r.flags))
	copy(b[36:], r.id[:])
	return b
}

func decodeRecord(b []byte) (record, error) {
	if len(b) < recordSize {
		return record{}, fmt.Errorf("index record truncated (%d bytes)", len(b))
	}
	var r record
	r.offset = binary.LittleEndian.Uint64(b[0:8])
	r.storedLen = binary.LittleEndian.Uint32(b[8:12])
	r.fullLen = binary.LittleEndian.Uint32(b[12:16])
	r.baseRev = int32(binary.LittleEndian.Uint32(b[16:20]))
	r.linkRev = int32(binary.LittleEndian.Uint32(b[20:24]))
	r.p1 = int32(binary.LittleEndian.Uint32(b[24:28]))
	r.p2 = int32(binary.LittleEndian.Uint32(b[28:32]))
	r.flags = types.Flags(binary.LittleEndian.Uint32(b[32:36]))
	copy(r.id[:], b[36:recordSize])
	return r, nil
}

func recordOffset(rev int) int64 {
	return int64(headerSize + rev*recordSize)
}
