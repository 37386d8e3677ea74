package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
)

// --- On-disk layout ---
//
//	file   := header frame*
//	header := magic[8] instanceID[16]
//	frame  := length[u32 BE] lengthSum[u32 BE] checksum[u64 BE] payload[length]
//
// lengthSum is the low 32 bits of xxhash64 over the 4 length bytes and
// checksum is xxhash64(payload). The length carries its own sum so a damaged
// length is reported as corruption instead of looking like a short tail.

const (
	logMagic        = "STULOG01"
	logHeaderSize   = len(logMagic) + 16
	frameHeaderSize = 4 + 4 + 8

	// MaxRecordSize caps a single record's payload.
	MaxRecordSize = 16 << 20
)

// errTornFrame marks a frame cut short by the end of the file.
var errTornFrame = errors.New("torn log frame")

func lengthSum(lenBytes []byte) uint32 {
	return uint32(xxhash.Sum64(lenBytes))
}

// encodeFrame returns the framed bytes for payload.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], lengthSum(buf[0:4]))
	binary.BigEndian.PutUint64(buf[8:16], xxhash.Sum64(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// readFrame reads the next frame from r. It returns io.EOF at a clean end,
// errTornFrame when the file ends inside a frame whose header is intact and
// ErrLogCorrupted when the header or payload fails its checksum.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errTornFrame
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if got, want := lengthSum(hdr[0:4]), binary.BigEndian.Uint32(hdr[4:8]); got != want {
		return nil, fmt.Errorf("%w: length field %d fails its checksum", flushmanager.ErrLogCorrupted, n)
	}
	if n > MaxRecordSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", flushmanager.ErrLogCorrupted, n, MaxRecordSize)
	}
	sum := binary.BigEndian.Uint64(hdr[8:16])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errTornFrame
		}
		return nil, err
	}
	if got := xxhash.Sum64(payload); got != sum {
		return nil, fmt.Errorf("%w: checksum %016x, want %016x", flushmanager.ErrLogCorrupted, got, sum)
	}
	return payload, nil
}
