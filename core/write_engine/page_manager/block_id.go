package pagemanager

import (
	"cmp"
	"fmt"
)

// BlockID is the logical address of a block: a file name and the block's
// index within that file. It is a comparable value and is used directly as a
// map key.
type BlockID struct {
	fileName string
	blockNum uint64
}

// NewBlockID returns the address of block blockNum in fileName.
func NewBlockID(fileName string, blockNum uint64) BlockID {
	return BlockID{fileName: fileName, blockNum: blockNum}
}

// FileName is the backing file the block lives in.
func (b BlockID) FileName() string { return b.fileName }

// Number is the block's zero-based index within its file.
func (b BlockID) Number() uint64 { return b.blockNum }

// Offset is the byte offset of the block in its file.
func (b BlockID) Offset(blockSize int) int64 {
	return int64(b.blockNum) * int64(blockSize)
}

func (b BlockID) String() string {
	return fmt.Sprintf("%s#%d", b.fileName, b.blockNum)
}

// Compare orders blocks by file name, then block number.
func (b BlockID) Compare(other BlockID) int {
	if c := cmp.Compare(b.fileName, other.fileName); c != 0 {
		return c
	}
	return cmp.Compare(b.blockNum, other.blockNum)
}

func (b BlockID) Less(other BlockID) bool { return b.Compare(other) < 0 }
