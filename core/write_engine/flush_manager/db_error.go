package flushmanager

import (
	"errors"
	"fmt"

	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	ErrIO                 = errors.New("i/o error")
	ErrOutOfBounds        = pagemanager.ErrOutOfBounds
	ErrUTF8Decode         = pagemanager.ErrUTF8Decode
	ErrNoAvailableBuffers = errors.New("buffer pool is full and every frame is pinned")
	ErrInvalidFileName    = errors.New("invalid file name")
	ErrClosed             = errors.New("manager is closed")
	ErrLogCorrupted       = errors.New("log record checksum mismatch")
	ErrLogRecordTooLarge  = errors.New("log record too large")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// BlockError attaches the operation and the offending block to an error.
type BlockError struct {
	Op    string
	Block pagemanager.BlockID
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Block, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// FileError attaches the operation and the file to an error.
type FileError struct {
	Op   string
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// WrapIOError marks cause as an ErrIO while keeping it reachable through errors.Is/As.
func WrapIOError(cause error) error {
	return fmt.Errorf("%w: %w", ErrIO, cause)
}

// NewBlockError wraps err with op and block context. A nil err stays nil.
func NewBlockError(op string, block pagemanager.BlockID, err error) error {
	if err == nil {
		return nil
	}
	return &BlockError{Op: op, Block: block, Err: err}
}

func IsIOError(err error) bool { return errors.Is(err, ErrIO) }

func IsOutOfBounds(err error) bool { return errors.Is(err, ErrOutOfBounds) }

func IsNoAvailableBuffers(err error) bool { return errors.Is(err, ErrNoAvailableBuffers) }
