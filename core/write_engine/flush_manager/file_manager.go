package flushmanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
	internaltelemetry "github.com/yujikawa/studb/internal/telemetry"
)

// --- FileManager ---

// fileHandle is one open backing file. mu serializes every physical
// operation on the file so a block is never read while half written.
type fileHandle struct {
	mu   sync.Mutex
	file *os.File
}

// FileStats is a snapshot of the FileManager's I/O counters.
type FileStats struct {
	Reads   uint64
	Writes  uint64
	Appends uint64
}

// FileManager maps BlockIDs onto byte ranges of per-name files inside a
// directory. Files are opened read/write/create on first reference and stay
// open until Close.
type FileManager struct {
	dir       string
	blockSize int
	logger    *zap.Logger
	metrics   *internaltelemetry.StorageMetrics

	mu     sync.Mutex // protects files and closed
	files  map[string]*fileHandle
	closed bool

	reads   atomic.Uint64
	writes  atomic.Uint64
	appends atomic.Uint64
}

// NewFileManager creates a FileManager rooted at dir, creating dir if needed.
func NewFileManager(dir string, blockSize int, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*FileManager, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidConfig, blockSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &FileError{Op: "mkdir", File: dir, Err: WrapIOError(err)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}
	fm := &FileManager{
		dir:       dir,
		blockSize: blockSize,
		logger:    logger.Named("file_manager"),
		metrics:   metrics,
		files:     make(map[string]*fileHandle),
	}
	fm.logger.Info("FileManager initialized", zap.String("dir", dir), zap.Int("blockSize", blockSize))
	return fm, nil
}

func (fm *FileManager) BlockSize() int { return fm.blockSize }

func (fm *FileManager) Dir() string { return fm.dir }

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

// handle returns the open handle for name, opening the file on first use.
func (fm *FileManager) handle(name string) (*fileHandle, error) {
	if err := validateFileName(name); err != nil {
		return nil, err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return nil, ErrClosed
	}
	if h, ok := fm.files[name]; ok {
		return h, nil
	}
	path := filepath.Join(fm.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, WrapIOError(err)
	}
	h := &fileHandle{file: f}
	fm.files[name] = h
	fm.logger.Debug("Opened backing file", zap.String("file", name), zap.String("path", path))
	return h, nil
}

func (fm *FileManager) checkPage(page *pagemanager.Page) error {
	if page.Size() != fm.blockSize {
		return fmt.Errorf("%w: page size %d != block size %d", ErrIO, page.Size(), fm.blockSize)
	}
	return nil
}

// Read fills page with the contents of blk. A block past the end of the file
// is a short read and fails with ErrIO.
func (fm *FileManager) Read(blk pagemanager.BlockID, page *pagemanager.Page) error {
	if err := fm.checkPage(page); err != nil {
		return NewBlockError("read", blk, err)
	}
	h, err := fm.handle(blk.FileName())
	if err != nil {
		return NewBlockError("read", blk, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	offset := blk.Offset(fm.blockSize)
	n, err := h.file.ReadAt(page.GetData(), offset)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		fm.logger.Debug("Block read failed",
			zap.Stringer("block", blk), zap.Int64("offset", offset), zap.Int("bytesRead", n), zap.Error(err))
		return NewBlockError("read", blk, WrapIOError(err))
	}
	fm.reads.Add(1)
	fm.metrics.FileReadsCounter.Add(context.Background(), 1)
	return nil
}

// Write stores page at blk's offset. Writing past the end extends the file;
// the gap holds whatever the OS fills it with but other blocks are untouched.
func (fm *FileManager) Write(blk pagemanager.BlockID, page *pagemanager.Page) error {
	if err := fm.checkPage(page); err != nil {
		return NewBlockError("write", blk, err)
	}
	h, err := fm.handle(blk.FileName())
	if err != nil {
		return NewBlockError("write", blk, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.WriteAt(page.GetData(), blk.Offset(fm.blockSize)); err != nil {
		return NewBlockError("write", blk, WrapIOError(err))
	}
	fm.writes.Add(1)
	fm.metrics.FileWritesCounter.Add(context.Background(), 1)
	return nil
}

// Append writes page as a new block at the end of fileName and returns its
// address. Concurrent appends to the same file get distinct, consecutive
// block numbers.
func (fm *FileManager) Append(fileName string, page *pagemanager.Page) (pagemanager.BlockID, error) {
	if err := fm.checkPage(page); err != nil {
		return pagemanager.BlockID{}, &FileError{Op: "append", File: fileName, Err: err}
	}
	h, err := fm.handle(fileName)
	if err != nil {
		return pagemanager.BlockID{}, &FileError{Op: "append", File: fileName, Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.file.Stat()
	if err != nil {
		return pagemanager.BlockID{}, &FileError{Op: "append", File: fileName, Err: WrapIOError(err)}
	}
	blk := pagemanager.NewBlockID(fileName, uint64(info.Size())/uint64(fm.blockSize))
	if _, err := h.file.WriteAt(page.GetData(), blk.Offset(fm.blockSize)); err != nil {
		return pagemanager.BlockID{}, NewBlockError("append", blk, WrapIOError(err))
	}
	fm.appends.Add(1)
	fm.metrics.FileAppendsCounter.Add(context.Background(), 1)
	fm.logger.Debug("Appended block", zap.Stringer("block", blk))
	return blk, nil
}

// Length returns the number of whole blocks in fileName.
func (fm *FileManager) Length(fileName string) (uint64, error) {
	h, err := fm.handle(fileName)
	if err != nil {
		return 0, &FileError{Op: "length", File: fileName, Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	info, err := h.file.Stat()
	if err != nil {
		return 0, &FileError{Op: "length", File: fileName, Err: WrapIOError(err)}
	}
	return uint64(info.Size()) / uint64(fm.blockSize), nil
}

// Sync forces fileName's written blocks to stable storage.
func (fm *FileManager) Sync(fileName string) error {
	h, err := fm.handle(fileName)
	if err != nil {
		return &FileError{Op: "sync", File: fileName, Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Sync(); err != nil {
		return &FileError{Op: "sync", File: fileName, Err: WrapIOError(err)}
	}
	return nil
}

// SyncAll syncs every open file and returns the first error encountered.
func (fm *FileManager) SyncAll() error {
	fm.mu.Lock()
	if fm.closed {
		fm.mu.Unlock()
		return ErrClosed
	}
	handles := make(map[string]*fileHandle, len(fm.files))
	for name, h := range fm.files {
		handles[name] = h
	}
	fm.mu.Unlock()

	var firstErr error
	for name, h := range handles {
		h.mu.Lock()
		err := h.file.Sync()
		h.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = &FileError{Op: "sync", File: name, Err: WrapIOError(err)}
		}
	}
	return firstErr
}

// Stats returns the number of successful block reads, writes and appends.
func (fm *FileManager) Stats() FileStats {
	return FileStats{
		Reads:   fm.reads.Load(),
		Writes:  fm.writes.Load(),
		Appends: fm.appends.Load(),
	}
}

// Close syncs and closes every open file. Later calls fail with ErrClosed.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return nil
	}
	fm.closed = true

	var firstErr error
	for name, h := range fm.files {
		h.mu.Lock()
		if err := h.file.Sync(); err != nil && firstErr == nil {
			firstErr = &FileError{Op: "sync", File: name, Err: WrapIOError(err)}
		}
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = &FileError{Op: "close", File: name, Err: WrapIOError(err)}
		}
		h.mu.Unlock()
	}
	fm.files = nil
	fm.logger.Info("FileManager closed", zap.String("dir", fm.dir))
	return firstErr
}
