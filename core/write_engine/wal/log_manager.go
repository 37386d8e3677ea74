package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	internaltelemetry "github.com/yujikawa/studb/internal/telemetry"
)

// --- Write-Ahead Logging (WAL) Types ---

type LSN uint64 // Log Sequence Number

// InvalidLSN is never assigned; the first record gets LSN 1.
const InvalidLSN LSN = 0

// DefaultLogFileName is used when no log file name is configured.
const DefaultLogFileName = "studb.log"

// LogManager is an append-only record log backed by a single file. Every
// Append is written and fsynced before it returns, so a returned LSN is
// durable. Records are opaque bytes; their meaning belongs to the caller.
type LogManager struct {
	path       string
	logger     *zap.Logger
	metrics    *internaltelemetry.StorageMetrics
	instanceID uuid.UUID

	mu      sync.Mutex // serializes appends and protects file, offset, lastLSN and closed
	file    *os.File
	offset  int64 // end of the last complete frame
	lastLSN LSN
	closed  bool
}

// NewLogManager opens dir/fileName, creating it with a fresh header if it
// does not exist. An existing log is scanned to recover the record count; a
// frame cut short by a crash is dropped and the file truncated to the last
// complete record. A complete frame that fails its checksum aborts the open
// with ErrLogCorrupted.
func NewLogManager(dir, fileName string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	if fileName == "" {
		fileName = DefaultLogFileName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &flushmanager.FileError{Op: "mkdir", File: dir, Err: flushmanager.WrapIOError(err)}
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &flushmanager.FileError{Op: "open", File: path, Err: flushmanager.WrapIOError(err)}
	}

	lm := &LogManager{
		path:    path,
		logger:  logger.Named("log_manager"),
		metrics: metrics,
		file:    f,
	}
	if err := lm.open(); err != nil {
		_ = f.Close()
		return nil, err
	}
	lm.logger.Info("LogManager initialized",
		zap.String("path", path),
		zap.Stringer("instanceID", lm.instanceID),
		zap.Uint64("lastLSN", uint64(lm.lastLSN)),
		zap.Int64("size", lm.offset))
	return lm, nil
}

// open reads or writes the header and positions the log after its last
// complete frame.
func (lm *LogManager) open() error {
	info, err := lm.file.Stat()
	if err != nil {
		return lm.fileError("stat", err)
	}
	if info.Size() < int64(logHeaderSize) {
		if info.Size() > 0 {
			lm.logger.Warn("Log header incomplete, reinitializing", zap.Int64("size", info.Size()))
		}
		return lm.writeHeader()
	}

	var hdr [logHeaderSize]byte
	if _, err := lm.file.ReadAt(hdr[:], 0); err != nil {
		return lm.fileError("read header", err)
	}
	if string(hdr[:len(logMagic)]) != logMagic {
		return &flushmanager.FileError{Op: "open", File: lm.path,
			Err: fmt.Errorf("%w: bad magic %q", flushmanager.ErrLogCorrupted, hdr[:len(logMagic)])}
	}
	copy(lm.instanceID[:], hdr[len(logMagic):])

	lm.offset = int64(logHeaderSize)
	r := bufio.NewReader(io.NewSectionReader(lm.file, lm.offset, info.Size()-lm.offset))
	for {
		payload, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTornFrame) {
			lm.logger.Warn("Dropping torn record at end of log",
				zap.Int64("offset", lm.offset), zap.Int64("discarded", info.Size()-lm.offset))
			if err := lm.file.Truncate(lm.offset); err != nil {
				return lm.fileError("truncate", err)
			}
			if err := lm.file.Sync(); err != nil {
				return lm.fileError("sync", err)
			}
			break
		}
		if err != nil {
			return &flushmanager.FileError{Op: "open", File: lm.path,
				Err: fmt.Errorf("record %d at offset %d: %w", lm.lastLSN+1, lm.offset, err)}
		}
		lm.offset += int64(frameHeaderSize + len(payload))
		lm.lastLSN++
	}
	return nil
}

func (lm *LogManager) writeHeader() error {
	lm.instanceID = uuid.New()
	hdr := make([]byte, 0, logHeaderSize)
	hdr = append(hdr, logMagic...)
	hdr = append(hdr, lm.instanceID[:]...)
	if err := lm.file.Truncate(0); err != nil {
		return lm.fileError("truncate", err)
	}
	if _, err := lm.file.WriteAt(hdr, 0); err != nil {
		return lm.fileError("write header", err)
	}
	if err := lm.file.Sync(); err != nil {
		return lm.fileError("sync", err)
	}
	lm.offset = int64(logHeaderSize)
	return nil
}

func (lm *LogManager) fileError(op string, err error) error {
	return &flushmanager.FileError{Op: op, File: lm.path, Err: flushmanager.WrapIOError(err)}
}

// Append writes record at the end of the log, forces it to stable storage
// and returns its LSN. LSNs start at 1 and increase by one per record. On
// failure no LSN is consumed and the next Append overwrites any partial
// bytes.
func (lm *LogManager) Append(record []byte) (LSN, error) {
	if len(record) > MaxRecordSize {
		return InvalidLSN, fmt.Errorf("%w: %d bytes, limit %d", flushmanager.ErrLogRecordTooLarge, len(record), MaxRecordSize)
	}
	frame := encodeFrame(record)
	start := time.Now()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, &flushmanager.FileError{Op: "append", File: lm.path, Err: flushmanager.ErrClosed}
	}
	if _, err := lm.file.WriteAt(frame, lm.offset); err != nil {
		lm.logger.Error("Log append failed", zap.Int64("offset", lm.offset), zap.Error(err))
		return InvalidLSN, lm.fileError("append", err)
	}
	if err := lm.file.Sync(); err != nil {
		lm.logger.Error("Log sync failed", zap.Int64("offset", lm.offset), zap.Error(err))
		return InvalidLSN, lm.fileError("sync", err)
	}
	lm.offset += int64(len(frame))
	lm.lastLSN++

	ctx := context.Background()
	lm.metrics.LogAppendsCounter.Add(ctx, 1)
	lm.metrics.LogBytesCounter.Add(ctx, int64(len(record)))
	lm.metrics.LogAppendHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	lm.logger.Debug("Appended log record", zap.Uint64("lsn", uint64(lm.lastLSN)), zap.Int("bytes", len(record)))
	return lm.lastLSN, nil
}

// AppendString appends s as a record.
func (lm *LogManager) AppendString(s string) (LSN, error) {
	return lm.Append([]byte(s))
}

// Iterate calls fn for every record in append order, starting at LSN 1. It
// sees the records that were durable when it started; appends made while it
// runs are not visited. A non-nil error from fn stops the scan and is
// returned.
func (lm *LogManager) Iterate(fn func(lsn LSN, record []byte) error) error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return &flushmanager.FileError{Op: "read", File: lm.path, Err: flushmanager.ErrClosed}
	}
	file, end, count := lm.file, lm.offset, lm.lastLSN
	lm.mu.Unlock()

	// ReadAt never moves the append position, so this runs without the lock.
	r := bufio.NewReader(io.NewSectionReader(file, int64(logHeaderSize), end-int64(logHeaderSize)))
	for lsn := LSN(1); lsn <= count; lsn++ {
		payload, err := readFrame(r)
		if err != nil {
			if err == io.EOF || errors.Is(err, errTornFrame) {
				err = fmt.Errorf("%w: log ended before record %d", flushmanager.ErrLogCorrupted, lsn)
			}
			if !errors.Is(err, flushmanager.ErrLogCorrupted) {
				err = flushmanager.WrapIOError(err)
			}
			return &flushmanager.FileError{Op: "read", File: lm.path, Err: err}
		}
		if err := fn(lsn, payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll returns every record in append order.
func (lm *LogManager) ReadAll() ([][]byte, error) {
	var records [][]byte
	err := lm.Iterate(func(_ LSN, record []byte) error {
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ReadAllStrings returns every record as a string, in append order.
func (lm *LogManager) ReadAllStrings() ([]string, error) {
	var records []string
	err := lm.Iterate(func(_ LSN, record []byte) error {
		records = append(records, string(record))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LastLSN returns the LSN of the most recent record, or InvalidLSN if the log
// is empty.
func (lm *LogManager) LastLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastLSN
}

// InstanceID identifies the log file; it is fixed when the file is created.
func (lm *LogManager) InstanceID() uuid.UUID { return lm.instanceID }

func (lm *LogManager) Path() string { return lm.path }

// Close syncs and closes the log file. It is safe to call more than once.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	var firstErr error
	if err := lm.file.Sync(); err != nil {
		firstErr = lm.fileError("sync", err)
	}
	if err := lm.file.Close(); err != nil && firstErr == nil {
		firstErr = lm.fileError("close", err)
	}
	lm.logger.Info("LogManager closed", zap.String("path", lm.path), zap.Uint64("lastLSN", uint64(lm.lastLSN)))
	return firstErr
}
