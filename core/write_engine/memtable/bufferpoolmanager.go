package memtable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
	internaltelemetry "github.com/yujikawa/studb/internal/telemetry"
)

// DefaultMaxBuffers is the pool capacity used when none is configured.
const DefaultMaxBuffers = 3

// BlockStore is the physical storage the pool reads from and writes back to.
// *flushmanager.FileManager implements it.
type BlockStore interface {
	Read(blk pagemanager.BlockID, page *pagemanager.Page) error
	Write(blk pagemanager.BlockID, page *pagemanager.Page) error
	BlockSize() int
}

// Appender is implemented by stores that can allocate a new block at the end
// of a file.
type Appender interface {
	Append(fileName string, page *pagemanager.Page) (pagemanager.BlockID, error)
}

type syncer interface {
	SyncAll() error
}

// Options configures a BufferManager.
type Options struct {
	MaxBuffers int
	Policy     ReplacerPolicy
	// FlushOnUnpin writes a dirty frame back as soon as its last pin is
	// released. When false, dirty frames are written on eviction,
	// FlushPage, FlushAll or Close.
	FlushOnUnpin bool
	Logger       *zap.Logger
	Metrics      *internaltelemetry.StorageMetrics
}

// BufferStats is a snapshot of the pool's counters.
type BufferStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Resident  int
	Pinned    int
	Dirty     int
}

// BufferManager owns a bounded set of frames keyed by BlockID. It keeps at
// most one frame per block and never evicts a frame that has a pin.
type BufferManager struct {
	store        BlockStore
	maxBuffers   int
	flushOnUnpin bool
	replacer     Replacer
	logger       *zap.Logger
	metrics      *internaltelemetry.StorageMetrics

	mu        sync.Mutex // protects pool, closed, stats and every frame's pin/dirty state
	flushDone *sync.Cond // signalled on mu whenever a frame's flushing flag clears
	pool      map[pagemanager.BlockID]*BufferFrame
	closed    bool
	stats     BufferStats
}

// NewBufferManager creates a BufferManager on top of store.
func NewBufferManager(store BlockStore, opts Options) (*BufferManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: block store cannot be nil", flushmanager.ErrInvalidConfig)
	}
	if opts.MaxBuffers == 0 {
		opts.MaxBuffers = DefaultMaxBuffers
	}
	if opts.MaxBuffers < 0 {
		return nil, fmt.Errorf("%w: max buffers must be positive, got %d", flushmanager.ErrInvalidConfig, opts.MaxBuffers)
	}
	replacer, err := NewReplacer(opts.Policy)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = internaltelemetry.NopStorageMetrics()
	}
	bm := &BufferManager{
		store:        store,
		maxBuffers:   opts.MaxBuffers,
		flushOnUnpin: opts.FlushOnUnpin,
		replacer:     replacer,
		logger:       opts.Logger.Named("buffer_manager"),
		metrics:      opts.Metrics,
		pool:         make(map[pagemanager.BlockID]*BufferFrame, opts.MaxBuffers),
	}
	bm.flushDone = sync.NewCond(&bm.mu)
	bm.logger.Info("BufferManager initialized",
		zap.Int("maxBuffers", opts.MaxBuffers),
		zap.String("policy", string(opts.Policy)),
		zap.Bool("flushOnUnpin", opts.FlushOnUnpin),
		zap.Int("blockSize", store.BlockSize()))
	return bm, nil
}

// pinLocked increments f's pin count. Must be called with bm.mu held.
func (bm *BufferManager) pinLocked(f *BufferFrame) {
	f.pinCount++
	if f.pinCount == 1 {
		bm.metrics.PinnedFramesUpDown.Add(context.Background(), 1)
	}
}

// unpinLocked decrements f's pin count, never below zero, and reports
// whether a pin was actually dropped. Must be called with bm.mu held.
func (bm *BufferManager) unpinLocked(f *BufferFrame) bool {
	if f.pinCount == 0 {
		return false
	}
	f.pinCount--
	if f.pinCount == 0 {
		bm.metrics.PinnedFramesUpDown.Add(context.Background(), -1)
	}
	return true
}

// PinPage returns a pinned handle to blk, reading it from the store if it is
// not resident. When the pool is full an unpinned frame is evicted (written
// back first if dirty); if every frame is pinned the call fails with
// ErrNoAvailableBuffers and the pool is left unchanged. A frame whose only
// obstacle is an in-flight FlushPage is waited for rather than reported.
func (bm *BufferManager) PinPage(blk pagemanager.BlockID) (*PageHandle, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for {
		if bm.closed {
			return nil, flushmanager.NewBlockError("pin", blk, flushmanager.ErrClosed)
		}

		if f, ok := bm.pool[blk]; ok {
			bm.pinLocked(f)
			bm.replacer.Accessed(blk)
			bm.stats.Hits++
			bm.metrics.BufferHitsCounter.Add(context.Background(), 1)
			bm.logger.Debug("Buffer hit", zap.Stringer("block", blk), zap.Uint32("pinCount", f.pinCount))
			return &PageHandle{bm: bm, frame: f}, nil
		}

		// The wait inside ensureRoomLocked drops mu, so the pool may have
		// changed by the time it asks for a retry.
		retry, err := bm.ensureRoomLocked(blk)
		if err != nil {
			return nil, err
		}
		if !retry {
			break
		}
	}

	page := pagemanager.NewPage(bm.store.BlockSize())
	if err := bm.store.Read(blk, page); err != nil {
		bm.logger.Debug("Failed to read block into pool", zap.Stringer("block", blk), zap.Error(err))
		return nil, flushmanager.NewBlockError("pin", blk, err)
	}
	f := bm.insertLocked(blk, page)
	bm.stats.Misses++
	bm.metrics.BufferMissesCounter.Add(context.Background(), 1)
	bm.logger.Debug("Buffer miss, block loaded", zap.Stringer("block", blk), zap.Int("resident", len(bm.pool)))
	return &PageHandle{bm: bm, frame: f}, nil
}

// PinNew appends a zeroed block to fileName and returns it pinned. The store
// must implement Appender.
func (bm *BufferManager) PinNew(fileName string) (*PageHandle, error) {
	appender, ok := bm.store.(Appender)
	if !ok {
		return nil, fmt.Errorf("%w: block store cannot append", flushmanager.ErrInvalidConfig)
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	// Make room before allocating so a full pool does not orphan a block.
	for {
		if bm.closed {
			return nil, &flushmanager.FileError{Op: "pin new", File: fileName, Err: flushmanager.ErrClosed}
		}
		retry, err := bm.ensureRoomLocked(pagemanager.NewBlockID(fileName, 0))
		if err != nil {
			return nil, err
		}
		if !retry {
			break
		}
	}
	page := pagemanager.NewPage(bm.store.BlockSize())
	blk, err := appender.Append(fileName, page)
	if err != nil {
		return nil, err
	}
	f := bm.insertLocked(blk, page)
	bm.logger.Debug("Allocated new block", zap.Stringer("block", blk))
	return &PageHandle{bm: bm, frame: f}, nil
}

func (bm *BufferManager) insertLocked(blk pagemanager.BlockID, page *pagemanager.Page) *BufferFrame {
	f := newBufferFrame(blk, page)
	bm.pinLocked(f)
	bm.pool[blk] = f
	bm.replacer.Loaded(blk)
	return f
}

// ensureRoomLocked evicts one frame if the pool is at capacity. When the only
// unpinned frames are mid-flush it waits for one to finish and reports retry,
// since mu was released in between.
// This method MUST be called with bm.mu locked.
func (bm *BufferManager) ensureRoomLocked(requested pagemanager.BlockID) (retry bool, err error) {
	if len(bm.pool) < bm.maxBuffers {
		return false, nil
	}
	victim, ok := bm.replacer.Victim(func(b pagemanager.BlockID) bool {
		f, ok := bm.pool[b]
		return ok && f.pinCount == 0 && !f.flushing
	})
	if !ok {
		if bm.flushInFlightLocked() {
			bm.logger.Debug("Waiting for an in-flight flush to free a frame", zap.Stringer("requested", requested))
			bm.flushDone.Wait()
			return true, nil
		}
		bm.metrics.PinFailuresCounter.Add(context.Background(), 1)
		bm.logger.Warn("No evictable frame, every buffer is pinned",
			zap.Stringer("requested", requested), zap.Int("maxBuffers", bm.maxBuffers))
		return false, flushmanager.NewBlockError("pin", requested,
			fmt.Errorf("%w (capacity %d)", flushmanager.ErrNoAvailableBuffers, bm.maxBuffers))
	}

	f := bm.pool[victim]
	if f.isDirty {
		// Nobody holds a pin, so nobody may hold the latch for writing; the
		// read latch only orders us after the last writer.
		f.latch.RLock()
		err := bm.store.Write(victim, f.page)
		f.latch.RUnlock()
		if err != nil {
			bm.logger.Error("Failed to flush dirty victim, frame kept", zap.Stringer("victim", victim), zap.Error(err))
			return false, flushmanager.NewBlockError("evict", victim, err)
		}
		f.isDirty = false
		bm.stats.Flushes++
		bm.metrics.BufferFlushesCounter.Add(context.Background(), 1)
	}
	delete(bm.pool, victim)
	bm.replacer.Removed(victim)
	bm.stats.Evictions++
	bm.metrics.BufferEvictionsCounter.Add(context.Background(), 1)
	bm.logger.Debug("Evicted frame", zap.Stringer("victim", victim), zap.Stringer("for", requested))
	return false, nil
}

// flushInFlightLocked reports whether some unpinned frame is held back from
// eviction only by a running FlushPage.
func (bm *BufferManager) flushInFlightLocked() bool {
	for _, f := range bm.pool {
		if f.pinCount == 0 && f.flushing {
			return true
		}
	}
	return false
}

// UnpinPage drops one pin on blk and marks the frame dirty if isDirty is
// set. Unpinning a frame with no pins, or a block that is not resident, is a
// no-op. The only error comes from the eager write-back when FlushOnUnpin is
// enabled.
func (bm *BufferManager) UnpinPage(blk pagemanager.BlockID, isDirty bool) error {
	bm.mu.Lock()
	f, ok := bm.pool[blk]
	if !ok {
		bm.mu.Unlock()
		bm.logger.Warn("Unpin of a block that is not resident", zap.Stringer("block", blk))
		return nil
	}
	if isDirty {
		f.markDirty()
	}
	dropped := bm.unpinLocked(f)
	eager := dropped && bm.flushOnUnpin && f.pinCount == 0 && f.isDirty
	bm.logger.Debug("Unpinned block", zap.Stringer("block", blk),
		zap.Uint32("pinCount", f.pinCount), zap.Bool("isDirty", f.isDirty))
	bm.mu.Unlock()

	if eager {
		return bm.FlushPage(blk)
	}
	return nil
}

// FlushPage writes blk back if its frame is dirty and clears the flag. A
// clean or non-resident block is a no-op. The frame is marked in flight for
// the duration of the write, which keeps it resident without counting as a
// pin; a second FlushPage of the same block waits for the first.
func (bm *BufferManager) FlushPage(blk pagemanager.BlockID) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	var f *BufferFrame
	for {
		var ok bool
		f, ok = bm.pool[blk]
		if !ok || !f.isDirty {
			return nil
		}
		if !f.flushing {
			break
		}
		bm.flushDone.Wait()
	}
	f.flushing = true
	gen := f.dirtyGen

	// Drop the pool lock so a latch holder can still reach the manager.
	bm.mu.Unlock()
	f.latch.RLock()
	err := bm.store.Write(blk, f.page)
	f.latch.RUnlock()
	bm.mu.Lock()

	f.flushing = false
	bm.flushDone.Broadcast()
	if err != nil {
		bm.logger.Error("Failed to flush page", zap.Stringer("block", blk), zap.Error(err))
		return flushmanager.NewBlockError("flush", blk, err)
	}
	// A dirty mark that arrived during the write may cover bytes written
	// after our snapshot, so it keeps the frame dirty.
	if f.dirtyGen == gen {
		f.isDirty = false
	}
	bm.stats.Flushes++
	bm.metrics.BufferFlushesCounter.Add(context.Background(), 1)
	bm.logger.Debug("Flushed page", zap.Stringer("block", blk))
	return nil
}

// FlushAll writes back every dirty frame, then syncs the store if it
// supports it. It keeps going after a failure and returns the first error.
func (bm *BufferManager) FlushAll() error {
	var firstErr error
	for _, blk := range bm.dirtyBlocks(false) {
		if err := bm.FlushPage(blk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s, ok := bm.store.(syncer); ok {
		if err := s.SyncAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DirtyBlocks returns the dirty resident blocks that have no pins, ordered by
// BlockID.
func (bm *BufferManager) DirtyBlocks() []pagemanager.BlockID {
	return bm.dirtyBlocks(true)
}

func (bm *BufferManager) dirtyBlocks(unpinnedOnly bool) []pagemanager.BlockID {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	var out []pagemanager.BlockID
	for blk, f := range bm.pool {
		if f.isDirty && (!unpinnedOnly || f.pinCount == 0) {
			out = append(out, blk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// WithPage pins blk, runs fn with the page under the frame's write latch,
// and always unpins, marking the frame dirty if fn reports so.
func (bm *BufferManager) WithPage(blk pagemanager.BlockID, fn func(page *pagemanager.Page) (dirty bool, err error)) (err error) {
	h, err := bm.PinPage(blk)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	h.Lock()
	defer h.Unlock()
	dirty, err := fn(h.Page())
	if dirty {
		h.MarkDirty()
	}
	return err
}

func (bm *BufferManager) IsPinned(blk pagemanager.BlockID) bool {
	return bm.PinCount(blk) > 0
}

// PinCount returns blk's pin count, or 0 if it is not resident.
func (bm *BufferManager) PinCount(blk pagemanager.BlockID) uint32 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if f, ok := bm.pool[blk]; ok {
		return f.pinCount
	}
	return 0
}

func (bm *BufferManager) IsDirty(blk pagemanager.BlockID) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	f, ok := bm.pool[blk]
	return ok && f.isDirty
}

func (bm *BufferManager) Resident(blk pagemanager.BlockID) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	_, ok := bm.pool[blk]
	return ok
}

// Len returns the number of resident frames.
func (bm *BufferManager) Len() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return len(bm.pool)
}

func (bm *BufferManager) Capacity() int { return bm.maxBuffers }

func (bm *BufferManager) Stats() BufferStats {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	s := bm.stats
	s.Resident = len(bm.pool)
	for _, f := range bm.pool {
		if f.pinCount > 0 {
			s.Pinned++
		}
		if f.isDirty {
			s.Dirty++
		}
	}
	return s
}

// Close rejects further pins and writes back every dirty frame. It does not
// close the store, which the caller owns.
func (bm *BufferManager) Close() error {
	bm.mu.Lock()
	if bm.closed {
		bm.mu.Unlock()
		return nil
	}
	bm.closed = true
	var leaked int
	for _, f := range bm.pool {
		if f.pinCount > 0 {
			leaked++
		}
	}
	bm.mu.Unlock()

	if leaked > 0 {
		bm.logger.Warn("Closing with pinned frames", zap.Int("pinned", leaked))
	}
	err := bm.FlushAll()
	bm.logger.Info("BufferManager closed", zap.Error(err))
	return err
}
