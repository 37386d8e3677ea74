package memtable

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultFlushInterval is how often the background flusher wakes up.
const DefaultFlushInterval = 500 * time.Millisecond

// Flusher periodically writes back dirty, unpinned frames so eviction rarely
// has to pay for the write. Writes are paced by a token bucket.
type Flusher struct {
	bm       *BufferManager
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewFlusher creates a Flusher over bm. pagesPerSecond <= 0 disables pacing.
func NewFlusher(bm *BufferManager, interval time.Duration, pagesPerSecond float64, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	limit := rate.Inf
	if pagesPerSecond > 0 {
		limit = rate.Limit(pagesPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		bm:       bm,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("flusher"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background goroutine. Calling it twice has no effect.
func (f *Flusher) Start() {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.run()
	})
}

func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-f.stopChan
		cancel()
	}()

	for {
		select {
		case <-f.stopChan:
			f.logger.Info("Flusher stopping")
			return
		case <-ticker.C:
			n, err := f.FlushOnce(ctx)
			if err != nil && ctx.Err() == nil {
				f.logger.Error("Periodic flush failed", zap.Int("flushed", n), zap.Error(err))
			} else if n > 0 {
				f.logger.Debug("Periodic flush", zap.Int("flushed", n))
			}
		}
	}
}

// FlushOnce writes back the dirty, unpinned frames present right now and
// returns how many it flushed. It stops at the first error or when ctx is
// done.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	flushed := 0
	for _, blk := range f.bm.DirtyBlocks() {
		if err := f.limiter.Wait(ctx); err != nil {
			return flushed, err
		}
		if err := f.bm.FlushPage(blk); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

// Stop signals the goroutine and waits for it to exit. Dirty frames left
// behind are the BufferManager's to flush on Close.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}
