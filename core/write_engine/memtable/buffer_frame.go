package memtable

import (
	"sync"
	"sync/atomic"

	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
)

// BufferFrame is one slot of the buffer pool: a block's page plus its pin
// count and dirty flag. pinCount, isDirty, dirtyGen and flushing are guarded
// by the owning BufferManager's mutex; the page bytes are guarded by latch.
type BufferFrame struct {
	block    pagemanager.BlockID
	page     *pagemanager.Page
	pinCount uint32
	isDirty  bool
	dirtyGen uint64 // bumped whenever the frame is marked dirty
	flushing bool   // a FlushPage write is in flight; the frame cannot be evicted

	latch sync.RWMutex
}

func newBufferFrame(block pagemanager.BlockID, page *pagemanager.Page) *BufferFrame {
	return &BufferFrame{block: block, page: page}
}

func (f *BufferFrame) markDirty() {
	f.isDirty = true
	f.dirtyGen++
}

// PageHandle is a caller's pinned view of a frame. The pin is held until
// Release; after that the page must not be touched.
type PageHandle struct {
	bm       *BufferManager
	frame    *BufferFrame
	dirty    atomic.Bool
	released atomic.Bool
}

func (h *PageHandle) Block() pagemanager.BlockID { return h.frame.block }

// Page returns the pinned page. Hold the handle's latch while reading or
// writing it if other goroutines may pin the same block.
func (h *PageHandle) Page() *pagemanager.Page { return h.frame.page }

func (h *PageHandle) RLock()   { h.frame.latch.RLock() }
func (h *PageHandle) RUnlock() { h.frame.latch.RUnlock() }
func (h *PageHandle) Lock()    { h.frame.latch.Lock() }
func (h *PageHandle) Unlock()  { h.frame.latch.Unlock() }

// MarkDirty records that the caller modified the page; the frame is marked
// dirty when the handle is released.
func (h *PageHandle) MarkDirty() { h.dirty.Store(true) }

// Release drops this handle's pin. Only the first call has an effect.
func (h *PageHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.bm.UnpinPage(h.frame.block, h.dirty.Load())
}
