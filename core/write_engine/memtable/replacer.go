package memtable

import (
	"container/list"
	"fmt"
	"strings"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
)

// ReplacerPolicy names an eviction policy.
type ReplacerPolicy string

const (
	PolicyFIFO  ReplacerPolicy = "fifo"
	PolicyLRU   ReplacerPolicy = "lru"
	PolicyClock ReplacerPolicy = "clock"
)

// Replacer picks which resident block to evict. Implementations are not
// safe for concurrent use; the BufferManager calls them under its mutex.
type Replacer interface {
	// Loaded records a block that was just brought into the pool.
	Loaded(blk pagemanager.BlockID)
	// Accessed records a pin on a block that was already resident.
	Accessed(blk pagemanager.BlockID)
	// Removed forgets a block that left the pool.
	Removed(blk pagemanager.BlockID)
	// Victim returns a block for which evictable reports true, or false
	// if there is none. It does not remove the block.
	Victim(evictable func(pagemanager.BlockID) bool) (pagemanager.BlockID, bool)
}

// NewReplacer builds the replacer for policy. An empty policy means fifo.
func NewReplacer(policy ReplacerPolicy) (Replacer, error) {
	switch ReplacerPolicy(strings.ToLower(string(policy))) {
	case PolicyFIFO, "":
		return newListReplacer(false), nil
	case PolicyLRU:
		return newListReplacer(true), nil
	case PolicyClock:
		return newClockReplacer(), nil
	default:
		return nil, fmt.Errorf("%w: unknown eviction policy %q", flushmanager.ErrInvalidConfig, policy)
	}
}

// listReplacer keeps blocks in a list, oldest at the front. With
// moveOnAccess unset the order is load order (first unpinned found wins);
// with it set the list is an LRU.
type listReplacer struct {
	order        *list.List
	elems        map[pagemanager.BlockID]*list.Element
	moveOnAccess bool
}

func newListReplacer(moveOnAccess bool) *listReplacer {
	return &listReplacer{
		order:        list.New(),
		elems:        make(map[pagemanager.BlockID]*list.Element),
		moveOnAccess: moveOnAccess,
	}
}

func (r *listReplacer) Loaded(blk pagemanager.BlockID) {
	if e, ok := r.elems[blk]; ok {
		r.order.MoveToBack(e)
		return
	}
	r.elems[blk] = r.order.PushBack(blk)
}

func (r *listReplacer) Accessed(blk pagemanager.BlockID) {
	if !r.moveOnAccess {
		return
	}
	if e, ok := r.elems[blk]; ok {
		r.order.MoveToBack(e)
	}
}

func (r *listReplacer) Removed(blk pagemanager.BlockID) {
	if e, ok := r.elems[blk]; ok {
		r.order.Remove(e)
		delete(r.elems, blk)
	}
}

func (r *listReplacer) Victim(evictable func(pagemanager.BlockID) bool) (pagemanager.BlockID, bool) {
	for e := r.order.Front(); e != nil; e = e.Next() {
		blk := e.Value.(pagemanager.BlockID)
		if evictable(blk) {
			return blk, true
		}
	}
	return pagemanager.BlockID{}, false
}

type clockEntry struct {
	blk        pagemanager.BlockID
	referenced bool
}

// clockReplacer is the second-chance algorithm: the hand sweeps the ring,
// clearing reference bits, and stops at the first evictable block whose bit
// is already clear.
type clockReplacer struct {
	ring []clockEntry
	hand int
}

func newClockReplacer() *clockReplacer { return &clockReplacer{} }

func (r *clockReplacer) index(blk pagemanager.BlockID) int {
	for i := range r.ring {
		if r.ring[i].blk == blk {
			return i
		}
	}
	return -1
}

func (r *clockReplacer) Loaded(blk pagemanager.BlockID) {
	if i := r.index(blk); i >= 0 {
		r.ring[i].referenced = true
		return
	}
	// Insert just behind the hand so the new block is the last one visited.
	r.ring = append(r.ring, clockEntry{})
	copy(r.ring[r.hand+1:], r.ring[r.hand:])
	r.ring[r.hand] = clockEntry{blk: blk, referenced: true}
	r.hand = (r.hand + 1) % len(r.ring)
}

func (r *clockReplacer) Accessed(blk pagemanager.BlockID) {
	if i := r.index(blk); i >= 0 {
		r.ring[i].referenced = true
	}
}

func (r *clockReplacer) Removed(blk pagemanager.BlockID) {
	i := r.index(blk)
	if i < 0 {
		return
	}
	r.ring = append(r.ring[:i], r.ring[i+1:]...)
	if i < r.hand {
		r.hand--
	}
	if len(r.ring) == 0 || r.hand >= len(r.ring) {
		r.hand = 0
	}
}

func (r *clockReplacer) Victim(evictable func(pagemanager.BlockID) bool) (pagemanager.BlockID, bool) {
	n := len(r.ring)
	// Two sweeps: the first may only clear reference bits.
	for step := 0; step < 2*n; step++ {
		e := &r.ring[r.hand]
		if evictable(e.blk) {
			if !e.referenced {
				return e.blk, true
			}
			e.referenced = false
		}
		r.hand = (r.hand + 1) % n
	}
	return pagemanager.BlockID{}, false
}
