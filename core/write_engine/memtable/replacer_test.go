package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
)

func all(pagemanager.BlockID) bool { return true }

func except(skip ...pagemanager.BlockID) func(pagemanager.BlockID) bool {
	return func(b pagemanager.BlockID) bool {
		for _, s := range skip {
			if s == b {
				return false
			}
		}
		return true
	}
}

func TestNewReplacer(t *testing.T) {
	for _, p := range []ReplacerPolicy{"", PolicyFIFO, PolicyLRU, PolicyClock, "LRU"} {
		r, err := NewReplacer(p)
		require.NoError(t, err, p)
		require.NotNil(t, r)
	}
	_, err := NewReplacer("mru")
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

func TestFIFOReplacer(t *testing.T) {
	r, err := NewReplacer(PolicyFIFO)
	require.NoError(t, err)

	_, ok := r.Victim(all)
	require.False(t, ok, "empty replacer has no victim")

	r.Loaded(blk(0))
	r.Loaded(blk(1))
	r.Loaded(blk(2))
	r.Accessed(blk(0))

	v, ok := r.Victim(all)
	require.True(t, ok)
	require.Equal(t, blk(0), v, "access does not reorder fifo")

	v, ok = r.Victim(except(blk(0)))
	require.True(t, ok)
	require.Equal(t, blk(1), v)

	r.Removed(blk(0))
	r.Removed(blk(0))
	v, ok = r.Victim(all)
	require.True(t, ok)
	require.Equal(t, blk(1), v)

	_, ok = r.Victim(func(pagemanager.BlockID) bool { return false })
	require.False(t, ok)
}

func TestLRUReplacer(t *testing.T) {
	r, err := NewReplacer(PolicyLRU)
	require.NoError(t, err)

	r.Loaded(blk(0))
	r.Loaded(blk(1))
	r.Loaded(blk(2))
	r.Accessed(blk(0))
	r.Accessed(blk(1))

	v, ok := r.Victim(all)
	require.True(t, ok)
	require.Equal(t, blk(2), v)

	r.Removed(blk(2))
	v, ok = r.Victim(all)
	require.True(t, ok)
	require.Equal(t, blk(0), v)
}

func TestClockReplacer_SecondChance(t *testing.T) {
	r, err := NewReplacer(PolicyClock)
	require.NoError(t, err)

	r.Loaded(blk(0))
	r.Loaded(blk(1))
	r.Loaded(blk(2))

	// Every bit is set, so the first sweep clears them and the oldest goes.
	v, ok := r.Victim(all)
	require.True(t, ok)
	require.Equal(t, blk(0), v)
	r.Removed(blk(0))

	// Block 1 is referenced again and gets a second chance over block 2.
	r.Accessed(blk(1))
	r.Loaded(blk(3))
	v, ok = r.Victim(all)
	require.True(t, ok)
	require.Equal(t, blk(2), v)
	r.Removed(blk(2))

	// Pinned blocks are skipped even with a clear bit.
	v, ok = r.Victim(except(blk(1)))
	require.True(t, ok)
	require.Equal(t, blk(3), v)

	_, ok = r.Victim(func(pagemanager.BlockID) bool { return false })
	require.False(t, ok)
}
