package pagemanager

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPage_IntAndStringRoundTrip(t *testing.T) {
	p := NewPage(DefaultBlockSize)

	require.NoError(t, p.SetInt(0, 12345))
	require.NoError(t, p.SetString(4, "Hello, SimpleDB!"))
	require.NoError(t, p.SetInt(100, -7))

	v, err := p.GetInt(0)
	require.NoError(t, err)
	require.Equal(t, int32(12345), v)

	s, err := p.GetString(4, len("Hello, SimpleDB!"))
	require.NoError(t, err)
	require.Equal(t, "Hello, SimpleDB!", s)

	neg, err := p.GetInt(100)
	require.NoError(t, err)
	require.Equal(t, int32(-7), neg)
}

func TestPage_IntIsBigEndian(t *testing.T) {
	p := NewPage(16)
	require.NoError(t, p.SetInt(0, 0x01020304))
	b, err := p.ReadBytes(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, b)

	require.NoError(t, p.SetInt(4, -1))
	b, err = p.ReadBytes(4, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b)
}

func TestPage_NewPageIsZeroed(t *testing.T) {
	p := NewPage(64)
	require.Equal(t, 64, p.Size())
	require.Equal(t, make([]byte, 64), p.Bytes())
}

func TestPage_OutOfBounds(t *testing.T) {
	p := NewPage(16)
	require.NoError(t, p.SetInt(8, 99))

	err := p.SetInt(13, 1)
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = p.GetInt(16)
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = p.GetInt(-1)
	require.ErrorIs(t, err, ErrOutOfBounds)

	err = p.SetString(10, "seven!!")
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = p.ReadBytes(0, 17)
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = p.ReadBytes(4, -1)
	require.ErrorIs(t, err, ErrOutOfBounds)

	// A failed write leaves neighbouring bytes alone.
	v, err := p.GetInt(8)
	require.NoError(t, err)
	require.Equal(t, int32(99), v)
	tail, err := p.ReadBytes(12, 4)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4), tail)
}

func TestPage_WriteAtExactEnd(t *testing.T) {
	p := NewPage(16)
	require.NoError(t, p.SetInt(12, 5))
	require.NoError(t, p.WriteBytes(16, nil))
	b, err := p.ReadBytes(16, 0)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestPage_InvalidUTF8(t *testing.T) {
	p := NewPage(16)
	require.NoError(t, p.WriteBytes(0, []byte{0xff, 0xfe, 0xfd}))
	_, err := p.GetString(0, 3)
	require.True(t, errors.Is(err, ErrUTF8Decode))
}

func TestPage_NoAliasing(t *testing.T) {
	src := []byte("abcdef")
	p := NewPageFromBytes(src)
	src[0] = 'z'

	got, err := p.ReadBytes(0, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), got)

	got[1] = 'y'
	again, err := p.ReadBytes(0, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), again)

	snapshot := p.Bytes()
	snapshot[2] = 'x'
	require.Equal(t, []byte("abcdef"), p.Bytes())
}

func TestPage_ResetAndCopyFrom(t *testing.T) {
	a := NewPage(8)
	b := NewPage(8)
	require.NoError(t, a.SetInt(0, 42))
	require.NoError(t, b.CopyFrom(a))
	v, err := b.GetInt(0)
	require.NoError(t, err)
	require.Equal(t, int32(42), v)

	a.Reset()
	require.Equal(t, make([]byte, 8), a.Bytes())
	require.ErrorIs(t, a.CopyFrom(NewPage(4)), ErrOutOfBounds)
}

func TestBlockID_EqualityAndOrdering(t *testing.T) {
	a := NewBlockID("t.db", 1)
	b := NewBlockID("t.db", 1)
	require.Equal(t, a, b)
	require.True(t, a == b)
	require.NotEqual(t, a, NewBlockID("u.db", 1))
	require.Equal(t, "t.db#1", a.String())
	require.Equal(t, int64(8192), NewBlockID("t.db", 2).Offset(4096))

	set := map[BlockID]int{a: 1}
	set[b]++
	require.Len(t, set, 1)
	require.Equal(t, 2, set[a])

	blocks := []BlockID{
		NewBlockID("b.db", 0),
		NewBlockID("a.db", 2),
		NewBlockID("a.db", 1),
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Less(blocks[j]) })
	require.Equal(t, []BlockID{
		NewBlockID("a.db", 1),
		NewBlockID("a.db", 2),
		NewBlockID("b.db", 0),
	}, blocks)
}
