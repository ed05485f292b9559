package container

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func blockAt(size, off uint32) Block {
	return Block{ZoneID: 0, ChunkID: 1, BlockOff: off, SizeIdx: size}
}

func testContainer(t *testing.T, newC func() Container) {
	t.Run("InsertContains", func(t *testing.T) {
		c := newC()
		b := blockAt(4, 8)
		require.False(t, c.Contains(b))
		c.Insert(b)
		require.True(t, c.Contains(b))
		require.Equal(t, 1, c.Len())
	})

	t.Run("RemoveExact", func(t *testing.T) {
		c := newC()
		b := blockAt(4, 8)
		c.Insert(b)
		require.True(t, c.RemoveExact(b))
		require.False(t, c.Contains(b))
		require.False(t, c.RemoveExact(b))
		require.True(t, c.IsEmpty())
	})

	t.Run("ClearEmptiesContainer", func(t *testing.T) {
		c := newC()
		c.Insert(blockAt(1, 0))
		c.Insert(blockAt(2, 0))
		c.Clear()
		require.True(t, c.IsEmpty())
		require.Equal(t, 0, c.Len())
	})
}

func TestCritBitSatisfiesContainer(t *testing.T) {
	testContainer(t, func() Container { return NewCritBit() })
}

func TestListHashSatisfiesContainer(t *testing.T) {
	testContainer(t, func() Container { return NewListHash() })
}

func TestCritBitRemoveBestFitPicksSmallestSufficientSize(t *testing.T) {
	c := NewCritBit()
	c.Insert(blockAt(8, 0))
	c.Insert(blockAt(4, 0))
	c.Insert(blockAt(16, 0))

	b, ok := c.RemoveBestFit(5)
	require.True(t, ok)
	require.EqualValues(t, 8, b.SizeIdx)
	require.False(t, c.Contains(b))
}

func TestCritBitRemoveBestFitTieBreaksOnLowestOffset(t *testing.T) {
	c := NewCritBit()
	c.Insert(blockAt(4, 100))
	c.Insert(blockAt(4, 10))
	c.Insert(blockAt(4, 50))

	b, ok := c.RemoveBestFit(4)
	require.True(t, ok)
	require.EqualValues(t, 10, b.BlockOff)
}

func TestCritBitRemoveBestFitNoneFits(t *testing.T) {
	c := NewCritBit()
	c.Insert(blockAt(2, 0))
	_, ok := c.RemoveBestFit(10)
	require.False(t, ok)
}

func TestCritBitOrderingSurvivesManyInsertsAndRemoves(t *testing.T) {
	c := NewCritBit()
	r := rand.New(rand.NewSource(1))
	var blocks []Block
	for i := 0; i < 500; i++ {
		b := Block{ZoneID: uint32(i % 7), ChunkID: uint32(i % 11), BlockOff: uint32(r.Intn(1 << 15)), SizeIdx: uint32(1 + r.Intn(1<<10))}
		blocks = append(blocks, b)
		c.Insert(b)
	}
	require.Equal(t, len(blocks), c.Len())

	for _, b := range blocks {
		require.True(t, c.Contains(b))
	}
	for i, b := range blocks {
		if i%2 == 0 {
			require.True(t, c.RemoveExact(b))
		}
	}
	for i, b := range blocks {
		if i%2 == 0 {
			require.False(t, c.Contains(b))
		} else {
			require.True(t, c.Contains(b))
		}
	}
}

func TestListHashRemoveBestFitReturnsHeadInAddressOrder(t *testing.T) {
	h := NewListHash()
	h.Insert(blockAt(4, 100))
	h.Insert(blockAt(4, 10))
	h.Insert(blockAt(4, 50))

	b, ok := h.RemoveBestFit(4)
	require.True(t, ok)
	require.EqualValues(t, 10, b.BlockOff)

	b, ok = h.RemoveBestFit(4)
	require.True(t, ok)
	require.EqualValues(t, 50, b.BlockOff)
}

func TestListHashRemoveBestFitRejectsTooSmall(t *testing.T) {
	h := NewListHash()
	h.Insert(blockAt(2, 0))
	_, ok := h.RemoveBestFit(4)
	require.False(t, ok)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	b := Block{ZoneID: 7, ChunkID: 42, BlockOff: 1000, SizeIdx: 99}
	got := Unpack(b.Pack())
	require.Equal(t, b, got)
}

func TestPackOrdersBySizeFirst(t *testing.T) {
	small := Block{SizeIdx: 1, BlockOff: 0xFFFF, ChunkID: 0xFFFF, ZoneID: 0xFFF}
	big := Block{SizeIdx: 2, BlockOff: 0, ChunkID: 0, ZoneID: 0}
	require.Less(t, small.Pack(), big.Pack())
}
