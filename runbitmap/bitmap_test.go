package runbitmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/nvml/redo"
)

func TestInitWordsSetsForcedTailBits(t *testing.T) {
	words := InitWords(2, 100) // 128 bits total, 100 live
	require.True(t, IsEmpty(words, 100))
	for i := 100; i < 128; i++ {
		require.True(t, getBit(words, i), "bit %d should be forced set", i)
	}
}

func TestFindFreeLowestOffsetWins(t *testing.T) {
	words := InitWords(1, 64)
	// mark bits 0-1 used, leave 2.. free
	words[0] |= 0x3

	off, ok := FindFree(words, 64, 1)
	require.True(t, ok)
	require.Equal(t, 2, off)

	off, ok = FindFree(words, 64, 3)
	require.True(t, ok)
	require.Equal(t, 2, off)
}

func TestFindFreeSpanningTwoWords(t *testing.T) {
	words := InitWords(2, 128)
	// fill everything except bits 62..65 (spans word 0 and word 1)
	for i := 0; i < 128; i++ {
		if i >= 62 && i < 66 {
			continue
		}
		words[i/64] |= 1 << uint(i%64)
	}

	off, ok := FindFree(words, 128, 4)
	require.True(t, ok)
	require.Equal(t, 62, off)
}

func TestFindFreeNoRoom(t *testing.T) {
	words := InitWords(1, 4)
	words[0] = 0xF // fill all live bits
	_, ok := FindFree(words, 4, 1)
	require.False(t, ok)
}

func TestAllocThenFreeEntriesRoundTrip(t *testing.T) {
	base := int64(4096)
	words := InitWords(2, 128)

	allocEntries := AllocEntries(base, 62, 4)
	require.Len(t, allocEntries, 2)
	for _, e := range allocEntries {
		require.Equal(t, redo.OpOr, e.Op)
		w := int((e.Offset - base) / 8)
		words[w] |= e.Value
	}
	require.False(t, IsFree(words, 62, 4))
	require.Equal(t, 4, PopcountLive(words, 128))

	freeEntries := FreeEntries(base, 62, 4)
	require.Len(t, freeEntries, 2)
	for _, e := range freeEntries {
		require.Equal(t, redo.OpAnd, e.Op)
		w := int((e.Offset - base) / 8)
		words[w] &= e.Value
	}
	require.True(t, IsFree(words, 62, 4))
	require.True(t, IsEmpty(words, 128))
}

func TestAllocEntriesSingleWordProducesOneEntry(t *testing.T) {
	entries := AllocEntries(0, 2, 3)
	require.Len(t, entries, 1)
	require.EqualValues(t, 0x1C, entries[0].Value) // bits 2,3,4
}

func TestPopcountLiveIgnoresForcedTailBits(t *testing.T) {
	words := InitWords(1, 10) // 54 bits forced set beyond the 10 live ones
	require.Equal(t, 0, PopcountLive(words, 10))
	words[0] |= 0x1
	require.Equal(t, 1, PopcountLive(words, 10))
}
