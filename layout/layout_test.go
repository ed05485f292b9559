package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolHeaderRoundTrip(t *testing.T) {
	h := &PoolHeader{
		Signature:     Signature,
		FormatMajor:   FormatMajor,
		FormatMinor:   FormatMinor,
		PoolSize:      64 << 20,
		ChunkSize:     DefaultChunkSize,
		ChunksPerZone: DefaultChunksPerZone,
		InfoSlots:     DefaultInfoSlots,
		State:         StateOpen,
	}
	buf := make([]byte, PoolHeaderSize)
	h.Encode(buf)
	require.True(t, Valid(buf))

	var got PoolHeader
	got.Decode(buf)
	require.Equal(t, h.PoolSize, got.PoolSize)
	require.Equal(t, h.ChunkSize, got.ChunkSize)
	require.Equal(t, h.Checksum, got.Checksum)
}

func TestPoolHeaderChecksumDetectsCorruption(t *testing.T) {
	h := &PoolHeader{Signature: Signature, PoolSize: 1 << 20}
	buf := make([]byte, PoolHeaderSize)
	h.Encode(buf)
	buf[100] ^= 0xFF
	require.False(t, Valid(buf))
}

func TestInfoSlotRoundTrip(t *testing.T) {
	s := &InfoSlot{Type: SlotRealloc, DstOff: 4096, OldVal: 2048}
	buf := make([]byte, InfoSlotSize)
	s.Encode(buf)

	var got InfoSlot
	got.Decode(buf)
	require.Equal(t, *s, got)
}

func TestChunkHeaderWrittenAndUsed(t *testing.T) {
	var c ChunkHeader
	require.False(t, c.Written())

	c = ChunkHeader{Magic: ChunkMagic, Type: ChunkTypeBase, Flags: ChunkFlagUsed, SizeIdx: 3}
	buf := make([]byte, ChunkHeaderSize)
	c.Encode(buf)

	var got ChunkHeader
	got.Decode(buf)
	require.True(t, got.Written())
	require.True(t, got.Used())
	require.EqualValues(t, 3, got.SizeIdx)
}

func TestZoneLayoutArithmetic(t *testing.T) {
	const chunkSize, chunksPerZone = DefaultChunkSize, DefaultChunksPerZone
	poolSize := InfoSlotsEnd(DefaultInfoSlots) + 4*ZoneSize(chunkSize, chunksPerZone)
	n := ZoneCount(poolSize, DefaultInfoSlots, chunkSize, chunksPerZone)
	require.Equal(t, 4, n)

	for z := 0; z < n; z++ {
		cnt := ZoneChunkCount(z, n, poolSize, DefaultInfoSlots, chunkSize, chunksPerZone)
		require.EqualValues(t, chunksPerZone, cnt)
	}
}

func TestRunHeaderRoundTrip(t *testing.T) {
	r := &RunHeader{UnitSize: 128, NAllocs: 900}
	buf := make([]byte, RunHeaderSize)
	r.Encode(buf)

	var got RunHeader
	got.Decode(buf)
	require.Equal(t, *r, got)
}

func TestRunLiveUnitsCapsAtBitmapWidth(t *testing.T) {
	n := RunLiveUnits(DefaultChunkSize, 16)
	require.EqualValues(t, RunBitmapBits, n)

	n = RunLiveUnits(DefaultChunkSize, 4096)
	require.Less(t, n, uint64(RunBitmapBits))
}

func TestZoneCountShortTrailingZone(t *testing.T) {
	const chunkSize, chunksPerZone = DefaultChunkSize, DefaultChunksPerZone
	full := ZoneSize(chunkSize, chunksPerZone)
	// One full zone plus enough for a short zone with 3 chunks.
	short := ZoneHeaderSize(chunksPerZone) + 3*int64(chunkSize)
	poolSize := int64(InfoSlotsEnd(DefaultInfoSlots)) + full + short

	n := ZoneCount(poolSize, DefaultInfoSlots, chunkSize, chunksPerZone)
	require.Equal(t, 2, n)
	require.EqualValues(t, 3, ZoneChunkCount(1, n, poolSize, DefaultInfoSlots, chunkSize, chunksPerZone))
}
