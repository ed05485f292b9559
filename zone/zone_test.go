package zone

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/nvml/container"
	"github.com/pbalcer/nvml/layout"
	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/redo"
	"github.com/pbalcer/nvml/txctx"
)

func newTestZone(t *testing.T, chunksPerZone uint64) (*Zone, pmem.Backend) {
	t.Helper()
	const chunkSize = layout.DefaultChunkSize
	size := layout.ZoneHeaderSize(chunksPerZone) + int64(chunksPerZone)*int64(chunkSize) + 1<<20
	b := pmem.NewMemBackend(size)
	z := &Zone{ID: 0, Offset: 0, ChunkSize: chunkSize, ChunksPerZone: chunksPerZone, ChunkCount: chunksPerZone}
	return z, b
}

func TestEffectiveHeaderTreatsUnwrittenAsFreeToEnd(t *testing.T) {
	z, b := newTestZone(t, 64)
	h := z.EffectiveHeader(b, 10)
	require.Equal(t, layout.ChunkTypeBase, h.Type)
	require.EqualValues(t, 54, h.SizeIdx)
}

func TestSplitWritesTailThenShrinksHead(t *testing.T) {
	z, b := newTestZone(t, 64)
	head := layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: 64}

	tail, err := z.Split(b, 0, head, 10)
	require.NoError(t, err)
	require.EqualValues(t, 10, tail.ChunkID)
	require.EqualValues(t, 54, tail.SizeIdx)

	newHead := z.EffectiveHeader(b, 0)
	require.EqualValues(t, 10, newHead.SizeIdx)
	tailHeader := z.EffectiveHeader(b, 10)
	require.EqualValues(t, 54, tailHeader.SizeIdx)
	require.True(t, tailHeader.Written())
}

func TestSplitRejectsTooSmallHead(t *testing.T) {
	z, b := newTestZone(t, 64)
	head := layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: 4}
	_, err := z.Split(b, 0, head, 4)
	require.Error(t, err)
}

func TestCoalesceMergesBothNeighbors(t *testing.T) {
	z, b := newTestZone(t, 64)
	cont := container.NewCritBit()

	require.NoError(t, z.WriteHeader(b, 0, layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: 5}))
	cont.Insert(container.Block{ZoneID: z.ID, ChunkID: 0, SizeIdx: 5})

	require.NoError(t, z.WriteHeader(b, 10, layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: 3}))
	cont.Insert(container.Block{ZoneID: z.ID, ChunkID: 10, SizeIdx: 3})

	// chunk 5..9 (size 5) is being freed now; left neighbor at 0 (size 5)
	// spans exactly to 5, right neighbor at 10.
	log := redo.New(b, 1<<20-4096, nil)
	require.NoError(t, redo.Init(b, 1<<20-4096, 8))
	ctx := txctx.New(log)

	merged, removed := z.Coalesce(b, ctx, cont, 5, 5)
	require.EqualValues(t, 0, merged.ChunkID)
	require.EqualValues(t, 13, merged.SizeIdx)
	require.Len(t, removed, 2)
	require.False(t, cont.Contains(container.Block{ZoneID: z.ID, ChunkID: 0, SizeIdx: 5}))
	require.False(t, cont.Contains(container.Block{ZoneID: z.ID, ChunkID: 10, SizeIdx: 3}))

	require.NoError(t, ctx.Process(b))
	h := z.EffectiveHeader(b, 0)
	require.EqualValues(t, 13, h.SizeIdx)
	require.False(t, h.Used())
}

func TestCoalesceWithNoFreeNeighborsKeepsOwnSpan(t *testing.T) {
	z, b := newTestZone(t, 64)
	cont := container.NewCritBit()

	require.NoError(t, z.WriteHeader(b, 0, layout.ChunkHeader{Type: layout.ChunkTypeBase, Flags: layout.ChunkFlagUsed, SizeIdx: 2}))
	require.NoError(t, z.WriteHeader(b, 7, layout.ChunkHeader{Type: layout.ChunkTypeBase, Flags: layout.ChunkFlagUsed, SizeIdx: 2}))

	require.NoError(t, redo.Init(b, 1<<20-4096, 8))
	log := redo.New(b, 1<<20-4096, nil)
	ctx := txctx.New(log)

	merged, removed := z.Coalesce(b, ctx, cont, 2, 5)
	require.EqualValues(t, 2, merged.ChunkID)
	require.EqualValues(t, 5, merged.SizeIdx)
	require.Len(t, removed, 0)
}

func TestPromoteRunThenDemote(t *testing.T) {
	z, b := newTestZone(t, 64)

	block, err := z.PromoteRun(b, 3, 128)
	require.NoError(t, err)
	require.EqualValues(t, 3, block.ChunkID)
	require.EqualValues(t, layout.RunLiveUnits(layout.DefaultChunkSize, 128), block.SizeIdx)

	h := z.EffectiveHeader(b, 3)
	require.Equal(t, layout.ChunkTypeRun, h.Type)
	require.True(t, h.Used())

	demoted, err := z.DemoteRun(b, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, demoted.ChunkID)

	h2 := z.EffectiveHeader(b, 3)
	require.Equal(t, layout.ChunkTypeBase, h2.Type)
	require.False(t, h2.Used())
}

func TestPromoteRunBitmapAndRunHeaderPersisted(t *testing.T) {
	z, b := newTestZone(t, 64)
	_, err := z.PromoteRun(b, 0, 64)
	require.NoError(t, err)

	dataOff := z.DataOffset(0)
	var rh layout.RunHeader
	buf := make([]byte, layout.RunHeaderSize)
	pmem.ReadAt(b, buf, layout.RunHeaderOffset(dataOff))
	rh.Decode(buf)
	require.EqualValues(t, 64, rh.UnitSize)
	require.EqualValues(t, layout.RunLiveUnits(layout.DefaultChunkSize, 64), rh.NAllocs)
}
