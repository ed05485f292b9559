package bucket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/nvml/container"
)

func TestHugeBucketTakeBestFitAndPut(t *testing.T) {
	bk := NewHuge(container.NewCritBit())
	bk.Lock()
	defer bk.Unlock()

	bk.Put(container.Block{ZoneID: 0, ChunkID: 4, SizeIdx: 10})
	blk, ok := bk.TakeBestFit(5)
	require.True(t, ok)
	require.EqualValues(t, 10, blk.SizeIdx)

	_, ok = bk.TakeBestFit(1)
	require.False(t, ok)
}

func TestRunBucketRefillAndEvict(t *testing.T) {
	bk := NewRun(Class{ID: 1, UnitSize: 128}, container.NewCritBit())
	bk.Lock()
	defer bk.Unlock()

	_, ok := bk.Refill()
	require.False(t, ok)

	bk.Put(container.Block{ZoneID: 2, ChunkID: 9, SizeIdx: 500})
	active, ok := bk.Refill()
	require.True(t, ok)
	require.EqualValues(t, 9, active.ChunkID)
	require.Equal(t, 500, active.NLive)

	// Refill does not replace an existing active run.
	bk.Put(container.Block{ZoneID: 3, ChunkID: 1, SizeIdx: 200})
	same, ok := bk.Refill()
	require.True(t, ok)
	require.Same(t, active, same)

	bk.Evict()
	_, ok = bk.Active()
	require.False(t, ok)

	next, ok := bk.Refill()
	require.True(t, ok)
	require.EqualValues(t, 1, next.ChunkID)
}

func TestDefaultClassTableLookup(t *testing.T) {
	ct := DefaultClassTable()

	c, isRun := ct.Lookup(20)
	require.True(t, isRun)
	require.EqualValues(t, 32, c.UnitSize)

	c, isRun = ct.Lookup(16)
	require.True(t, isRun)
	require.EqualValues(t, 16, c.UnitSize)

	_, isRun = ct.Lookup(1 << 20)
	require.False(t, isRun)
}

func TestClassTableSetRangeOverridesAndSorts(t *testing.T) {
	ct := &ClassTable{}
	ct.SetRange(64, Class{ID: 1, UnitSize: 64})
	ct.SetRange(32, Class{ID: 2, UnitSize: 32})
	ct.SetRange(64, Class{ID: 3, UnitSize: 64}) // override, not duplicate

	require.Len(t, ct.ranges, 2)
	c, isRun := ct.Lookup(40)
	require.True(t, isRun)
	require.EqualValues(t, 64, c.UnitSize)
	require.EqualValues(t, 3, c.ID)
}
