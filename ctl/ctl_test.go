package ctl

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/nvml/bucket"
	"github.com/pbalcer/nvml/heap"
	"github.com/pbalcer/nvml/pmem"
)

func newTestCtl(t *testing.T) *Ctl {
	t.Helper()
	b := pmem.NewMemBackend(4 * 1024 * 1024)
	h, err := heap.Create(b, 4*1024*1024, heap.Config{
		ChunkSize: 16 * 1024, ChunksPerZone: 16, InfoSlots: 8, NumLanes: 4, LaneLogCap: 8,
	})
	require.NoError(t, err)
	return New(h)
}

func TestGetStatsHeapKeys(t *testing.T) {
	c := newTestCtl(t)
	for _, key := range []string{"stats.heap.allocated", "stats.heap.freed", "stats.heap.active_zones"} {
		v, err := c.Get(key)
		require.NoError(t, err)
		require.Zero(t, v)
	}
}

func TestGetAllocClassDesc(t *testing.T) {
	c := newTestCtl(t)
	classes := bucket.DefaultClassTable().Classes()
	v, err := c.Get("heap.alloc_class." + strconv.Itoa(int(classes[0].ID)) + ".desc")
	require.NoError(t, err)
	require.Equal(t, classes[0].UnitSize, v)
}

func TestGetUnknownKeyIsInvalidArgument(t *testing.T) {
	c := newTestCtl(t)
	_, err := c.Get("not.a.real.key")
	require.Error(t, err)
	var invalid *heap.InvalidArgument
	require.ErrorAs(t, err, &invalid)
}

func TestSetAllocClassReset(t *testing.T) {
	c := newTestCtl(t)
	c.SetAllocClassRange(99999, bucket.Class{ID: 77, UnitSize: 12345, Variant: bucket.VariantCompact})
	require.NoError(t, c.Set("heap.alloc_class.reset", 0))
	_, err := c.Get("heap.alloc_class.77.desc")
	require.Error(t, err)
}

func TestDebugTestKeys(t *testing.T) {
	c := newTestCtl(t)
	require.NoError(t, c.Set("debug.test_wo", 42))
	v, err := c.Get("debug.test_ro")
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, c.Set("debug.test_rw", 7))
	v, err = c.Get("debug.test_rw")
	require.NoError(t, err)
	require.Equal(t, uint64(7), v)
}

