package redo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/nvml/pmem"
)

func u64(b pmem.Backend, off int64) uint64 {
	return binary.LittleEndian.Uint64(b.Bytes()[off:])
}

func putU64(b pmem.Backend, off int64, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	pmem.WriteAt(b, off, buf)
}

func TestStoreProcessAppliesInOrder(t *testing.T) {
	b := pmem.NewMemBackend(4096)
	const logOff = 1024
	require.NoError(t, Init(b, logOff, 8))
	l := New(b, logOff, nil)

	targetA, targetB := int64(0), int64(8)
	putU64(b, targetB, 0xFF)

	require.NoError(t, l.Store([]Entry{
		{Offset: targetA, Op: OpSet, Value: 42},
		{Offset: targetB, Op: OpAnd, Value: 0x0F},
	}))

	require.NoError(t, l.Process())
	require.EqualValues(t, 42, u64(b, targetA))
	require.EqualValues(t, 0x0F, u64(b, targetB))
}

func TestProcessIsIdempotent(t *testing.T) {
	b := pmem.NewMemBackend(4096)
	const logOff = 1024
	require.NoError(t, Init(b, logOff, 4))
	l := New(b, logOff, nil)

	require.NoError(t, l.Store([]Entry{{Offset: 0, Op: OpOr, Value: 0x1}}))
	require.NoError(t, l.Process())
	before := u64(b, 0)
	require.NoError(t, l.Process())
	require.Equal(t, before, u64(b, 0))
}

func TestRecoverReplaysUnprocessedLog(t *testing.T) {
	b := pmem.NewMemBackend(4096)
	const logOff = 1024
	require.NoError(t, Init(b, logOff, 4))
	l := New(b, logOff, nil)

	require.NoError(t, l.Store([]Entry{{Offset: 0, Op: OpSet, Value: 7}}))
	// Simulate a crash: nothing applied yet, but the log is durable.

	l2 := New(b, logOff, nil)
	applied, err := l2.Recover()
	require.NoError(t, err)
	require.True(t, applied)
	require.EqualValues(t, 7, u64(b, 0))

	// A second recovery attempt must not reapply (checksum now stale).
	l3 := New(b, logOff, nil)
	applied, err = l3.Recover()
	require.NoError(t, err)
	require.False(t, applied)
}

func TestRecoverDiscardsUncommittedLog(t *testing.T) {
	b := pmem.NewMemBackend(4096)
	const logOff = 1024
	require.NoError(t, Init(b, logOff, 4))
	// Never call Store: checksum was never computed over real content.
	l := New(b, logOff, nil)
	applied, err := l.Recover()
	require.NoError(t, err)
	require.False(t, applied)
}

func TestReserveGrowsIntoChainedSegment(t *testing.T) {
	b := pmem.NewMemBackend(8192)
	const logOff, secondOff = 1024, 4096
	require.NoError(t, Init(b, logOff, 1))

	grew := false
	grow := func(minCapacity int) (int64, int, error) {
		grew = true
		return secondOff, minCapacity, nil
	}
	l := New(b, logOff, grow)

	entries := []Entry{
		{Offset: 0, Op: OpSet, Value: 1},
		{Offset: 8, Op: OpSet, Value: 2},
	}
	require.NoError(t, l.Store(entries))
	require.True(t, grew)
	require.NoError(t, l.Process())
	require.EqualValues(t, 1, u64(b, 0))
	require.EqualValues(t, 2, u64(b, 8))
}

func TestCheckRejectsOutOfBoundsOffset(t *testing.T) {
	b := pmem.NewMemBackend(4096)
	const logOff = 1024
	require.NoError(t, Init(b, logOff, 4))
	l := New(b, logOff, nil)
	require.NoError(t, l.Store([]Entry{{Offset: 100000, Op: OpSet, Value: 1}}))
	require.Error(t, l.Check(4096))
}
