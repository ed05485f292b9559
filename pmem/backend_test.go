package pmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemBackendMemcpyPersist(t *testing.T) {
	b := NewMemBackend(64)
	require.True(t, b.IsPmem())
	require.NoError(t, b.MemcpyPersist(8, []byte{1, 2, 3, 4}))
	require.Equal(t, []byte{1, 2, 3, 4}, b.Bytes()[8:12])
}

func TestMemBackendMemsetPersist(t *testing.T) {
	b := NewMemBackend(16)
	require.NoError(t, b.MemsetPersist(0, 0xAA, 16))
	for _, v := range b.Bytes() {
		require.Equal(t, byte(0xAA), v)
	}
}

func TestMemBackendClosedRejectsWrites(t *testing.T) {
	b := NewMemBackend(8)
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.MemcpyPersist(0, []byte{1}), ErrClosed)
}

func TestReadWriteAtHelpers(t *testing.T) {
	b := NewMemBackend(32)
	WriteAt(b, 4, []byte{9, 9, 9})
	dst := make([]byte, 3)
	ReadAt(b, dst, 4)
	require.Equal(t, []byte{9, 9, 9}, dst)
}
