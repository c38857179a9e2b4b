package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMemoryReadWriteRoundTrip(t *testing.T) {
	mem, err := NewSharedMemory(PageSize)
	require.NoError(t, err)
	defer mem.Release()

	require.NoError(t, mem.WriteUint64(0, 0xdeadbeefcafef00d))
	got, err := mem.ReadUint64(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeefcafef00d), got)

	src := []byte{1, 2, 3, 4, 5}
	require.NoError(t, mem.CopyFromSlice(src, 16))
	dst := make([]byte, len(src))
	require.NoError(t, mem.CopyToSlice(dst, 16))
	assert.Equal(t, src, dst)
}

func TestSharedMemoryOutOfBoundsRejected(t *testing.T) {
	mem, err := NewSharedMemory(PageSize)
	require.NoError(t, err)
	defer mem.Release()

	_, err = mem.ReadUint64(PageSize - 4)
	require.Error(t, err)
	assert.Equal(t, KindMemoryAccessOutOfBounds, KindOf(err))
}

func TestSharedMemoryRetainReleaseKeepsAllocationAlive(t *testing.T) {
	mem, err := NewSharedMemory(PageSize)
	require.NoError(t, err)
	mem.Retain()

	require.NoError(t, mem.Release())
	// still alive: one reference outstanding
	require.NoError(t, mem.WriteUint64(0, 1))
	require.NoError(t, mem.Release())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	mem, err := NewSharedMemory(PageSize)
	require.NoError(t, err)
	defer mem.Release()

	require.NoError(t, mem.WriteUint64(0, 111))
	snap := TakeSnapshot(mem)

	require.NoError(t, mem.WriteUint64(0, 222))
	got, _ := mem.ReadUint64(0)
	require.Equal(t, uint64(222), got)

	require.NoError(t, snap.Restore(mem))
	got, _ = mem.ReadUint64(0)
	assert.Equal(t, uint64(111), got)
}
