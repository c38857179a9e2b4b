package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPageTablesMarksCodeExecutable(t *testing.T) {
	cfg := testConfig(t)
	layout, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.NoError(t, err)
	total, err := layout.TotalSize()
	require.NoError(t, err)
	mem, err := NewSharedMemory(total)
	require.NoError(t, err)
	defer mem.Release()

	require.NoError(t, BuildPageTables(mem, layout))

	codePageIndex := layout.guestCodeOffset / PageSize
	ptIndex := codePageIndex / ptesPerPage
	entryIndex := codePageIndex % ptesPerPage
	entryOffset := ptOffset + ptIndex*PageSize + entryIndex*bytesPerPTE

	entry, err := mem.ReadUint64(entryOffset)
	require.NoError(t, err)
	assert.NotZero(t, entry&pteFlagPresent)
	assert.Zero(t, entry&pteFlagNX, "code page must not carry the NX bit")
}

func TestBuildPageTablesMarksGuardPageNonWritable(t *testing.T) {
	cfg := testConfig(t)
	layout, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.NoError(t, err)
	total, err := layout.TotalSize()
	require.NoError(t, err)
	mem, err := NewSharedMemory(total)
	require.NoError(t, err)
	defer mem.Release()

	require.NoError(t, BuildPageTables(mem, layout))

	guardPageIndex := layout.guardPageOffset / PageSize
	ptIndex := guardPageIndex / ptesPerPage
	entryIndex := guardPageIndex % ptesPerPage
	entryOffset := ptOffset + ptIndex*PageSize + entryIndex*bytesPerPTE

	entry, err := mem.ReadUint64(entryOffset)
	require.NoError(t, err)
	assert.Zero(t, entry&pteFlagWritable)
	assert.NotZero(t, entry&pteFlagNX)
}

func TestPageTableEntryFlags(t *testing.T) {
	rw := pageTableEntry(0x1000, true, false)
	assert.NotZero(t, rw&pteFlagPresent)
	assert.NotZero(t, rw&pteFlagWritable)
	assert.NotZero(t, rw&pteFlagNX)

	rx := pageTableEntry(0x2000, false, true)
	assert.Zero(t, rx&pteFlagWritable)
	assert.Zero(t, rx&pteFlagNX)
}
