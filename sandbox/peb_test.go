package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePEBThenReadPEBRoundTrips(t *testing.T) {
	cfg := testConfig(t)
	layout, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.NoError(t, err)

	total, err := layout.TotalSize()
	require.NoError(t, err)
	mem, err := NewSharedMemory(total)
	require.NoError(t, err)
	defer mem.Release()

	require.NoError(t, WritePEB(mem, layout))
	peb, err := ReadPEB(mem, layout)
	require.NoError(t, err)

	assert.Equal(t, layout.CodeAddress(), peb.CodeAndOutBPointer)
	assert.Equal(t, layout.MinGuestStackAddress(), peb.MinGuestStackAddress)
	assert.Equal(t, layout.InputDataAddress(), peb.InputData.Pointer)
	assert.Equal(t, cfg.InputDataSize, peb.InputData.Size)
	assert.Equal(t, layout.OutputDataAddress(), peb.OutputData.Pointer)
	assert.Zero(t, peb.GuestDispatchFunctionPtr)
	assert.NotZero(t, peb.SecurityCookieSeed)
}

func TestWritePEBInitialisesBumpStackHeaders(t *testing.T) {
	cfg := testConfig(t)
	layout, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.NoError(t, err)
	total, err := layout.TotalSize()
	require.NoError(t, err)
	mem, err := NewSharedMemory(total)
	require.NoError(t, err)
	defer mem.Release()

	require.NoError(t, WritePEB(mem, layout))

	inputHeader, err := mem.ReadUint64(layout.InputDataOffset())
	require.NoError(t, err)
	assert.Equal(t, uint64(stackPointerSizeBytes), inputHeader)

	outputHeader, err := mem.ReadUint64(layout.OutputDataOffset())
	require.NoError(t, err)
	assert.Equal(t, uint64(stackPointerSizeBytes), outputHeader)
}

func TestSecurityCookieSeedVariesAcrossSandboxes(t *testing.T) {
	cfg := testConfig(t)
	layout, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.NoError(t, err)
	total, err := layout.TotalSize()
	require.NoError(t, err)

	mem1, err := NewSharedMemory(total)
	require.NoError(t, err)
	defer mem1.Release()
	mem2, err := NewSharedMemory(total)
	require.NoError(t, err)
	defer mem2.Release()

	require.NoError(t, WritePEB(mem1, layout))
	require.NoError(t, WritePEB(mem2, layout))

	peb1, err := ReadPEB(mem1, layout)
	require.NoError(t, err)
	peb2, err := ReadPEB(mem2, layout)
	require.NoError(t, err)
	assert.NotEqual(t, peb1.SecurityCookieSeed, peb2.SecurityCookieSeed)
}
