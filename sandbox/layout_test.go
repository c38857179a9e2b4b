package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) SandboxConfiguration {
	t.Helper()
	cfg, err := NewSandboxConfiguration(SandboxConfiguration{
		InputDataSize:               DefaultInputDataSize,
		OutputDataSize:              DefaultOutputDataSize,
		HostFunctionDefinitionSize:  DefaultHostFunctionDefinitionSize,
		HostExceptionSize:           DefaultHostExceptionSize,
		GuestErrorBufferSize:        DefaultGuestErrorBufferSize,
		GuestPanicContextBufferSize: DefaultGuestPanicContextBufferSize,
	})
	require.NoError(t, err)
	return cfg
}

func TestNewSandboxConfigurationRejectsZeroSizes(t *testing.T) {
	_, err := NewSandboxConfiguration(SandboxConfiguration{})
	require.Error(t, err)
	assert.Equal(t, KindConfigurationRejected, KindOf(err))
}

func TestNewSandboxConfigurationDefaultsTimeouts(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, DefaultMaxExecutionTime, cfg.MaxExecutionTime)
	assert.Equal(t, DefaultMaxWaitForCancellation, cfg.MaxWaitForCancellation)
}

func TestNewMemoryLayoutOrdersRegionsAscending(t *testing.T) {
	layout, err := NewMemoryLayout(testConfig(t), PageSize, 0, 0)
	require.NoError(t, err)

	regions := layout.Regions()
	require.Len(t, regions, 12)
	for i := 1; i < len(regions); i++ {
		assert.GreaterOrEqualf(t, regions[i].GuestOffset, regions[i-1].GuestOffset+regions[i-1].Length,
			"region %s overlaps preceding region %s", regions[i].Kind, regions[i-1].Kind)
	}
}

func TestNewMemoryLayoutCodeRegionIsExecutable(t *testing.T) {
	layout, err := NewMemoryLayout(testConfig(t), PageSize, 0, 0)
	require.NoError(t, err)
	region, ok := layout.RegionContaining(layout.guestCodeOffset)
	require.True(t, ok)
	assert.Equal(t, RegionCode, region.Kind)
	assert.NotZero(t, region.Flags&RegionExecute)
}

func TestNewMemoryLayoutGuardPageIsReadOnly(t *testing.T) {
	layout, err := NewMemoryLayout(testConfig(t), PageSize, 0, 0)
	require.NoError(t, err)
	region, ok := layout.RegionContaining(layout.guardPageOffset)
	require.True(t, ok)
	assert.Equal(t, RegionGuardPage, region.Kind)
	assert.Zero(t, region.Flags&RegionWrite)
	assert.Zero(t, region.Flags&RegionExecute)
}

func TestNewMemoryLayoutHeapExecutableOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExecutableHeap = true
	layout, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.NoError(t, err)
	region, ok := layout.RegionContaining(layout.guestHeapBufferOffset)
	require.True(t, ok)
	assert.NotZero(t, region.Flags&RegionExecute)
}

func TestNewMemoryLayoutRejectsOversizedRequest(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeapSizeOverride = MaxMemorySize
	_, err := NewMemoryLayout(cfg, PageSize, 0, 0)
	require.Error(t, err)
	assert.Equal(t, KindMemoryRequestTooBig, KindOf(err))
}

func TestRoundUpTo(t *testing.T) {
	assert.Equal(t, uint64(0x1000), roundUpTo(1, PageSize))
	assert.Equal(t, uint64(0x1000), roundUpTo(PageSize, PageSize))
	assert.Equal(t, uint64(0x2000), roundUpTo(PageSize+1, PageSize))
}
