package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "Uninitialised", StateUninitialised.String())
	assert.Equal(t, "MultiUse", StateMultiUse.String())
	assert.Equal(t, "SingleUse", StateSingleUse.String())
	assert.Equal(t, "CallContext", StateCallContext.String())
}

func TestCallOnUninitialisedSandboxRejected(t *testing.T) {
	sb := &Sandbox{state: StateUninitialised}
	_, err := sb.Call("f", ReturnVoid, nil)
	assert.Equal(t, KindConfigurationRejected, KindOf(err))
}

func TestSingleUseSandboxRejectsSecondCallBeforeDispatch(t *testing.T) {
	sb := &Sandbox{state: StateSingleUse, singleUseConsumed: true}
	_, err := sb.Call("f", ReturnVoid, nil)
	assert.Equal(t, KindConfigurationRejected, KindOf(err))
}

func TestNewCallContextRequiresMultiUse(t *testing.T) {
	sb := &Sandbox{state: StateSingleUse}
	_, err := sb.NewCallContext()
	assert.Equal(t, KindConfigurationRejected, KindOf(err))
}

func TestNewCallContextEvolvesStateAndReleaseRestoresIt(t *testing.T) {
	mem, err := NewSharedMemory(PageSize)
	require.NoError(t, err)
	defer mem.Release()
	require.NoError(t, mem.CopyFromSlice([]byte{1, 2, 3}, 0))

	sb := &Sandbox{state: StateMultiUse, mem: mem}
	ctx, err := sb.NewCallContext()
	require.NoError(t, err)
	assert.Equal(t, StateCallContext, sb.state)

	require.NoError(t, mem.CopyFromSlice([]byte{9, 9, 9}, 0))

	require.NoError(t, ctx.Release())
	assert.Equal(t, StateMultiUse, sb.state)

	got, err := mem.ReadBytes(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}
