package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyExecutionViolationInsideGuardPageIsStackOverflow(t *testing.T) {
	layout, err := NewMemoryLayout(testConfig(t), PageSize, PageSize, PageSize)
	require.NoError(t, err)

	sb := &Sandbox{layout: layout}
	err = sb.classifyExecutionViolation(layout.GuardPageAddress())
	assert.Equal(t, KindStackOverflow, KindOf(err))
}

func TestClassifyExecutionViolationElsewhereIsExecutionNX(t *testing.T) {
	layout, err := NewMemoryLayout(testConfig(t), PageSize, PageSize, PageSize)
	require.NoError(t, err)

	sb := &Sandbox{layout: layout}
	err = sb.classifyExecutionViolation(layout.CodeAddress())
	assert.Equal(t, KindExecutionNX, KindOf(err))
}

func TestClassifyExecutionViolationBelowBaseAddressIsExecutionNX(t *testing.T) {
	layout, err := NewMemoryLayout(testConfig(t), PageSize, PageSize, PageSize)
	require.NoError(t, err)

	sb := &Sandbox{layout: layout}
	err = sb.classifyExecutionViolation(0)
	assert.Equal(t, KindExecutionNX, KindOf(err))
}
