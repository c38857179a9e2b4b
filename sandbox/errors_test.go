package sandbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKindNotMessage(t *testing.T) {
	a := newError(KindGuestAborted, "code 1")
	b := newError(KindGuestAborted, "code 2")
	assert.True(t, errors.Is(a, b))

	c := newError(KindGuestPanic, "code 1")
	assert.False(t, errors.Is(a, c))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("underlying")
	wrapped := wrapError(KindIOFailure, cause, "context")
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestKindOfUnwrapsThroughPlainWrap(t *testing.T) {
	inner := newError(KindStackOverflow, "boom")
	outer := fmt.Errorf("outer: %w", inner)
	assert.Equal(t, KindStackOverflow, KindOf(outer))
}

func TestKindOfNonSandboxErrorIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("plain")))
}
