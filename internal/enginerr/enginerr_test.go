package enginerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk unplugged")
	err := Wrap(CodeHWIO, "chronicle.append", cause)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "hw-io")
	assert.Contains(t, err.Error(), "chronicle.append")
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(CodeTampered, "chronicle.verify_integrity")
	outer := fmt.Errorf("mount phase 6 failed: %w", inner)

	assert.True(t, IsCode(outer, CodeTampered))
	assert.False(t, IsCode(outer, CodeHWIO))
}

func TestInformationalCodes(t *testing.T) {
	assert.True(t, Informational(CodeHealed))
	assert.True(t, Informational(CodeSparse))
	assert.False(t, Informational(CodeTampered))
	assert.False(t, Informational(CodeHWIO))
}

func TestErrorsIsByCode(t *testing.T) {
	a := New(CodeNotFound, "rootanchor.verify_and_heal")
	b := New(CodeNotFound, "nsresolve.resolve")
	assert.True(t, errors.Is(a, b))
}
