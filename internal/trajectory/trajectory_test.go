package trajectory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcDistinctReplicasForDistinctN(t *testing.T) {
	v := [6]byte{1, 2, 3, 4, 5, 6}
	a, err := Calc(1000, v, 0, 4, 0)
	require.NoError(t, err)
	b, err := Calc(1000, v, 1, 4, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCalcDeterministic(t *testing.T) {
	v := [6]byte{9, 9, 9, 9, 9, 9}
	a, err := Calc(500, v, 3, 6, 9)
	require.NoError(t, err)
	b, err := Calc(500, v, 3, 6, 9)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCalcHighOrbitJitterDivergesFromLowOrbit(t *testing.T) {
	v := [6]byte{1, 1, 1, 1, 1, 1}
	low, err := Calc(42, v, 0, 4, 0)
	require.NoError(t, err)
	high, err := Calc(42, v, 0, 4, 12)
	require.NoError(t, err)
	assert.NotEqual(t, low, high)
}

func TestCalcClampsShiftAboveSixtyThree(t *testing.T) {
	v := [6]byte{}
	_, err := Calc(0, v, 1, 1000, 0)
	require.NoError(t, err)
}
