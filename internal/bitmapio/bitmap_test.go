package bitmapio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/types"
)

func TestBitmapSetTestClear(t *testing.T) {
	b := New(128)

	ok, err := b.Do(5, Test)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Do(5, Set)
	require.NoError(t, err)

	ok, err = b.Do(5, Test)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.Do(5, Clear)
	require.NoError(t, err)
	ok, _ = b.Do(5, Test)
	assert.False(t, ok)
}

func TestBitmapOutOfRange(t *testing.T) {
	b := New(8)
	_, err := b.Do(100, Test)
	require.Error(t, err)
}

func TestBitmapWordsRoundTrip(t *testing.T) {
	b := New(128)
	b.Do(0, Set)
	b.Do(64, Set)
	b.Do(127, Set)

	words := b.Words()
	reloaded := LoadFromWords(words, 128)

	for _, idx := range []uint64{0, 64, 127} {
		ok, _ := reloaded.Do(idx, Test)
		assert.True(t, ok)
	}
	ok, _ := reloaded.Do(1, Test)
	assert.False(t, ok)
}

func TestArmorDetectsDirectCorruption(t *testing.T) {
	b := New(64)
	b.Do(3, Set)
	assert.True(t, b.VerifyArmor())

	// Simulate silent corruption of the occupancy word without going
	// through touchECC, leaving the ECC companion stale.
	b.bits.Set(10)
	assert.False(t, b.VerifyArmor())
}

func TestQMaskMonotoneLattice(t *testing.T) {
	q := NewQMask(16)
	assert.Equal(t, types.QGold, q.Get(0))

	next, err := q.Transition(0, types.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, types.QBronze, next)

	next, err = q.Transition(0, types.OutcomeFailed)
	require.NoError(t, err)
	assert.Equal(t, types.QToxic, next)

	// Toxic is terminal: further successes never upgrade it.
	next, err = q.Transition(0, types.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, types.QToxic, next)
}

func TestQMaskAbstainLeavesStateUnchanged(t *testing.T) {
	q := NewQMask(4)
	_, err := q.Transition(1, types.OutcomeSuccess)
	require.NoError(t, err)
	before := q.Get(1)
	after, err := q.Transition(1, types.OutcomeAbstain)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestQMaskWordsRoundTrip(t *testing.T) {
	q := NewQMask(40)
	_, err := q.Transition(3, types.OutcomeSuccess) // bronze
	require.NoError(t, err)
	_, err = q.Transition(39, types.OutcomeFailed) // toxic in the tail word
	require.NoError(t, err)

	loaded := LoadQMaskFromWords(q.Words(), 40)
	assert.Equal(t, types.QBronze, loaded.Get(3))
	assert.Equal(t, types.QToxic, loaded.Get(39))
	assert.Equal(t, types.QGold, loaded.Get(20))
}
