package cortex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

type fakeClock struct{}

func (fakeClock) NowNS() int64 { return 1 }

func newTable(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.img")
	dev, err := halfile.Open(halfile.Options{Path: path, SectorSize: 512, Create: true, Capacity: 64})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	v := volume.New([16]byte{1}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
	return &Table{V: v, Dev: dev, StartLBA: 0, SlotCount: 64, SectorSize: 512}
}

func liveAnchor(seed [16]byte) types.Anchor {
	return types.Anchor{
		SeedID:      seed,
		WriteGen:    1,
		Mass:        10,
		DataClass:   types.DataClassValid,
		Permissions: types.PermRead | types.PermWrite,
	}
}

func TestPlaceThenLookup(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()
	seed := [16]byte{0xAA, 1}

	require.NoError(t, tb.Place(ctx, liveAnchor(seed)))

	got, err := tb.Lookup(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, seed, got.SeedID)
	assert.Equal(t, uint64(10), got.Mass)
}

func TestPlaceDuplicateIsEExist(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()
	seed := [16]byte{0xBB}

	require.NoError(t, tb.Place(ctx, liveAnchor(seed)))
	err := tb.Place(ctx, liveAnchor(seed))
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeEExist))
}

func TestUpdateRewritesInPlace(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()
	seed := [16]byte{0xCC}

	require.NoError(t, tb.Place(ctx, liveAnchor(seed)))

	updated := liveAnchor(seed)
	updated.Mass = 999
	updated.WriteGen = 2
	require.NoError(t, tb.Update(ctx, updated, 0))

	got, err := tb.Lookup(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), got.Mass)
	assert.Equal(t, uint32(2), got.WriteGen)
}

func TestDeleteTombstonesOnDisk(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()
	seed := [16]byte{0xDD}

	require.NoError(t, tb.Place(ctx, liveAnchor(seed)))
	require.NoError(t, tb.Delete(ctx, seed, 0))

	_, err := tb.Lookup(ctx, seed)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeTombstone))

	// The record itself survives with the tombstone flag set on disk.
	raw, _, _, _, _, err2 := tb.find(ctx, seed)
	require.NoError(t, err2)
	assert.NotZero(t, raw.DataClass&types.DataClassTombstone)
	assert.True(t, raw.VerifyChecksum())
}

func TestImmutableAnchorRefusesDeleteWithoutSovereign(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()
	seed := [16]byte{0xEE}

	a := liveAnchor(seed)
	a.Permissions |= types.PermImmutable
	require.NoError(t, tb.Place(ctx, a))

	err := tb.Delete(ctx, seed, 0)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeImmutable))

	require.NoError(t, tb.Delete(ctx, seed, types.PermSovereign))
}

func TestLinearProbingPastOccupiedSlot(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()

	// Fill several anchors; each must remain independently resolvable even
	// when hashes collide and probing walks past occupied slots.
	var seeds [][16]byte
	for i := byte(1); i <= 20; i++ {
		seed := [16]byte{0x11, i}
		seeds = append(seeds, seed)
		require.NoError(t, tb.Place(ctx, liveAnchor(seed)))
	}
	for _, seed := range seeds {
		got, err := tb.Lookup(ctx, seed)
		require.NoError(t, err)
		assert.Equal(t, seed, got.SeedID)
	}
}
