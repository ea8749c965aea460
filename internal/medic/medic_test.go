package medic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

type fakeClock struct{}

func (fakeClock) NowNS() int64 { return 1 }

func newDevice(t *testing.T, sectors uint64) *halfile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev")
	dev, err := halfile.Open(halfile.Options{Path: path, SectorSize: 512, Create: true, Capacity: sectors})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func newVolume() *volume.Volume {
	return volume.New([16]byte{1}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
}

func TestRepairSuccessDowngradesToBronze(t *testing.T) {
	dev := newDevice(t, 16)
	v := newVolume()
	qm := bitmapio.NewQMask(16)
	assert.Equal(t, types.QGold, qm.Get(3))

	good := make([]byte, 512)
	copy(good, "fresh-block")

	err := Repair(context.Background(), v, dev, types.Addr(0), good, 512, qm, 3)
	require.NoError(t, err)

	assert.Equal(t, types.QBronze, qm.Get(3))
	assert.Equal(t, uint64(1), v.Health.HealCount.Load())

	out := make([]byte, 512)
	require.NoError(t, dev.SyncIO(context.Background(), hal.OpRead, 0, out, 1))
	assert.Equal(t, good, out)
}

func TestRepairInvalidLengthIsAbstain(t *testing.T) {
	dev := newDevice(t, 16)
	v := newVolume()
	qm := bitmapio.NewQMask(16)

	err := Repair(context.Background(), v, dev, types.Addr(0), make([]byte, 1), 512, qm, 0)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeInvalidArgument))
	// Entry-validation failures never reach finish(), so media state is untouched.
	assert.Equal(t, types.QGold, qm.Get(0))
	assert.Equal(t, uint64(0), v.Health.HealCount.Load())
}

func TestQMaskToxicIsTerminal(t *testing.T) {
	qm := bitmapio.NewQMask(4)
	for _, outcome := range []types.RepairOutcome{types.OutcomeFailed, types.OutcomeSuccess, types.OutcomeAbstain} {
		state, err := qm.Transition(0, outcome)
		require.NoError(t, err)
		assert.Equal(t, types.QToxic, state)
	}
}

func TestClassifyOutcome(t *testing.T) {
	assert.Equal(t, types.OutcomeSuccess, ClassifyOutcome(nil))
	assert.Equal(t, types.OutcomeAbstain, ClassifyOutcome(enginerr.New(enginerr.CodeNoMem, "x")))
	assert.Equal(t, types.OutcomeAbstain, ClassifyOutcome(enginerr.New(enginerr.CodeInvalidArgument, "x")))
	assert.Equal(t, types.OutcomeAbstain, ClassifyOutcome(enginerr.New(enginerr.CodeGeometry, "x")))
	assert.Equal(t, types.OutcomeFailed, ClassifyOutcome(enginerr.New(enginerr.CodeHWIO, "x")))
}
