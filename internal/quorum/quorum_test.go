package quorum

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/types"
)

const testCapacitySectors = 2048
const testSectorSize = 512
const testBlockSize = 512

func newSharedDevice(t *testing.T) *halfile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	dev, err := halfile.Open(halfile.Options{
		Path:       path,
		SectorSize: testSectorSize,
		Create:     true,
		Capacity:   testCapacitySectors,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func writeReplica(t *testing.T, dev *halfile.File, slot types.CardinalSlot, sb types.Superblock) {
	t.Helper()
	lba, ok := cardinalOffset(slot, testCapacitySectors, testBlockSize, testSectorSize)
	require.True(t, ok)
	buf := sb.Encode()
	require.NoError(t, dev.SyncIO(context.Background(), hal.OpWrite, lba, buf, uint32(len(buf))/testSectorSize))
}

func baseSuperblock(id [16]byte, gen uint64) types.Superblock {
	return types.Superblock{
		Magic:      types.SuperblockMagic,
		UUID:       id,
		BlockSize:  testBlockSize,
		Capacity:   testCapacitySectors,
		Generation: gen,
		State:      types.StateClean,
	}
}

func TestExecuteSingleReplicaWins(t *testing.T) {
	dev := newSharedDevice(t)
	id := uuid.New()
	var rawID [16]byte
	copy(rawID[:], id[:])
	sb := baseSuperblock(rawID, 1)
	writeReplica(t, dev, types.North, sb)

	v := &Vote{
		Replicas:       []Replica{{Slot: types.North, Device: dev}},
		SectorSize:     testSectorSize,
		ReplayWindowNS: int64(2e9),
	}
	winner, err := v.Execute(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), winner.Generation)
}

func TestExecuteHigherGenerationWins(t *testing.T) {
	dev := newSharedDevice(t)
	id := uuid.New()
	var rawID [16]byte
	copy(rawID[:], id[:])
	writeReplica(t, dev, types.North, baseSuperblock(rawID, 3))
	writeReplica(t, dev, types.East, baseSuperblock(rawID, 7))

	v := &Vote{
		Replicas:       []Replica{{Slot: types.North, Device: dev}, {Slot: types.East, Device: dev}},
		SectorSize:     testSectorSize,
		ReplayWindowNS: int64(2e9),
	}
	winner, err := v.Execute(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), winner.Generation)
}

func TestExecuteSplitBrainDifferentUUIDSameGeneration(t *testing.T) {
	dev := newSharedDevice(t)
	idA := uuid.New()
	idB := uuid.New()
	var rawA, rawB [16]byte
	copy(rawA[:], idA[:])
	copy(rawB[:], idB[:])

	writeReplica(t, dev, types.North, baseSuperblock(rawA, 5))
	writeReplica(t, dev, types.East, baseSuperblock(rawB, 5))

	v := &Vote{
		Replicas:       []Replica{{Slot: types.North, Device: dev}, {Slot: types.East, Device: dev}},
		SectorSize:     testSectorSize,
		ReplayWindowNS: int64(2e9),
	}
	_, err := v.Execute(context.Background(), false)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeTampered))
}

func TestExecuteEqualGenerationWithinWindowPrefersLaterTimestamp(t *testing.T) {
	dev := newSharedDevice(t)
	id := uuid.New()
	var rawID [16]byte
	copy(rawID[:], id[:])

	older := baseSuperblock(rawID, 5)
	older.LastMountNS = 1000
	newer := baseSuperblock(rawID, 5)
	newer.LastMountNS = 1000 + int64(1e9) // 1s drift, inside a 2s window

	writeReplica(t, dev, types.North, older)
	writeReplica(t, dev, types.East, newer)

	v := &Vote{
		Replicas:       []Replica{{Slot: types.North, Device: dev}, {Slot: types.East, Device: dev}},
		SectorSize:     testSectorSize,
		ReplayWindowNS: int64(2e9),
	}
	winner, err := v.Execute(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, newer.LastMountNS, winner.LastMountNS)
}

func TestExecuteEqualGenerationBeyondWindowIsTampered(t *testing.T) {
	dev := newSharedDevice(t)
	id := uuid.New()
	var rawID [16]byte
	copy(rawID[:], id[:])

	older := baseSuperblock(rawID, 5)
	older.LastMountNS = 1000
	rolledBack := baseSuperblock(rawID, 5)
	rolledBack.LastMountNS = 1000 + int64(10e9) // 10s drift, outside a 2s window

	writeReplica(t, dev, types.North, older)
	writeReplica(t, dev, types.East, rolledBack)

	v := &Vote{
		Replicas:       []Replica{{Slot: types.North, Device: dev}, {Slot: types.East, Device: dev}},
		SectorSize:     testSectorSize,
		ReplayWindowNS: int64(2e9),
	}
	_, err := v.Execute(context.Background(), false)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeTampered))
}

func TestExecuteWipedDeviceReturnsWipePending(t *testing.T) {
	dev := newSharedDevice(t)
	poison := make([]byte, testSectorSize)
	for i := 0; i < 16; i++ {
		poison[i] = 0xFF
	}
	require.NoError(t, dev.SyncIO(context.Background(), hal.OpWrite, 0, poison, 1))

	v := &Vote{
		Replicas:   []Replica{{Slot: types.North, Device: dev}},
		SectorSize: testSectorSize,
	}
	_, err := v.Execute(context.Background(), false)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeWipePending))
}
