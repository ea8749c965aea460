package nano

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	return volume.New([16]byte{9, 9}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
}

func TestNanoWriteThenReadRoundTrip(t *testing.T) {
	dev := newDevice(t, 64)
	v := newVolume()
	s := &Store{V: v, Dev: dev, CortexLBA: 0, SlotCount: 32, SectorSize: 512}

	anchor := types.Anchor{SeedID: [16]byte{1, 2, 3}}
	payload := []byte("small object payload")

	require.NoError(t, s.Write(context.Background(), &anchor, payload, 7, 1000))
	assert.NotZero(t, anchor.DataClass&types.DataClassNano)
	assert.Equal(t, uint64(len(payload)), anchor.Mass)

	out := make([]byte, len(payload))
	n, err := s.Read(context.Background(), anchor, 7, out)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestNanoReadZeroPadsShortStored(t *testing.T) {
	dev := newDevice(t, 64)
	v := newVolume()
	s := &Store{V: v, Dev: dev, CortexLBA: 0, SlotCount: 32, SectorSize: 512}

	anchor := types.Anchor{SeedID: [16]byte{4, 4}}
	payload := []byte("hi")
	require.NoError(t, s.Write(context.Background(), &anchor, payload, 1, 1))

	out := make([]byte, 8)
	for i := range out {
		out[i] = 0xAB
	}
	n, err := s.Read(context.Background(), anchor, 1, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{'h', 'i', 0, 0, 0, 0, 0, 0}, out)
}

func TestNanoReadWrongEpochSaltIsDataRot(t *testing.T) {
	dev := newDevice(t, 64)
	v := newVolume()
	s := &Store{V: v, Dev: dev, CortexLBA: 0, SlotCount: 32, SectorSize: 512}

	anchor := types.Anchor{SeedID: [16]byte{5}}
	payload := []byte("payload")
	require.NoError(t, s.Write(context.Background(), &anchor, payload, 3, 1))

	out := make([]byte, len(payload))
	_, err := s.Read(context.Background(), anchor, 99, out)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeDataRot))
}

func TestNanoReadTimeParadoxOnZeroSaltMatch(t *testing.T) {
	dev := newDevice(t, 64)
	v := newVolume()
	s := &Store{V: v, Dev: dev, CortexLBA: 0, SlotCount: 32, SectorSize: 512}

	anchor := types.Anchor{SeedID: [16]byte{6}}
	payload := []byte("payload")
	// Write with epoch=0 so the stored CRC equals the zero-salt CRC; a
	// read under a nonzero epoch then mismatches the salted CRC but
	// matches the zero-salt one.
	require.NoError(t, s.Write(context.Background(), &anchor, payload, 0, 1))

	out := make([]byte, len(payload))
	_, err := s.Read(context.Background(), anchor, 42, out)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeTimeParadox))
}

func TestNanoWriteRejectsIncompatibleMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	dev, err := halfile.Open(halfile.Options{
		Path: path, SectorSize: 512, Create: true, Capacity: 64,
		Flags: hal.Flags{Rotational: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	v := newVolume()
	s := &Store{V: v, Dev: dev, CortexLBA: 0, SlotCount: 32, SectorSize: 512}
	anchor := types.Anchor{SeedID: [16]byte{7}}
	err = s.Write(context.Background(), &anchor, []byte("x"), 1, 1)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeProfileMismatch))
}

func TestSlotForOrbitTriangularVsLinear(t *testing.T) {
	// power-of-two capacity: triangular probing
	assert.Equal(t, uint64(0), slotForOrbit(0, 0, 8))
	assert.Equal(t, uint64(1), slotForOrbit(0, 1, 8))
	assert.Equal(t, uint64(3), slotForOrbit(0, 2, 8))
	// non-power-of-two capacity: linear probing
	assert.Equal(t, uint64(0), slotForOrbit(0, 0, 7))
	assert.Equal(t, uint64(1), slotForOrbit(0, 1, 7))
	assert.Equal(t, uint64(2), slotForOrbit(0, 2, 7))
}
