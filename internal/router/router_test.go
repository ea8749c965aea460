package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/gf256"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

type fakeClock struct{}

func (fakeClock) NowNS() int64 { return 1 }

func newDevice(t *testing.T, name string, sectors uint64) *halfile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	dev, err := halfile.Open(halfile.Options{Path: path, SectorSize: 512, Create: true, Capacity: sectors})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func newMirrorVolume(t *testing.T, n int) (*volume.Volume, []*volume.Replica) {
	t.Helper()
	v := volume.New([16]byte{1}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
	members := make([]*volume.Replica, n)
	for i := 0; i < n; i++ {
		dev := newDevice(t, "mirror", 256)
		m := &volume.Replica{Device: dev}
		m.Online.Store(true)
		members[i] = m
	}
	v.Array = volume.Array{Mode: volume.ArrayMirror, Members: members}
	return v, members
}

func newParityVolume(t *testing.T, n int) (*volume.Volume, []*volume.Replica) {
	t.Helper()
	v := volume.New([16]byte{1}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
	members := make([]*volume.Replica, n)
	for i := 0; i < n; i++ {
		dev := newDevice(t, "parity", 65536)
		m := &volume.Replica{Device: dev}
		m.Online.Store(true)
		members[i] = m
	}
	v.Array = volume.Array{Mode: volume.ArrayParity, Members: members}
	return v, members
}

func TestSplitMix64Deterministic(t *testing.T) {
	assert.Equal(t, splitMix64(42), splitMix64(42))
	assert.NotEqual(t, splitMix64(42), splitMix64(43))
}

func TestLemireReduceStaysInRange(t *testing.T) {
	for _, k := range []uint64{0, 1, 12345, ^uint64(0)} {
		idx := lemireReduce(k, 7)
		assert.Less(t, idx, uint64(7))
	}
}

func TestMirrorWriteThenReadRoundTrip(t *testing.T) {
	v, members := newMirrorVolume(t, 3)
	r := &Router{V: v, SectorSize: 512}

	payload := make([]byte, 512)
	copy(payload, "cardinal-mirror")
	require.NoError(t, r.Route(context.Background(), hal.OpWrite, types.Addr(0), payload, 1, types.Addr128{}))

	for _, m := range members {
		out := make([]byte, 512)
		require.NoError(t, m.Device.SyncIO(context.Background(), hal.OpRead, 0, out, 1))
		assert.Equal(t, payload, out)
	}

	readBuf := make([]byte, 512)
	require.NoError(t, r.Route(context.Background(), hal.OpRead, types.Addr(0), readBuf, 1, types.Addr128{}))
	assert.Equal(t, payload, readBuf)
}

func TestMirrorReadSkipsOfflineReplica(t *testing.T) {
	v, members := newMirrorVolume(t, 2)
	r := &Router{V: v, SectorSize: 512}

	payload := make([]byte, 512)
	copy(payload, "only-on-second")
	require.NoError(t, members[1].Device.SyncIO(context.Background(), hal.OpWrite, 0, payload, 1))
	members[0].Online.Store(false)

	out := make([]byte, 512)
	require.NoError(t, r.Route(context.Background(), hal.OpRead, types.Addr(0), out, 1, types.Addr128{}))
	assert.Equal(t, payload, out)
}

func TestShardRouteRotatesPastOfflineMember(t *testing.T) {
	v, members := newMirrorVolume(t, 4)
	v.Array.Mode = volume.ArrayShard
	r := &Router{V: v, SectorSize: 512}

	fileID := types.NewAddr128(0x1234, 0x5678)
	key := splitMix64(fileID.Lo() ^ fileID.Hi())
	idx := lemireReduce(key, uint64(len(members)))
	members[idx].Online.Store(false)

	payload := make([]byte, 512)
	copy(payload, "shard-data")
	require.NoError(t, r.Route(context.Background(), hal.OpWrite, types.Addr(0), payload, 1, fileID))

	found := false
	for i, m := range members {
		if uint64(i) == idx {
			continue
		}
		out := make([]byte, 512)
		if err := m.Device.SyncIO(context.Background(), hal.OpRead, 0, out, 1); err == nil {
			if string(out[:len(payload)]) == string(payload) {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestParityRMWThenReadRoundTrip(t *testing.T) {
	v, _ := newParityVolume(t, 6)
	r := &Router{V: v, SectorSize: 512}

	payload := make([]byte, 512)
	copy(payload, "parity-payload")
	require.NoError(t, r.Route(context.Background(), hal.OpWrite, types.Addr(0), payload, 1, types.Addr128{}))

	out := make([]byte, 512)
	require.NoError(t, r.Route(context.Background(), hal.OpRead, types.Addr(0), out, 1, types.Addr128{}))
	assert.Equal(t, payload, out)
}

func TestParityReconstructSingleDataFailure(t *testing.T) {
	v, members := newParityVolume(t, 6)
	r := &Router{V: v, SectorSize: 512}

	payload := make([]byte, 512)
	copy(payload, "resilient")
	require.NoError(t, r.Route(context.Background(), hal.OpWrite, types.Addr(0), payload, 1, types.Addr128{}))

	geo := StripeGeometry{N: 6}
	phys := geo.physicalColumn(0, 0)
	members[phys].Online.Store(false)

	out := make([]byte, 512)
	require.NoError(t, r.Route(context.Background(), hal.OpRead, types.Addr(0), out, 1, types.Addr128{}))
	assert.Equal(t, payload, out)
}

func TestParityReconstructDualDataFailure(t *testing.T) {
	v, members := newParityVolume(t, 6)
	r := &Router{V: v, SectorSize: 512}

	payload := make([]byte, 512)
	copy(payload, "dual-erasure")
	require.NoError(t, r.Route(context.Background(), hal.OpWrite, types.Addr(0), payload, 1, types.Addr128{}))

	geo := StripeGeometry{N: 6}
	physX := geo.physicalColumn(0, 0)
	physY := geo.physicalColumn(0, 1)
	members[physX].Online.Store(false)
	members[physY].Online.Store(false)

	out := make([]byte, 512)
	err := r.reconstruct(context.Background(), geo, 0, nil, types.Addr(0), out, 1, members)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestParityBothParityColumnsOfflineReconstructsData(t *testing.T) {
	v, members := newParityVolume(t, 6)
	r := &Router{V: v, SectorSize: 512}

	payload := make([]byte, 512)
	copy(payload, "p-and-q-down")
	require.NoError(t, r.Route(context.Background(), hal.OpWrite, types.Addr(0), payload, 1, types.Addr128{}))

	geo := StripeGeometry{N: 6}
	pCol, qCol := geo.pCol(0), geo.qCol(0)
	members[pCol].Online.Store(false)
	members[qCol].Online.Store(false)

	out := make([]byte, 512)
	require.NoError(t, r.Route(context.Background(), hal.OpRead, types.Addr(0), out, 1, types.Addr128{}))
	assert.Equal(t, payload, out)
}

func TestGF256RoundTripUsedByParityMath(t *testing.T) {
	a := byte(0x53)
	b := byte(0xCA)
	prod := gf256.Mul(a, b)
	assert.Equal(t, a, gf256.Div(prod, b))
}
