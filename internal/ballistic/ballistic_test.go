package ballistic

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/crc32c"
	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/router"
	"github.com/cardinalfs/cardinal/internal/trajectory"
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

func newSingleMirrorVolume(t *testing.T, sectors uint64) (*volume.Volume, *halfile.File) {
	t.Helper()
	v := volume.New([16]byte{1}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
	dev := newDevice(t, sectors)
	m := &volume.Replica{Device: dev}
	m.Online.Store(true)
	v.Array = volume.Array{Mode: volume.ArrayMirror, Members: []*volume.Replica{m}}
	return v, dev
}

// writeGoodBlock writes a well-formed, uncompressed block header+payload at
// lba for the given anchor so a candidate generated at orbit 0 validates.
func writeGoodBlock(t *testing.T, dev *halfile.File, lba uint64, a types.Anchor, payload []byte) {
	t.Helper()
	hdr := types.BlockHeader{
		Magic:          types.BlockHeaderMagic,
		WellID:         a.SeedID,
		SequenceInObj:  0,
		GenerationHi:   0,
		GenerationLo:   a.WriteGen,
		CompressedSize: uint32(len(payload)),
		Algo:           types.CompressionNone,
		DataCRC:        crc32c.Checksum(payload),
	}
	encoded := hdr.Encode()
	buf := make([]byte, 512)
	copy(buf, encoded)
	copy(buf[len(encoded):], payload)
	require.NoError(t, dev.SyncIO(context.Background(), hal.OpWrite, lba, buf, 1))
}

func TestReadBlockAtomicRoundTrip(t *testing.T) {
	v, dev := newSingleMirrorVolume(t, 64)
	bm := bitmapio.New(64)
	_, err := bm.Do(10, bitmapio.Set)
	require.NoError(t, err)

	a := types.Anchor{
		SeedID:      [16]byte{2, 2, 2},
		GravityCenter: 10,
		WriteGen:    1,
		Permissions: types.PermRead,
	}
	payload := []byte("ballistic payload")
	writeGoodBlock(t, dev, 10, a, payload)

	r := &Reader{
		V:      v,
		Router: &router.Router{V: v, SectorSize: 512},
		Dev:    dev,
		Bitmap: bm,
	}

	out := make([]byte, len(payload))
	outcome, err := r.ReadBlockAtomic(context.Background(), a, 0, out, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, payload, out)
}

func TestReadBlockAtomicSparseWhenUnoccupied(t *testing.T) {
	v, dev := newSingleMirrorVolume(t, 64)
	bm := bitmapio.New(64) // nothing set

	a := types.Anchor{
		SeedID:      [16]byte{3},
		GravityCenter: 5,
		WriteGen:    1,
		Permissions: types.PermRead,
	}

	r := &Reader{
		V:      v,
		Router: &router.Router{V: v, SectorSize: 512},
		Dev:    dev,
		Bitmap: bm,
	}

	out := make([]byte, 16)
	for i := range out {
		out[i] = 0xFF
	}
	outcome, err := r.ReadBlockAtomic(context.Background(), a, 0, out, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSparse, outcome)
	for _, b := range out {
		assert.Equal(t, byte(0), b)
	}
}

func TestReadBlockAtomicAccessDenied(t *testing.T) {
	v, dev := newSingleMirrorVolume(t, 64)
	bm := bitmapio.New(64)

	a := types.Anchor{SeedID: [16]byte{4}, Permissions: 0}
	r := &Reader{
		V:      v,
		Router: &router.Router{V: v, SectorSize: 512},
		Dev:    dev,
		Bitmap: bm,
	}

	out := make([]byte, 16)
	_, err := r.ReadBlockAtomic(context.Background(), a, 0, out, 0)
	require.Error(t, err)
	assert.True(t, enginerr.IsCode(err, enginerr.CodeAccessDenied))
}

func TestBackoffCapsAtSixShiftsAnd100ms(t *testing.T) {
	d := backoff(1, 200)
	assert.LessOrEqual(t, d.Milliseconds(), int64(100))
}

func TestMergeErrorPrefersHigherSeverity(t *testing.T) {
	notFound := enginerr.New(enginerr.CodeNotFound, "x")
	hwio := enginerr.New(enginerr.CodeHWIO, "x")

	merged, rank := mergeError(nil, len(priority), notFound)
	assert.Equal(t, notFound, merged)

	merged, _ = mergeError(merged, rank, hwio)
	assert.Equal(t, hwio, merged)
}

// ghostDevice wraps a file device and, once its honest-read budget is
// spent, acknowledges reads without touching the caller's buffer, like a
// controller acking a DMA transfer it never performed.
type ghostDevice struct {
	*halfile.File
	honestReads atomic.Int32
}

func (g *ghostDevice) SyncIO(ctx context.Context, op hal.Op, lba uint64, buf []byte, sectorCount uint32) error {
	if op == hal.OpRead && g.honestReads.Add(-1) < 0 {
		return nil
	}
	return g.File.SyncIO(ctx, op, lba, buf, sectorCount)
}

func TestHealPathGhostReadIsCaughtByPoison(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghost")
	base, err := halfile.Open(halfile.Options{
		Path: path, SectorSize: 512, Create: true, Capacity: 4096,
		Flags: hal.Flags{NVMByteAddr: true}, // one attempt per candidate
	})
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	dev := &ghostDevice{File: base}
	// Two candidate reads are served honestly; the heal path's
	// read-after-write verify is the third read and gets the lie.
	dev.honestReads.Store(2)

	v := volume.New([16]byte{1}, types.ProfileGeneric, types.Superblock{}, engineconfig.Default(), fakeClock{})
	m := &volume.Replica{Device: dev}
	m.Online.Store(true)
	v.Array = volume.Array{Mode: volume.ArrayMirror, Members: []*volume.Replica{m}}

	a := types.Anchor{
		SeedID:      [16]byte{8, 8, 8},
		GravityCenter: 10,
		WriteGen:    1,
		Permissions: types.PermRead,
	}
	payload := []byte("survivor replica")

	lba0, err := trajectoryLBA(a, 0, 0)
	require.NoError(t, err)
	lba1, err := trajectoryLBA(a, 0, 1)
	require.NoError(t, err)

	// Orbit 0 carries a copy whose payload no longer matches its data
	// CRC; orbit 1 carries the intact winner.
	writeGoodBlock(t, base, uint64(lba0), a, payload)
	corrupt := make([]byte, 512)
	require.NoError(t, base.SyncIO(context.Background(), hal.OpRead, uint64(lba0), corrupt, 1))
	corrupt[types.BlockHeaderSize] ^= 0xFF // payload byte no longer matches the data CRC
	require.NoError(t, base.SyncIO(context.Background(), hal.OpWrite, uint64(lba0), corrupt, 1))
	writeGoodBlock(t, base, uint64(lba1), a, payload)

	bm := bitmapio.New(4096)
	_, err = bm.Do(uint64(lba0), bitmapio.Set)
	require.NoError(t, err)
	_, err = bm.Do(uint64(lba1), bitmapio.Set)
	require.NoError(t, err)
	qm := bitmapio.NewQMask(4096)

	r := &Reader{
		V:      v,
		Router: &router.Router{V: v, SectorSize: 512},
		Dev:    dev,
		Bitmap: bm,
		QMask:  qm,
	}

	out := make([]byte, len(payload))
	outcome, err := r.ReadBlockAtomic(context.Background(), a, 0, out, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome, "ghosted repair must not report healed")
	assert.Equal(t, payload, out)

	// The repair's verify read never filled the buffer; the poison
	// mismatch classifies the block as failed media.
	assert.Equal(t, types.QToxic, qm.Get(0))
	assert.Equal(t, uint64(1), v.Health.ToxicBlocks.Load())
}

// trajectoryLBA recomputes the candidate address buildCandidates derives
// for one (anchor, block, orbit) triple.
func trajectoryLBA(a types.Anchor, blockIndex uint64, k uint8) (types.Addr, error) {
	return trajectory.Calc(a.GravityCenter, a.OrbitVector, blockIndex, a.FractalScale, k)
}
