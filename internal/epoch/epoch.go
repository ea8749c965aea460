// Package epoch implements the Epoch Ring: genesis, drift
// classification against the in-memory generation, and ring advance.
package epoch

import (
	"context"

	"github.com/cardinalfs/cardinal/internal/crc32c"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
)

// maxGeneration reserves headroom below the wrap point; Advance refuses
// once the generation exceeds it.
const maxGeneration = 0xFFFF_FFFF_FFFF_FFF0

// Ring wraps a device and sector/block geometry for the epoch region.
type Ring struct {
	Device         hal.Device
	SectorSize     uint32
	BlockSize      uint32
	SectorsPerBlk  uint32
	CapacityBytes  uint64
}

func (r *Ring) blockToLBA(blockIndex uint64) (uint64, error) {
	if r.BlockSize == 0 {
		return 0, enginerr.New(enginerr.CodeGeometry, "epoch.geometry")
	}
	byteOff := blockIndex * uint64(r.BlockSize)
	if byteOff >= r.CapacityBytes {
		return 0, enginerr.New(enginerr.CodeGeometry, "epoch.geometry")
	}
	return blockIndex * uint64(r.SectorsPerBlk), nil
}

// WriteGenesis writes the first epoch record (epoch 0) at the superblock's
// configured ring block.
func (r *Ring) WriteGenesis(ctx context.Context, sb *types.Superblock, now int64) error {
	lba, err := r.blockToLBA(uint64(sb.Layout.EpochRingBlockIdx))
	if err != nil {
		return err
	}
	rec := types.EpochRecord{EpochID: 0, TimestampNS: now}
	buf := rec.Encode()
	if err := r.writeAt(ctx, lba, buf); err != nil {
		return err
	}
	return nil
}

func (r *Ring) writeAt(ctx context.Context, lba uint64, payload []byte) error {
	sector := make([]byte, r.SectorSize)
	copy(sector, payload)
	if err := r.Device.SyncIO(ctx, hal.OpWrite, lba, sector, 1); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "epoch.write", err)
	}
	return nil
}

func (r *Ring) readAt(ctx context.Context, lba uint64) ([]byte, error) {
	sector := make([]byte, r.SectorSize)
	if err := r.Device.SyncIO(ctx, hal.OpRead, lba, sector, 1); err != nil {
		return nil, enginerr.Wrap(enginerr.CodeHWIO, "epoch.read", err)
	}
	return sector, nil
}

// CheckRing reads the current epoch record and classifies its drift
// against the in-memory generation, mapping the classification to an
// error code.
func (r *Ring) CheckRing(ctx context.Context, sb *types.Superblock, memGeneration uint64) (types.EpochDriftClass, error) {
	lba, err := r.blockToLBA(uint64(sb.Layout.EpochRingBlockIdx))
	if err != nil {
		return 0, err
	}
	buf, err := r.readAt(ctx, lba)
	if err != nil {
		return 0, err
	}
	rec := types.DecodeEpochRecord(buf)
	if !rec.Valid() {
		return 0, enginerr.New(enginerr.CodeEpochLost, "epoch.check_ring")
	}

	class := types.ClassifyDrift(rec.EpochID, memGeneration)
	switch class {
	case types.DriftSynced:
		return class, nil
	case types.DriftFutureDilation:
		return class, enginerr.New(enginerr.CodeTimeDilation, "epoch.check_ring")
	case types.DriftFutureToxic:
		return class, enginerr.New(enginerr.CodeMediaToxic, "epoch.check_ring")
	case types.DriftPastSkew:
		return class, enginerr.New(enginerr.CodeGenerationSkew, "epoch.check_ring")
	default: // DriftPastToxic
		return class, enginerr.New(enginerr.CodeMediaToxic, "epoch.check_ring")
	}
}

// Advance persists the next epoch record and returns its id and the ring
// block index it was written to.
func (r *Ring) Advance(ctx context.Context, sb *types.Superblock, ringSizeBytes uint64, now int64) (newID uint64, newBlockIdx uint32, err error) {
	if sb.Generation > maxGeneration {
		return 0, 0, enginerr.New(enginerr.CodeGeometry, "epoch.advance")
	}
	if r.BlockSize == 0 {
		return 0, 0, enginerr.New(enginerr.CodeGeometry, "epoch.advance")
	}
	ringLenBlocks := (ringSizeBytes + uint64(r.BlockSize) - 1) / uint64(r.BlockSize)
	if ringLenBlocks == 0 {
		return 0, 0, enginerr.New(enginerr.CodeGeometry, "epoch.advance")
	}

	startBlock := uint64(sb.Layout.EpochStart) / uint64(r.SectorsPerBlk)
	curBlock := uint64(sb.Layout.EpochRingBlockIdx)
	rel := (curBlock - startBlock + 1) % ringLenBlocks
	nextBlock := startBlock + rel

	lba, err := r.blockToLBA(nextBlock)
	if err != nil {
		return 0, 0, err
	}

	genBuf := make([]byte, 8)
	types.Endian.PutUint64(genBuf, sb.Generation)
	rec := types.EpochRecord{
		EpochID:        sb.Generation + 1,
		TimestampNS:    now,
		D0RootChecksum: crc32c.Checksum(genBuf),
	}
	if err := r.writeAt(ctx, lba, rec.Encode()); err != nil {
		return 0, 0, err
	}
	return rec.EpochID, uint32(nextBlock), nil
}
