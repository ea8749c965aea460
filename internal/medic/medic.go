// Package medic implements Auto-Medic: overwrite-then-verify block
// repair and the Q-Mask state-machine transition it drives.
package medic

import (
	"bytes"
	"context"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// GhostPoison fills the verify buffer before read-back so a controller
// that silently no-ops the read leaves tell-tale bytes behind. Ballistic
// Read's router-driven repair path uses the same sentinel.
const GhostPoison = 0xDD

// Repair implements repair_block(volume, bad-address, good-bytes, length).
func Repair(ctx context.Context, v *volume.Volume, dev hal.Device, addr types.Addr, goodBytes []byte, sectorSize uint32, qmask *bitmapio.QMask, blockIndex uint64) error {
	if len(goodBytes) == 0 || len(goodBytes)%int(sectorSize) != 0 {
		return enginerr.New(enginerr.CodeInvalidArgument, "medic.repair_block")
	}
	sectorCount := uint32(len(goodBytes)) / sectorSize

	if err := dev.SyncIO(ctx, hal.OpWrite, uint64(addr), goodBytes, sectorCount); err != nil {
		return finish(v, qmask, blockIndex, types.OutcomeFailed, enginerr.Wrap(enginerr.CodeHWIO, "medic.repair_block", err))
	}
	caps, err := dev.Caps(ctx)
	if err != nil {
		return finish(v, qmask, blockIndex, types.OutcomeFailed, enginerr.Wrap(enginerr.CodeHWIO, "medic.repair_block", err))
	}
	if !caps.Flags.NVMByteAddr {
		if err := dev.Barrier(ctx); err != nil {
			return finish(v, qmask, blockIndex, types.OutcomeFailed, enginerr.Wrap(enginerr.CodeHWIO, "medic.repair_block", err))
		}
	}

	verify := make([]byte, len(goodBytes))
	for i := range verify {
		verify[i] = GhostPoison
	}
	if err := dev.SyncIO(ctx, hal.OpRead, uint64(addr), verify, sectorCount); err != nil {
		return finish(v, qmask, blockIndex, types.OutcomeFailed, enginerr.Wrap(enginerr.CodeHWIO, "medic.repair_block", err))
	}
	if !bytes.Equal(verify, goodBytes) {
		return finish(v, qmask, blockIndex, types.OutcomeFailed, enginerr.New(enginerr.CodeDataRot, "medic.repair_block"))
	}

	return finish(v, qmask, blockIndex, types.OutcomeSuccess, nil)
}

// finish applies the Q-Mask transition and volume counters for a repair
// outcome. A CAS-exhausted transition marks the volume degraded and
// reports atomics-timeout, unless the repair itself already failed.
func finish(v *volume.Volume, qmask *bitmapio.QMask, blockIndex uint64, outcome types.RepairOutcome, repairErr error) error {
	if qmask == nil {
		return repairErr
	}

	final, casErr := qmask.Transition(blockIndex, outcome)
	if casErr != nil {
		v.SetFlag(types.StateDegraded)
		if repairErr != nil {
			return repairErr
		}
		return casErr
	}

	switch outcome {
	case types.OutcomeSuccess:
		v.Health.HealCount.Add(1)
	case types.OutcomeFailed:
		if final == types.QToxic {
			v.Health.ToxicBlocks.Add(1)
		}
	}
	if repairErr != nil {
		return repairErr
	}
	return nil
}

// ClassifyOutcome maps a repair-path error to a Q-Mask outcome category:
// logic errors (nomem, invalid-arg, geometry) abstain and never touch
// media state.
func ClassifyOutcome(err error) types.RepairOutcome {
	if err == nil {
		return types.OutcomeSuccess
	}
	switch {
	case enginerr.IsCode(err, enginerr.CodeNoMem),
		enginerr.IsCode(err, enginerr.CodeInvalidArgument),
		enginerr.IsCode(err, enginerr.CodeGeometry):
		return types.OutcomeAbstain
	default:
		return types.OutcomeFailed
	}
}
