// Package rootanchor implements Root Anchor genesis and heal: the
// distinguished all-ones Cortex record every mount verifies before serving
// any other anchor.
package rootanchor

import (
	"context"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
)

const rootAnchorName = "ROOT"

// WriteGenesis writes the root anchor into the first Cortex block. The
// volume must still carry the metadata-zeroed flag from format.
func WriteGenesis(ctx context.Context, dev hal.Device, sb *types.Superblock, sectorSize uint32, nowNS int64) error {
	if !sb.State.Has(types.StateMetadataZeroed) {
		return enginerr.New(enginerr.CodeInvalidArgument, "rootanchor.write_genesis")
	}
	sectorsPerBlock := sb.BlockSize / sectorSize
	if sectorsPerBlock == 0 || uint64(sb.Layout.CortexStart)%uint64(sectorsPerBlock) != 0 {
		return enginerr.New(enginerr.CodeGeometry, "rootanchor.write_genesis")
	}
	if sb.BlockSize < sectorSize {
		return enginerr.New(enginerr.CodeGeometry, "rootanchor.write_genesis")
	}

	a := freshRoot(nowNS)
	buf := a.Encode()
	padded := make([]byte, sectorSize)
	copy(padded, buf)

	if err := dev.SyncIO(ctx, hal.OpWrite, uint64(sb.Layout.CortexStart), padded, 1); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "rootanchor.write_genesis", err)
	}
	if err := dev.Barrier(ctx); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "rootanchor.write_genesis", err)
	}
	return nil
}

func freshRoot(nowNS int64) types.Anchor {
	a := types.Anchor{
		SeedID:       types.AllOnesID,
		ModClockNS:   nowNS,
		CreateClockS: uint32(nowNS / 1_000_000_000),
		DataClass:    types.PackDataClass(types.DataClassValid, types.ClassStatic),
		Permissions:  types.PermRead | types.PermWrite | types.PermExec | types.PermImmutable | types.PermSovereign,
	}
	a.OrbitVector[0] = 1
	copy(a.InlineBuffer[:len(rootAnchorName)], rootAnchorName)
	return a
}

// VerifyAndHeal validates the root anchor and, in RW mode, rewrites a
// CRC-damaged one from scratch. A semantically wrong record with a good
// CRC is reported, never healed.
func VerifyAndHeal(ctx context.Context, dev hal.Device, sb *types.Superblock, sectorSize uint32, ro bool, nowNS int64) (types.Anchor, bool, error) {
	buf := make([]byte, sectorSize)
	if err := dev.SyncIO(ctx, hal.OpRead, uint64(sb.Layout.CortexStart), buf, 1); err != nil {
		return types.Anchor{}, false, enginerr.Wrap(enginerr.CodeHWIO, "rootanchor.verify_and_heal", err)
	}
	a := types.DecodeAnchor(buf[:types.AnchorSize])

	if a.VerifyChecksum() {
		semanticsOK := a.SeedID == types.AllOnesID &&
			a.DataClass&types.DataClassValid != 0 &&
			types.DataClassSubfield(a.DataClass) == types.ClassStatic
		if semanticsOK {
			return a, false, nil
		}
		return types.Anchor{}, false, enginerr.New(enginerr.CodeNotFound, "rootanchor.verify_and_heal")
	}

	if ro {
		return types.Anchor{}, false, enginerr.New(enginerr.CodeNotFound, "rootanchor.verify_and_heal")
	}

	// Rewrite only the root record inside its sector; neighboring anchor
	// slots in the same sector stay as they are.
	fresh := freshRoot(nowNS)
	copy(buf[:types.AnchorSize], fresh.Encode())
	if err := dev.SyncIO(ctx, hal.OpWrite, uint64(sb.Layout.CortexStart), buf, 1); err != nil {
		return types.Anchor{}, false, enginerr.Wrap(enginerr.CodeHWIO, "rootanchor.verify_and_heal", err)
	}
	if err := dev.Barrier(ctx); err != nil {
		return types.Anchor{}, false, enginerr.Wrap(enginerr.CodeHWIO, "rootanchor.verify_and_heal", err)
	}
	readback := make([]byte, sectorSize)
	if err := dev.SyncIO(ctx, hal.OpRead, uint64(sb.Layout.CortexStart), readback, 1); err != nil {
		return types.Anchor{}, false, enginerr.Wrap(enginerr.CodeHWIO, "rootanchor.verify_and_heal", err)
	}
	healed := types.DecodeAnchor(readback[:types.AnchorSize])
	if !healed.VerifyChecksum() {
		return types.Anchor{}, false, enginerr.New(enginerr.CodeHWIO, "rootanchor.verify_and_heal")
	}
	return healed, true, nil
}
