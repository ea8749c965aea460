// Package quorum implements the Superblock Quorum ("Cardinal Vote"):
// poison detection, candidate block-size probing, tamper triage, the
// deterministic best-candidate state machine, and the heal phase that
// repairs stale or divergent replicas.
package quorum

import (
	"context"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
)

// poisonWord is the erased-flash wipe pattern: four
// consecutive occurrences at the head of sector 0 mean the device was
// wiped and never formatted.
const poisonWord uint32 = 0xFFFFFFFF

// Replica pairs a cardinal slot with the device handle hosting it.
type Replica struct {
	Slot   types.CardinalSlot
	Device hal.Device
}

// Vote runs execute_cardinal_vote over the given replica set.
type Vote struct {
	Replicas    []Replica
	SectorSize  uint32
	ReplayWindowNS int64
	HealDivergenceMultiplier int64
}

type candidateRead struct {
	slot types.CardinalSlot
	sb   *types.Superblock
	ok   bool
}

// Execute runs the Cardinal Vote, returning the winning superblock.
func (q *Vote) Execute(ctx context.Context, allowRepair bool) (*types.Superblock, error) {
	if len(q.Replicas) == 0 {
		return nil, enginerr.New(enginerr.CodeInternalFault, "quorum.execute")
	}

	north := findSlot(q.Replicas, types.North)
	if north == nil {
		return nil, enginerr.New(enginerr.CodeBadSuperblock, "quorum.execute")
	}
	sector0, err := readSector(ctx, north.Device, 0, q.SectorSize)
	if err != nil {
		return nil, err
	}
	if isPoisoned(sector0) {
		return nil, enginerr.New(enginerr.CodeWipePending, "quorum.execute")
	}

	discovered := types.DecodeSuperblock(sector0)
	candidateSizes := dedupeSizes([]uint32{q.SectorSize, 4096, 16384, 65536, discovered.BlockSize})
	capacitySectors := discovered.Capacity

	var best *candidateRead
	var bestSize uint32
	for _, size := range candidateSizes {
		reads := q.readAllReplicas(ctx, size, capacitySectors)
		valid := filterValid(reads, size)
		if len(valid) == 0 {
			continue
		}
		if err := tamperTriage(valid); err != nil {
			return nil, err
		}
		winner, err := pickBest(valid, q.ReplayWindowNS)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			continue
		}
		if best == nil || winner.sb.Generation > best.sb.Generation {
			best = winner
			bestSize = size
		}
	}
	if best == nil {
		return nil, enginerr.New(enginerr.CodeBadSuperblock, "quorum.execute")
	}

	if allowRepair {
		q.heal(ctx, best.sb, bestSize)
	}

	return best.sb, nil
}

func findSlot(replicas []Replica, slot types.CardinalSlot) *Replica {
	for i := range replicas {
		if replicas[i].Slot == slot {
			return &replicas[i]
		}
	}
	return nil
}

func readSector(ctx context.Context, dev hal.Device, lba uint64, sectorSize uint32) ([]byte, error) {
	buf := make([]byte, types.SuperblockSize)
	sectors := uint32(types.SuperblockSize) / sectorSize
	if sectors == 0 {
		sectors = 1
	}
	if err := dev.SyncIO(ctx, hal.OpRead, lba, buf, sectors); err != nil {
		return nil, enginerr.Wrap(enginerr.CodeHWIO, "quorum.read", err)
	}
	return buf, nil
}

func isPoisoned(buf []byte) bool {
	if len(buf) < 16 {
		return false
	}
	for i := 0; i < 4; i++ {
		if types.Endian.Uint32(buf[i*4:i*4+4]) != poisonWord {
			return false
		}
	}
	return true
}

func dedupeSizes(sizes []uint32) []uint32 {
	seen := map[uint32]bool{}
	out := make([]uint32, 0, len(sizes))
	for _, s := range sizes {
		if s == 0 || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// cardinalOffset computes the sector offset for a slot at a candidate
// block size.
func cardinalOffset(slot types.CardinalSlot, capacitySectors uint64, blockSize, sectorSize uint32) (uint64, bool) {
	sbSpaceSectors := uint64(types.SuperblockSize) / uint64(sectorSize)
	switch slot {
	case types.North:
		return 0, true
	case types.East:
		return alignToBlock(ceilDiv(capacitySectors*33, 100), blockSize, sectorSize), true
	case types.West:
		return alignToBlock(ceilDiv(capacitySectors*66, 100), blockSize, sectorSize), true
	case types.South:
		if capacitySectors < 16*sbSpaceSectors {
			return 0, false
		}
		return alignToBlock(capacitySectors-sbSpaceSectors, blockSize, sectorSize), true
	default:
		return 0, false
	}
}

// CardinalOffset exposes the cardinal-replica offset formula
// for other packages (the Mount State Machine's Mark-Dirty phase) that
// need to address a specific replica slot directly.
func CardinalOffset(slot types.CardinalSlot, capacitySectors uint64, blockSize, sectorSize uint32) (uint64, bool) {
	return cardinalOffset(slot, capacitySectors, blockSize, sectorSize)
}

// alignToBlock rounds a sector LBA down to the enclosing block boundary.
func alignToBlock(lba uint64, blockSize, sectorSize uint32) uint64 {
	spb := uint64(blockSize / sectorSize)
	if spb == 0 {
		return lba
	}
	return lba / spb * spb
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (q *Vote) readAllReplicas(ctx context.Context, blockSize uint32, capacitySectors uint64) []candidateRead {
	out := make([]candidateRead, 0, len(q.Replicas))
	for _, r := range q.Replicas {
		if r.Slot != types.North && isZNS(ctx, r.Device) {
			out = append(out, candidateRead{slot: r.Slot})
			continue
		}
		lba, ok := cardinalOffset(r.Slot, capacitySectors, blockSize, q.SectorSize)
		cr := candidateRead{slot: r.Slot}
		if !ok {
			out = append(out, cr)
			continue
		}
		buf, err := readSector(ctx, r.Device, lba, q.SectorSize)
		if err == nil {
			sb := types.DecodeSuperblock(buf)
			cr.sb = sb
			cr.ok = sb.BlockSize == blockSize && sb.Magic == types.SuperblockMagic && types.VerifyCRCBytes(buf) && nonZeroUUID(sb.UUID)
		}
		out = append(out, cr)
	}
	return out
}

func isZNS(ctx context.Context, dev hal.Device) bool {
	caps, err := dev.Caps(ctx)
	return err == nil && caps.Flags.ZNSNative
}

func nonZeroUUID(u [16]byte) bool {
	for _, b := range u {
		if b != 0 {
			return true
		}
	}
	return false
}

func filterValid(reads []candidateRead, blockSize uint32) []candidateRead {
	out := make([]candidateRead, 0, len(reads))
	for _, r := range reads {
		if r.ok {
			out = append(out, r)
		}
	}
	return out
}

// tamperTriage refuses split-brain replica sets: same UUID and generation
// with diverging metadata, or differing UUIDs at equal generation.
func tamperTriage(valid []candidateRead) error {
	for i := 0; i < len(valid); i++ {
		for j := i + 1; j < len(valid); j++ {
			a, b := valid[i].sb, valid[j].sb
			sameUUID := a.UUID == b.UUID
			sameGen := a.Generation == b.Generation
			switch {
			case sameUUID && sameGen && !sameSuperblockMetadata(a, b):
				return enginerr.New(enginerr.CodeTampered, "quorum.tamper_triage")
			case !sameUUID && sameGen:
				return enginerr.New(enginerr.CodeTampered, "quorum.tamper_triage")
			}
		}
	}
	return nil
}

// sameSuperblockMetadata compares the fields tamperTriage treats as an
// identity check. LastMountNS is deliberately excluded: two replicas at the
// same generation legitimately carry slightly different mount timestamps
// (pickBest prefers the later one), and judging that drift is pickBest's
// job via the replay window, not a hard equality check here.
func sameSuperblockMetadata(a, b *types.Superblock) bool {
	return a.State == b.State && a.LastJournalSeq == b.LastJournalSeq
}

// pickBest implements the deterministic best-candidate total order:
// higher generation wins, then later timestamp, then dirty over clean.
// At equal
// generation, two replicas whose last-mount timestamps diverge by more than
// the replay window are not a tie to break: tamperTriage compares UUID,
// generation, state and journal sequence but not last-mount timestamps,
// so a valid pair can still reach here with one
// replica's clock rolled back or forward past W; that is exactly the
// malicious-rollback/split-brain signal the Cardinal Vote exists to catch,
// so the vote aborts with CodeTampered instead of silently preferring one
// side.
func pickBest(valid []candidateRead, replayWindowNS int64) (*candidateRead, error) {
	var best *candidateRead
	for i := range valid {
		c := &valid[i]
		if best == nil {
			best = c
			continue
		}
		if c.sb.Generation > best.sb.Generation {
			best = c
			continue
		}
		if c.sb.Generation < best.sb.Generation {
			continue
		}
		// equal generation: within replay window, prefer later timestamp,
		// then prefer dirty over clean.
		diff := c.sb.LastMountNS - best.sb.LastMountNS
		if diff < 0 {
			diff = -diff
		}
		if diff > replayWindowNS {
			return nil, enginerr.New(enginerr.CodeTampered, "quorum.pick_best")
		}
		if c.sb.LastMountNS > best.sb.LastMountNS {
			best = c
		} else if c.sb.LastMountNS == best.sb.LastMountNS {
			if c.sb.State.Has(types.StateDirty) && !best.sb.State.Has(types.StateDirty) {
				best = c
			}
		}
	}
	return best, nil
}

// heal rewrites stale or divergent replicas from the winning superblock.
func (q *Vote) heal(ctx context.Context, winner *types.Superblock, blockSize uint32) {
	buf := winner.Encode()
	for _, r := range q.Replicas {
		if r.Slot != types.North && isZNS(ctx, r.Device) {
			continue // ZNS devices carry North only
		}
		lba, ok := cardinalOffset(r.Slot, winner.Capacity, blockSize, q.SectorSize)
		if !ok {
			continue // e.g. South invalid on an undersized device
		}
		cur, err := readSector(ctx, r.Device, lba, q.SectorSize)
		needsWrite := err != nil
		if err == nil {
			sb := types.DecodeSuperblock(cur)
			diverged := sb.Generation != winner.Generation
			timeDrift := winner.LastMountNS - sb.LastMountNS
			if timeDrift < 0 {
				timeDrift = -timeDrift
			}
			needsWrite = diverged || timeDrift > q.HealDivergenceMultiplier*q.ReplayWindowNS
		}
		if !needsWrite {
			continue
		}
		if err := r.Device.SyncIO(ctx, hal.OpWrite, lba, buf, uint32(len(buf))/q.SectorSize); err != nil {
			continue
		}
		r.Device.Barrier(ctx)
	}
}
