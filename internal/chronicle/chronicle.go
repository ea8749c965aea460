// Package chronicle implements the append-only hash-chained audit ring:
// append-time predecessor validation and chain-link computation,
// and a two-pass verify_integrity that heals phantom heads left by a crash
// between the sector write and the Superblock pointer advance.
package chronicle

import (
	"context"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/telemetry"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// Ring wraps a Volume's journal region as an append-only Chronicle.
type Ring struct {
	V          *volume.Volume
	Device     hal.Device
	SectorSize uint32
	Limiter    *telemetry.RateLimiter
}

// New builds a Ring over the volume's journal region, using the volume's
// configured critical-log rate-limit period.
func New(v *volume.Volume, device hal.Device, sectorSize uint32) *Ring {
	return &Ring{
		V:          v,
		Device:     device,
		SectorSize: sectorSize,
		Limiter:    telemetry.NewRateLimiter(v.Config.CriticalLogPeriod),
	}
}

func (r *Ring) bounds() (start, end uint64) {
	sb := &r.V.Superblock
	start = uint64(sb.Layout.JournalStart)
	reserved := uint64(0)
	end = sb.Capacity - reserved
	return
}

func (r *Ring) readSector(ctx context.Context, lba uint64) ([]byte, error) {
	buf := make([]byte, r.SectorSize)
	if err := r.Device.SyncIO(ctx, hal.OpRead, lba, buf, 1); err != nil {
		return nil, enginerr.Wrap(enginerr.CodeHWIO, "chronicle.read", err)
	}
	return buf, nil
}

// Append writes the next entry to the ring: validate the predecessor,
// chain its sector CRC into the new header, write, barrier, then advance
// the Superblock pointer as the commit point.
func (r *Ring) Append(ctx context.Context, op types.ChronicleOp, oldAddr, newAddr types.Addr, principal uint64) error {
	if r.Device == nil || r.V.State().Has(types.StateLocked) {
		return enginerr.New(enginerr.CodeInvalidArgument, "chronicle.append")
	}

	if r.V.Superblock.CapacityHi != 0 {
		// Large-capacity volumes put the ring bound past what the 64-bit
		// self-address validator can represent; refuse tamper-safe rather
		// than skip the check. A 128-bit validator is a future extension.
		return enginerr.New(enginerr.CodeTampered, "chronicle.append")
	}
	start, end := r.bounds()
	if end <= start || int(r.SectorSize) < types.ChronicleHeaderSize+8 {
		return enginerr.New(enginerr.CodeGeometry, "chronicle.append")
	}

	head := uint64(r.V.Superblock.Layout.JournalPtr)
	if head < start || head >= end {
		return enginerr.New(enginerr.CodeBadSuperblock, "chronicle.append")
	}

	var prev uint64
	if head == start {
		prev = end - 1
	} else {
		prev = head - 1
	}

	genesis := r.V.Superblock.LastJournalSeq == 0
	var prevSeq uint64
	var link uint32
	if !genesis {
		prevBuf, err := r.readSector(ctx, prev)
		if err != nil {
			return err
		}
		prevHeader, ok := types.ValidateSector(prevBuf, types.Addr(prev))
		if !ok {
			r.V.SetFlag(types.StatePanic)
			return enginerr.New(enginerr.CodeTampered, "chronicle.append")
		}
		if prevHeader.Sequence == ^uint64(0) {
			r.V.SetFlag(types.StateLocked)
			return enginerr.New(enginerr.CodeGeometry, "chronicle.append")
		}
		if prevHeader.Sequence == 0 {
			return enginerr.New(enginerr.CodeDataRot, "chronicle.append")
		}
		prevSeq = prevHeader.Sequence
		link = types.SectorCRC(prevBuf)
	}

	h := types.ChronicleHeader{
		Magic:         types.ChronicleMagic,
		Sequence:      prevSeq + 1,
		TimestampNS:   r.V.Clock.NowNS(),
		OldAddr:       oldAddr,
		NewAddr:       newAddr,
		SelfAddr:      types.Addr(head),
		PrincipalHash: principal,
		Version:       1,
		Op:            op,
		PrevSectorCRC: link,
	}
	sector := types.EncodeChronicleSector(&h, int(r.SectorSize))

	if err := r.Device.SyncIO(ctx, hal.OpWrite, head, sector, 1); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "chronicle.append", err)
	}
	if err := r.Device.Barrier(ctx); err != nil {
		r.V.Health.BarrierFailures.Add(1)
		return enginerr.Wrap(enginerr.CodeHWIO, "chronicle.append", err)
	}

	newHead := start + (head+1-start)%(end-start)
	r.V.Superblock.Layout.JournalPtr = types.Addr(newHead)
	r.V.Superblock.LastJournalSeq = h.Sequence
	if err := r.persistSuperblock(ctx); err != nil {
		r.V.SetFlag(types.StatePanic)
		r.V.ClearFlag(types.StateClean)
		r.V.SetFlag(types.StateDirty | types.StateToxic)
		return err
	}
	return nil
}

// persistSuperblock is the reference single-replica persist used by the
// Chronicle path; Mount's quorum-aware persist supersedes this for the
// cardinal replica set.
func (r *Ring) persistSuperblock(ctx context.Context) error {
	buf := r.V.Superblock.Encode()
	if err := r.Device.SyncIO(ctx, hal.OpWrite, 0, buf, uint32(len(buf))/r.SectorSize); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "chronicle.persist_superblock", err)
	}
	return r.Device.Barrier(ctx)
}

// VerifyIntegrity runs the two-pass ring verification, healing phantom
// heads in PASS 1 and performing the bounded reverse audit in PASS 2.
func (r *Ring) VerifyIntegrity(ctx context.Context) error {
	if err := r.healPhantomHeads(ctx); err != nil {
		return err
	}
	return r.reverseAudit(ctx)
}

func (r *Ring) healPhantomHeads(ctx context.Context) error {
	start, end := r.bounds()
	for {
		head := uint64(r.V.Superblock.Layout.JournalPtr)
		if head < start || head >= end {
			return enginerr.New(enginerr.CodeBadSuperblock, "chronicle.verify_integrity")
		}
		phantomBuf, err := r.readSector(ctx, head)
		if err != nil {
			return err
		}
		phantom, ok := types.ValidateSector(phantomBuf, types.Addr(head))
		if !ok {
			return nil // head itself doesn't validate: nothing to heal
		}

		var prev uint64
		if head == start {
			prev = end - 1
		} else {
			prev = head - 1
		}
		prevBuf, err := r.readSector(ctx, prev)
		if err != nil {
			return err
		}
		prevHeader, ok := types.ValidateSector(prevBuf, types.Addr(prev))
		if !ok {
			return nil
		}
		if phantom.Sequence != prevHeader.Sequence+1 {
			return nil
		}
		if phantom.PrevSectorCRC != types.SectorCRC(prevBuf) {
			return nil
		}

		nextHead := start + (head+1-start)%(end-start)
		r.V.Superblock.Layout.JournalPtr = types.Addr(nextHead)
		r.V.Superblock.LastJournalSeq = phantom.Sequence
		if err := r.persistSuperblock(ctx); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "chronicle.verify_integrity", err)
		}
		r.V.Health.HealCount.Add(1)
	}
}

func (r *Ring) reverseAudit(ctx context.Context) error {
	start, end := r.bounds()
	head := uint64(r.V.Superblock.Layout.JournalPtr)

	var tipIdx uint64
	if head == start {
		tipIdx = end - 1
	} else {
		tipIdx = head - 1
	}

	tipBuf, err := r.readSector(ctx, tipIdx)
	if err != nil {
		return err
	}
	tip, ok := types.ValidateSector(tipBuf, types.Addr(tipIdx))
	if !ok {
		if head == start {
			return nil // empty log
		}
		r.Limiter.Critical("corrupt-tip", telemetry.ForVolume(hexUUID(r.V.UUID), r.V.Superblock.Generation), "corrupt chronicle tip")
		r.V.SetFlag(types.StatePanic)
		return enginerr.New(enginerr.CodeTampered, "chronicle.verify_integrity")
	}
	if r.V.Superblock.LastJournalSeq > 0 && tip.Sequence < r.V.Superblock.LastJournalSeq {
		r.V.SetFlag(types.StatePanic)
		return enginerr.New(enginerr.CodeTampered, "chronicle.verify_integrity")
	}

	cur := tipIdx
	curHeader := tip
	depth := 0
	limit := r.V.Config.ReverseAuditDepthLimit

	for curHeader.Sequence > 1 {
		if depth >= limit {
			return nil // soft stop at the configured depth bound
		}
		var prevIdx uint64
		if cur == start {
			prevIdx = end - 1
		} else {
			prevIdx = cur - 1
		}
		prevBuf, err := r.readSector(ctx, prevIdx)
		if err != nil {
			return err
		}
		prevHeader, ok := types.ValidateSector(prevBuf, types.Addr(prevIdx))
		if !ok {
			return nil // end-of-history, not an error
		}
		if curHeader.PrevSectorCRC != types.SectorCRC(prevBuf) || prevHeader.Sequence+1 != curHeader.Sequence {
			r.V.SetFlag(types.StatePanic)
			return enginerr.New(enginerr.CodeTampered, "chronicle.verify_integrity")
		}
		cur = prevIdx
		curHeader = prevHeader
		depth++
	}
	return nil
}

func hexUUID(u [16]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range u {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xF]
	}
	return string(out)
}
