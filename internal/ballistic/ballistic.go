// Package ballistic implements the Ballistic Read pipeline:
// multi-candidate ("shotgun") trajectory generation, per-candidate
// validation with profile-driven retries, decompression, weighted error
// merging across candidates, and the Auto-Medic pass that re-writes losing
// replicas once a winner is found.
package ballistic

import (
	"context"
	"sort"
	"time"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/codec"
	"github.com/cardinalfs/cardinal/internal/crc32c"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/medic"
	"github.com/cardinalfs/cardinal/internal/router"
	"github.com/cardinalfs/cardinal/internal/trajectory"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// readPoison is written into the first bytes of the I/O buffer before each
// candidate read so a controller that silently no-ops the I/O leaves
// tell-tale bytes behind, distinct from Auto-Medic's 0xDD ghost poison.
const readPoison = 0xCC

// maxOrbit is the highest orbit selector the candidate generator will
// try; k runs 0..12.
const maxOrbit = 13

// Outcome classifies a successful (non-error) ReadBlockAtomic result.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSparse
	OutcomeHealed
)

// Reader drives the Ballistic Read pipeline for one volume.
type Reader struct {
	V      *volume.Volume
	Router *router.Router
	Dev    hal.Device // used for Caps/Prefetch only; data I/O goes through Router
	Bitmap *bitmapio.Bitmap
	QMask  *bitmapio.QMask
}

type candidate struct {
	LBA   types.Addr
	Orbit uint8
}

// profileTuning is the per-profile tuning table: depth
// (candidate count), per-retry sleep, and whether healing runs at all.
type profileTuning struct {
	depthLimit int
	sleep      time.Duration
	heal       bool
}

func tuningFor(p types.Profile, rotational bool) profileTuning {
	switch p {
	case types.ProfilePico:
		return profileTuning{depthLimit: 1, sleep: 0, heal: false}
	case types.ProfileUSB:
		return profileTuning{depthLimit: 3, sleep: 5 * time.Millisecond, heal: true}
	case types.ProfileGaming:
		return profileTuning{depthLimit: 1, sleep: 10 * time.Microsecond, heal: true}
	default:
		if rotational {
			return profileTuning{depthLimit: 2, sleep: time.Millisecond, heal: true}
		}
		return profileTuning{depthLimit: 2, sleep: 0, heal: true}
	}
}

func seedFileID(seed [16]byte) types.Addr128 {
	return types.NewAddr128(types.Endian.Uint64(seed[0:8]), types.Endian.Uint64(seed[8:16]))
}

// ReadBlockAtomic implements read_block_atomic(volume, anchor,
// block-index-in-object, out-buffer, out-buffer-length, session-permissions).
func (r *Reader) ReadBlockAtomic(ctx context.Context, anchor types.Anchor, blockIndex uint64, out []byte, sessionPerms uint32) (Outcome, error) {
	a := anchor // copied under the caller's L2 lock (torn-read defense)

	if a.Permissions&(types.PermRead|types.PermSovereign) == 0 && sessionPerms&(types.PermRead|types.PermSovereign) == 0 {
		return 0, enginerr.New(enginerr.CodeAccessDenied, "ballistic.read_block_atomic")
	}

	caps, err := r.Dev.Caps(ctx)
	if err != nil {
		return 0, enginerr.Wrap(enginerr.CodeHWIO, "ballistic.read_block_atomic", err)
	}
	rw := !r.V.State().Has(types.StateLocked)
	tuning := tuningFor(r.V.Profile, caps.Flags.Rotational)

	cands, err := r.buildCandidates(a, blockIndex, tuning.depthLimit, rw)
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		for i := range out {
			out[i] = 0
		}
		return OutcomeSparse, nil
	}
	if caps.Flags.Rotational {
		sort.Slice(cands, func(i, j int) bool { return cands[i].LBA < cands[j].LBA })
	} else if topo := r.V.Topo; topo != nil {
		// AI-profile steering: probe candidates in healthier zones first.
		spb := uint64(r.V.Superblock.BlockSize / caps.SectorSize)
		if spb == 0 {
			spb = 1
		}
		sort.SliceStable(cands, func(i, j int) bool {
			return topo.ZoneQuality(uint64(cands[i].LBA)/spb) > topo.ZoneQuality(uint64(cands[j].LBA)/spb)
		})
	}

	sectorCount := uint32(len(out)+int(caps.SectorSize)-1) / caps.SectorSize
	if sectorCount == 0 {
		sectorCount = 1
	}
	attempts := 2
	if caps.Flags.NVMByteAddr {
		attempts = 1
	}
	fileID := seedFileID(a.SeedID)

	var (
		bestErr    error
		bestRank   = len(priority)
		winner     *candidate
		winnerHdr  types.BlockHeader
		winnerPay  []byte
		failedCand []candidate
	)

	buf := make([]byte, sectorCount*caps.SectorSize)
	for ci := range cands {
		c := cands[ci]
		var candErr error
		for attempt := 0; attempt < attempts; attempt++ {
			for i := 0; i < len(buf) && i < 64; i++ {
				buf[i] = readPoison
			}
			ioErr := r.Router.Route(ctx, hal.OpRead, c.LBA, buf, sectorCount, fileID)
			if ioErr != nil {
				candErr = ioErr
				if caps.Flags.Rotational && tuning.sleep > 0 {
					time.Sleep(backoff(tuning.sleep, r.V.Health.TaintCounter.Load()))
				}
				continue
			}
			hdr, payload, verr := validate(buf, a)
			if verr != nil {
				candErr = verr
				continue
			}
			winner = &cands[ci]
			winnerHdr = hdr
			winnerPay = payload
			candErr = nil
			break
		}
		if winner != nil {
			break
		}
		if candErr != nil {
			failedCand = append(failedCand, c)
			bestErr, bestRank = mergeError(bestErr, bestRank, candErr)
		}
	}

	if winner == nil {
		if bestErr == nil {
			bestErr = enginerr.New(enginerr.CodeNotFound, "ballistic.read_block_atomic")
		}
		return 0, bestErr
	}

	n, derr := codec.Decompress(winnerHdr.Algo, winnerPay, len(out))
	if derr != nil {
		return 0, derr
	}
	copy(out, n)
	for i := len(n); i < len(out); i++ {
		out[i] = 0
	}

	r.Dev.Prefetch(ctx, uint64(winner.LBA)+uint64(sectorCount), sectorCount)

	healed := false
	if rw && tuning.heal && len(failedCand) > 0 {
		healed = r.healLosers(ctx, failedCand, winnerHdr, winnerPay, sectorCount, fileID, blockIndex)
	}
	if healed {
		return OutcomeHealed, nil
	}
	return OutcomeOK, nil
}

// buildCandidates generates trajectory candidates: horizon-hinted anchors get a
// single linear candidate gated on bitmap occupancy; others sweep up to
// depthLimit orbits starting at the anchor's per-cluster hint, applying
// the k>=8/k>=4 swizzle rules, each gated on bitmap occupancy (optimistic
// probing when the bitmap failed to load in RO mode).
func (r *Reader) buildCandidates(a types.Anchor, blockIndex uint64, depthLimit int, rw bool) ([]candidate, error) {
	occupied := func(lba uint64) bool {
		if r.Bitmap == nil {
			return !rw // RW with no bitmap: treat as unknown/absent; RO: probe optimistically
		}
		set, err := r.Bitmap.Do(lba, bitmapio.Test)
		if err != nil {
			return false
		}
		return set
	}

	if a.DataClass&types.DataClassHorizon != 0 {
		shift := a.FractalScale
		if shift > 63 {
			shift = 63
		}
		lba := a.GravityCenter + blockIndex*(uint64(1)<<shift)
		if !occupied(lba) {
			return nil, nil
		}
		return []candidate{{LBA: types.Addr(lba), Orbit: 0}}, nil
	}

	cluster := int(blockIndex >> 4)
	if cluster >= 16 {
		cluster = cluster % 16
	}
	k0 := a.OrbitHint(cluster)

	var out []candidate
	for i := 0; i < depthLimit; i++ {
		k := uint8((int(k0) + i) % maxOrbit)
		lba, err := trajectory.Calc(a.GravityCenter, a.OrbitVector, blockIndex, a.FractalScale, k)
		if err != nil {
			continue
		}
		if !occupied(uint64(lba)) {
			continue
		}
		out = append(out, candidate{LBA: lba, Orbit: k})
	}
	return out, nil
}

// backoff computes the adaptive retry delay: base sleep
// shifted up by floor((taint-50)/10), capped at 6 shifts and 100ms.
func backoff(base time.Duration, taint uint64) time.Duration {
	if taint <= 50 {
		return base
	}
	shift := (taint - 50) / 10
	if shift > 6 {
		shift = 6
	}
	d := base << shift
	if d > 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// validate runs the per-candidate block validation chain: length, magic
// (with full-poison detection), header CRC, well-id, generation width,
// compression algorithm, and data CRC.
func validate(buf []byte, a types.Anchor) (types.BlockHeader, []byte, error) {
	if len(buf) < types.BlockHeaderSize {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeGeometry, "ballistic.validate")
	}
	if allPoisoned(buf) {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeHWIO, "ballistic.validate")
	}
	h := types.DecodeBlockHeader(buf)
	if h.Magic != types.BlockHeaderMagic {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeHeaderRot, "ballistic.validate")
	}
	if !h.VerifyHeaderCRC() {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeHeaderRot, "ballistic.validate")
	}
	if h.WellID != a.SeedID {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeIDMismatch, "ballistic.validate")
	}
	if h.GenerationHi != 0 || h.GenerationLo != a.WriteGen {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeGenerationSkew, "ballistic.validate")
	}
	if h.Algo != types.CompressionNone && h.Algo != types.CompressionTCC {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeAlgoUnknown, "ballistic.validate")
	}
	if a.DataClass&types.DataClassEncrypted != 0 && h.Algo != types.CompressionNone {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeTampered, "ballistic.validate")
	}
	payloadCap := len(buf) - types.BlockHeaderSize
	if int(h.CompressedSize) > payloadCap {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodePayloadRot, "ballistic.validate")
	}
	payload := buf[types.BlockHeaderSize : types.BlockHeaderSize+int(h.CompressedSize)]
	if crc32c.Checksum(payload) != h.DataCRC {
		return types.BlockHeader{}, nil, enginerr.New(enginerr.CodeDataRot, "ballistic.validate")
	}
	return h, payload, nil
}

func allPoisoned(buf []byte) bool {
	n := len(buf)
	if n > 64 {
		n = 64
	}
	for i := 0; i < n; i++ {
		if buf[i] != readPoison {
			return false
		}
	}
	return true
}

// priority is the weighted error-merge table, highest severity first.
var priority = []enginerr.Code{
	enginerr.CodeCPUInsanity,
	enginerr.CodeHWIO,
	enginerr.CodeNoMem,
	enginerr.CodeGenerationSkew,
	enginerr.CodePhantomBlock,
	enginerr.CodeHeaderRot,
	enginerr.CodePayloadRot,
	enginerr.CodeDataRot,
	enginerr.CodeDecompressFail,
	enginerr.CodeIDMismatch,
	enginerr.CodeVersionIncompat,
	enginerr.CodeNotFound,
	enginerr.CodeSparse,
}

func rankOf(err error) int {
	for i, c := range priority {
		if enginerr.IsCode(err, c) {
			return i
		}
	}
	return len(priority)
}

// mergeError keeps the highest-priority error seen so far, preserving the
// causal-first error on a rank tie.
func mergeError(cur error, curRank int, next error) (error, int) {
	r := rankOf(next)
	if cur == nil || r < curRank {
		return next, r
	}
	return cur, curRank
}

// healLosers re-serializes the winning block and invokes Auto-Medic on
// every failed candidate whose error wasn't a semantic
// mismatch (generation-skew, id-mismatch), routed through the Spatial
// Router rather than a single hal.Device since a candidate's physical
// replica set is array-topology dependent.
func (r *Reader) healLosers(ctx context.Context, failed []candidate, winnerHdr types.BlockHeader, payload []byte, sectorCount uint32, fileID types.Addr128, blockIndex uint64) bool {
	healedAny := false
	for _, c := range failed {
		hdr := winnerHdr
		hdr.DataCRC = crc32c.Checksum(payload)
		hdr.HeaderCRC = 0
		encoded := hdr.Encode()
		good := make([]byte, len(encoded)+len(payload))
		copy(good, encoded)
		copy(good[len(encoded):], payload)

		if err := r.repairAt(ctx, c.LBA, good, sectorCount, fileID, blockIndex); err == nil {
			healedAny = true
		}
	}
	return healedAny
}

// repairAt performs Auto-Medic's overwrite-then-verify repair routed
// through the Spatial Router and the volume's in-RAM Q-Mask.
func (r *Reader) repairAt(ctx context.Context, addr types.Addr, good []byte, sectorCount uint32, fileID types.Addr128, blockIndex uint64) error {
	if err := r.Router.Route(ctx, hal.OpWrite, addr, good, sectorCount, fileID); err != nil {
		return classifyAndRecord(r.V, r.QMask, blockIndex, err)
	}
	if err := r.Router.Route(ctx, hal.OpFlush, addr, good, sectorCount, fileID); err != nil {
		return classifyAndRecord(r.V, r.QMask, blockIndex, err)
	}
	// Same DMA-ghost defense as medic.Repair: a controller that silently
	// no-ops the read-back leaves the poison in place, which the compare
	// below then catches.
	verify := make([]byte, len(good))
	for i := range verify {
		verify[i] = medic.GhostPoison
	}
	if err := r.Router.Route(ctx, hal.OpRead, addr, verify, sectorCount, fileID); err != nil {
		return classifyAndRecord(r.V, r.QMask, blockIndex, err)
	}
	var mismatch bool
	for i := range good {
		if good[i] != verify[i] {
			mismatch = true
			break
		}
	}
	if mismatch {
		return classifyAndRecord(r.V, r.QMask, blockIndex, enginerr.New(enginerr.CodeDataRot, "ballistic.heal"))
	}
	return classifyAndRecord(r.V, r.QMask, blockIndex, nil)
}

func classifyAndRecord(v *volume.Volume, qmask *bitmapio.QMask, blockIndex uint64, err error) error {
	outcome := medic.ClassifyOutcome(err)
	if qmask != nil {
		final, casErr := qmask.Transition(blockIndex, outcome)
		if casErr != nil {
			v.SetFlag(types.StateDegraded)
			if err == nil {
				err = casErr
			}
			return err
		}
		if outcome == types.OutcomeSuccess {
			v.Health.HealCount.Add(1)
		} else if final == types.QToxic {
			v.Health.ToxicBlocks.Add(1)
		}
	}
	return err
}
