// Package nano implements the Nano Store: sub-sector write/read of
// small objects at hashed Cortex slots, with triangular probing across up
// to 8 orbits and read-after-write verification.
package nano

import (
	"bytes"
	"context"

	"github.com/cardinalfs/cardinal/internal/crc32c"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// maxOrbits bounds the slot probe at orbits k in 0..7.
const maxOrbits = 8

// splitMix64 is the local copy of the avalanche hash every dispatch-level
// package in this engine keeps for its own hashed-placement needs (see
// internal/router, internal/cortex).
func splitMix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// isPowerOfTwo reports whether n is a power of two (n > 0).
func isPowerOfTwo(n uint64) bool { return n > 0 && n&(n-1) == 0 }

// slotForOrbit picks the probe slot for orbit k: triangular probing
// h + k(k+1)/2 mod cap on power-of-two capacities, linear h + k mod cap
// otherwise.
func slotForOrbit(h uint64, k int, capSlots uint64) uint64 {
	if capSlots == 0 {
		return 0
	}
	if isPowerOfTwo(capSlots) {
		tri := uint64(k*(k+1)) / 2
		return (h + tri) % capSlots
	}
	return (h + uint64(k)) % capSlots
}

// Store drives the Nano Store's Cortex-region slot I/O for one volume.
type Store struct {
	V          *volume.Volume
	Dev        hal.Device
	CortexLBA  uint64 // first sector of the Cortex region
	SlotCount  uint64 // number of sector-sized slots in the Cortex region reserved for nano placement
	SectorSize uint32
}

// mediaIncompatible gates nano writes off rotational media, ZNS devices,
// and the archive profile. HDD and tape are both modeled here as
// hal.Flags.Rotational since the HAL contract does not carry a distinct
// DeviceType for them.
func mediaIncompatible(caps hal.Caps, profile types.Profile) bool {
	return caps.Flags.Rotational || caps.Flags.ZNSNative || profile == types.ProfileArchive
}

func seedHash(seed [16]byte) uint64 {
	return splitMix64(types.Endian.Uint64(seed[0:8]) ^ types.Endian.Uint64(seed[8:16]))
}

// Write stores a small object in the Cortex: reject on incompatible
// media, triangular-probe up to 8 orbits for an empty-or-owned slot, write
// the nano-quantum, barrier, read-after-write verify, and on success
// update the anchor's placement fields in place. The caller owns persisting
// the updated anchor into the Cortex atomically; on a failed persist the
// caller logs the orphan for the scavenger, since only it knows the
// persist failure mode.
func (s *Store) Write(ctx context.Context, anchor *types.Anchor, payload []byte, epochID uint64, nowNS int64) error {
	caps, err := s.Dev.Caps(ctx)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "nano.write", err)
	}
	if mediaIncompatible(caps, s.V.Profile) {
		return enginerr.New(enginerr.CodeProfileMismatch, "nano.write")
	}
	if uint64(len(payload)) > uint64(caps.SectorSize)-types.NanoHeaderSize {
		return enginerr.New(enginerr.CodeInvalidArgument, "nano.write")
	}

	h := seedHash(anchor.SeedID)
	nextSeq := uint64(anchor.WriteGen) + 1

	for k := 0; k < maxOrbits; k++ {
		slot := slotForOrbit(h, k, s.SlotCount)
		lba := s.CortexLBA + slot

		cur := make([]byte, caps.SectorSize)
		if err := s.Dev.SyncIO(ctx, hal.OpRead, lba, cur, 1); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "nano.write", err)
		}
		decoded := types.DecodeNanoQuantum(cur)
		if !decoded.NanoEmpty() && decoded.OwnerID != anchor.SeedID {
			continue // occupied by another object; try next orbit
		}

		q := types.NanoQuantum{
			Magic:      types.NanoQuantumMagic,
			OwnerID:    anchor.SeedID,
			PayloadLen: uint32(len(payload)),
			Sequence:   nextSeq,
		}
		salt := types.FoldEpochSalt(anchor.SeedID, s.V.UUID, nextSeq, epochID)
		q.DataCRC = crc32c.ChecksumSeeded(salt, payload)
		buf := q.Encode(payload)
		if len(buf) < int(caps.SectorSize) {
			padded := make([]byte, caps.SectorSize)
			copy(padded, buf)
			buf = padded
		}

		if err := s.Dev.SyncIO(ctx, hal.OpWrite, lba, buf, 1); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "nano.write", err)
		}
		if !caps.Flags.NVMByteAddr {
			if err := s.Dev.Barrier(ctx); err != nil {
				return enginerr.Wrap(enginerr.CodeHWIO, "nano.write", err)
			}
		}

		verify := make([]byte, caps.SectorSize)
		if err := s.Dev.SyncIO(ctx, hal.OpRead, lba, verify, 1); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "nano.write", err)
		}
		compareLen := types.NanoHeaderSize + len(payload)
		if !bytes.Equal(verify[:compareLen], buf[:compareLen]) {
			continue // torn/ghosted write: retry next orbit
		}

		anchor.GravityCenter = uint64(k)
		anchor.Mass = uint64(len(payload))
		anchor.WriteGen = uint32(nextSeq)
		anchor.ModClockNS = nowNS
		anchor.DataClass |= types.DataClassNano
		return nil
	}
	return enginerr.New(enginerr.CodeENOSPC, "nano.write")
}

// Read fetches a small object back: recompute the slot from
// anchor.GravityCenter, validate magic/owner/generation/size, validate
// CRC under the epoch salt (falling back to a zero-salt check to
// distinguish "time-paradox" from ordinary "data-rot"), and copy out with
// zero-padding when the caller's buffer exceeds the stored length.
func (s *Store) Read(ctx context.Context, anchor types.Anchor, epochID uint64, out []byte) (int, error) {
	if anchor.GravityCenter > 7 {
		return 0, enginerr.New(enginerr.CodeInvalidArgument, "nano.read")
	}
	caps, err := s.Dev.Caps(ctx)
	if err != nil {
		return 0, enginerr.Wrap(enginerr.CodeHWIO, "nano.read", err)
	}
	h := seedHash(anchor.SeedID)
	slot := slotForOrbit(h, int(anchor.GravityCenter), s.SlotCount)
	lba := s.CortexLBA + slot

	buf := make([]byte, caps.SectorSize)
	if err := s.Dev.SyncIO(ctx, hal.OpRead, lba, buf, 1); err != nil {
		return 0, enginerr.Wrap(enginerr.CodeHWIO, "nano.read", err)
	}
	q := types.DecodeNanoQuantum(buf)
	if q.Magic != types.NanoQuantumMagic {
		return 0, enginerr.New(enginerr.CodeNotFound, "nano.read")
	}
	if q.OwnerID != anchor.SeedID {
		return 0, enginerr.New(enginerr.CodeIDMismatch, "nano.read")
	}
	if uint64(q.Sequence) != uint64(anchor.WriteGen) {
		return 0, enginerr.New(enginerr.CodeGenerationSkew, "nano.read")
	}
	payloadCap := uint64(caps.SectorSize) - types.NanoHeaderSize
	if uint64(q.PayloadLen) != anchor.Mass || uint64(q.PayloadLen) > payloadCap {
		return 0, enginerr.New(enginerr.CodeDataRot, "nano.read")
	}

	payload := buf[types.NanoHeaderSize : types.NanoHeaderSize+uint64(q.PayloadLen)]
	salt := types.FoldEpochSalt(anchor.SeedID, s.V.UUID, q.Sequence, epochID)
	if crc32c.ChecksumSeeded(salt, payload) != q.DataCRC {
		// A payload that checks out under a zero epoch salt was written
		// against a different epoch: restored from backup or replayed, not
		// rotted.
		zeroSalt := types.FoldEpochSalt(anchor.SeedID, s.V.UUID, q.Sequence, 0)
		if crc32c.ChecksumSeeded(zeroSalt, payload) == q.DataCRC {
			return 0, enginerr.New(enginerr.CodeTimeParadox, "nano.read")
		}
		return 0, enginerr.New(enginerr.CodeDataRot, "nano.read")
	}

	n := copy(out, payload)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n, nil
}
