// Package types defines the bit-exact on-disk record layouts shared across
// the engine: addresses, the Superblock, Chronicle entries, Epoch records,
// Anchors, and block headers. On-disk values are always little-endian;
// every encode/decode pair in this package treats records as byte views
// and parses field-by-field; a host struct is never aliased onto a raw
// sector, so struct padding can never leak into the on-disk format.
package types

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// Addr is a 64-bit sector-indexed address, the default addressing mode.
type Addr uint64

// Addr128 is the large-capacity addressing mode: a 128-bit sector index
// carried as two 64-bit halves and widened to a uint256 for layout-validation
// multiplication (region_start * sector_size), so overflow can be detected
// exactly rather than silently wrapping.
type Addr128 struct {
	hi, lo uint64
}

// NewAddr128 builds a 128-bit address from its halves.
func NewAddr128(hi, lo uint64) Addr128 { return Addr128{hi: hi, lo: lo} }

// Hi returns the high 64 bits.
func (a Addr128) Hi() uint64 { return a.hi }

// Lo returns the low 64 bits.
func (a Addr128) Lo() uint64 { return a.lo }

// Less orders two 128-bit addresses lexicographically on (hi, lo), the
// ordering the Tensor Stream View sorts anchor seed-ids by.
func (a Addr128) Less(b Addr128) bool {
	if a.hi != b.hi {
		return a.hi < b.hi
	}
	return a.lo < b.lo
}

// MulSectorSizeOverflows reports whether addr*sectorSize cannot be
// represented without overflowing the 128-bit address space, used by the
// Mount State Machine's layout validation in large-capacity mode.
func MulSectorSizeOverflows(addr Addr128, sectorSize uint32) bool {
	a := uint256.NewInt(0).SetBytes(encodeAddr128(addr))
	s := uint256.NewInt(uint64(sectorSize))
	var product uint256.Int
	if _, overflow := product.MulOverflow(a, s); overflow {
		return true
	}
	// Addr128 only ever carries a 128-bit sector index; a product that
	// spills past the low 128 bits of the 256-bit accumulator has
	// overflowed the address space even though it fits in a uint256.
	limit := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return product.Cmp(limit) >= 0
}

func encodeAddr128(a Addr128) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], a.hi)
	binary.BigEndian.PutUint64(buf[8:16], a.lo)
	return buf
}

// Endian is the on-disk byte order. Every persisted value is
// little-endian; host-form comparisons always happen after decoding.
var Endian = binary.LittleEndian

// RegionLayout holds the sector LBAs for every region carved out of a
// volume's capacity, exactly as persisted inside the Superblock.
type RegionLayout struct {
	EpochStart      Addr
	CortexStart     Addr
	BitmapStart     Addr
	QMaskStart      Addr
	FluxStart       Addr
	HorizonStart    Addr
	StreamStart     Addr
	JournalStart    Addr
	JournalPtr      Addr
	EpochRingBlockIdx uint32
}

// Validate128 is the large-capacity variant of Validate: each region
// start is multiplied by the sector size in 128-bit arithmetic (per-start
// overflow is a hard failure, never silently wrapped) and bounded against
// the volume's full 128-bit capacity in bytes.
func (r RegionLayout) Validate128(capacityHi, capacityLo uint64, sectorSize uint32) error {
	capBytes := new(uint256.Int).SetBytes(encodeAddr128(NewAddr128(capacityHi, capacityLo)))
	capBytes.Mul(capBytes, uint256.NewInt(uint64(sectorSize)))

	starts := []struct {
		name string
		v    Addr
	}{
		{"epoch", r.EpochStart},
		{"cortex", r.CortexStart},
		{"bitmap", r.BitmapStart},
		{"qmask", r.QMaskStart},
		{"flux", r.FluxStart},
		{"horizon", r.HorizonStart},
		{"stream", r.StreamStart},
	}
	var prev Addr
	havePrev := false
	for _, s := range starts {
		a := NewAddr128(0, uint64(s.v))
		if MulSectorSizeOverflows(a, sectorSize) {
			return fmt.Errorf("region %s start %d overflows the 128-bit address space", s.name, s.v)
		}
		prod := new(uint256.Int).SetBytes(encodeAddr128(a))
		prod.Mul(prod, uint256.NewInt(uint64(sectorSize)))
		if s.v != 0 && prod.Cmp(capBytes) >= 0 {
			return fmt.Errorf("region %s start %d beyond capacity", s.name, s.v)
		}
		if s.v != 0 && havePrev && s.v <= prev {
			return fmt.Errorf("region %s start %d not monotonically ordered after %d", s.name, s.v, prev)
		}
		if s.v != 0 {
			prev = s.v
			havePrev = true
		}
	}
	return nil
}

// Validate checks the region-layout invariant: every non-zero region
// start lies within [0, totalSectors) and regions are monotonically
// ordered by start.
func (r RegionLayout) Validate(totalSectors uint64) error {
	starts := []struct {
		name string
		v    Addr
	}{
		{"epoch", r.EpochStart},
		{"cortex", r.CortexStart},
		{"bitmap", r.BitmapStart},
		{"qmask", r.QMaskStart},
		{"flux", r.FluxStart},
		{"horizon", r.HorizonStart},
		{"stream", r.StreamStart},
	}
	var prev Addr
	havePrev := false
	for _, s := range starts {
		if uint64(s.v) >= totalSectors {
			return fmt.Errorf("region %s start %d out of range [0,%d)", s.name, s.v, totalSectors)
		}
		if s.v != 0 && havePrev && s.v <= prev {
			return fmt.Errorf("region %s start %d not monotonically ordered after %d", s.name, s.v, prev)
		}
		if s.v != 0 {
			prev = s.v
			havePrev = true
		}
	}
	return nil
}
