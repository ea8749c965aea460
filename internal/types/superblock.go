package types

import "encoding/binary"

// SuperblockMagic is the fixed magic stamped at the head of every
// Superblock replica.
const SuperblockMagic uint64 = 0x00344e4820425343 // "CSB HN4\x00"

// Profile enumerates the format profile a volume was created under.
type Profile uint8

const (
	ProfileGeneric Profile = iota
	ProfileGaming
	ProfileAI
	ProfileArchive
	ProfilePico
	ProfileSystem
	ProfileUSB
	ProfileHyperCloud
)

// StateFlags are the Volume-level state bits.
type StateFlags uint32

const (
	StateClean StateFlags = 1 << iota
	StateDirty
	StateDegraded
	StatePanic
	StateToxic
	StateLocked
	StatePendingWipe
	StateUnmounting
	StateMetadataZeroed
	StateNeedsUpgrade
)

// Has reports whether every bit in mask is set.
func (s StateFlags) Has(mask StateFlags) bool { return s&mask == mask }

// CardinalSlot identifies one of the four Superblock replicas.
type CardinalSlot int

const (
	North CardinalSlot = iota
	East
	West
	South
)

func (c CardinalSlot) String() string {
	switch c {
	case North:
		return "north"
	case East:
		return "east"
	case West:
		return "west"
	case South:
		return "south"
	default:
		return "unknown"
	}
}

// SuperblockSize is the fixed on-disk record size.
const SuperblockSize = 4096

// Incompat feature bits. A mounter that does not recognize a set bit must
// refuse the volume.
const (
	// IncompatWormhole requests cross-stripe atomic rewrite support,
	// gated on strict-flush capability at mount.
	IncompatWormhole uint64 = 1 << 0
	// IncompatLargeCapacity selects 128-bit addressing: CapacityHi is
	// meaningful and layout validation multiplies in 128 bits.
	IncompatLargeCapacity uint64 = 1 << 1
)

// Superblock is the fixed-size replicated record describing a volume.
type Superblock struct {
	Magic      uint64
	CRC32C     uint32 // over the whole record excluding this field
	UUID       [16]byte
	Profile    Profile
	Flags      HWFlags // hardware-capability flags captured at format time
	BlockSize  uint32
	Capacity   uint64 // sectors (low 64 bits; see CapacityHi)
	CapacityHi uint64 // high 64 bits of the sector count, large-capacity mode only
	Generation uint64
	LastMountNS int64
	State      StateFlags
	Incompat   uint64
	RoCompat   uint64
	Compat     uint64
	EndianTag  uint32 // 0x01020304 written, compared on read to detect foreign-endian media
	Layout     RegionLayout
	LastJournalSeq uint64
}

// HWFlags is the hardware-capability snapshot persisted in the
// Superblock, packed into a single on-disk byte.
type HWFlags struct {
	Rotational, ZNSNative, StrictFlush, NVMByteAddr, GPUDirect bool
}

func packHWFlags(f HWFlags) byte {
	var b byte
	if f.Rotational {
		b |= 1 << 0
	}
	if f.ZNSNative {
		b |= 1 << 1
	}
	if f.StrictFlush {
		b |= 1 << 2
	}
	if f.NVMByteAddr {
		b |= 1 << 3
	}
	if f.GPUDirect {
		b |= 1 << 4
	}
	return b
}

func unpackHWFlags(b byte) HWFlags {
	return HWFlags{
		Rotational:  b&(1<<0) != 0,
		ZNSNative:   b&(1<<1) != 0,
		StrictFlush: b&(1<<2) != 0,
		NVMByteAddr: b&(1<<3) != 0,
		GPUDirect:   b&(1<<4) != 0,
	}
}

// Encode serializes the Superblock into a SuperblockSize buffer with the
// CRC recomputed and written at its fixed offset. Field-by-field encoding
// keeps struct padding out of the on-disk format.
func (s *Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	off := 0
	putU64 := func(v uint64) { Endian.PutUint64(buf[off:], v); off += 8 }
	putU32 := func(v uint32) { Endian.PutUint32(buf[off:], v); off += 4 }
	putI64 := func(v int64) { Endian.PutUint64(buf[off:], uint64(v)); off += 8 }

	putU64(s.Magic)
	off += 4 // reserve CRC slot, filled below
	copy(buf[off:off+16], s.UUID[:])
	off += 16
	buf[off] = byte(s.Profile)
	off++
	buf[off] = packHWFlags(s.Flags)
	off++
	off += 2 // alignment padding, explicit
	putU32(s.BlockSize)
	putU64(s.Capacity)
	putU64(uint64(s.Generation))
	putI64(s.LastMountNS)
	putU32(uint32(s.State))
	putU64(s.Incompat)
	putU64(s.RoCompat)
	putU64(s.Compat)
	putU32(s.EndianTag)
	putU64(uint64(s.Layout.EpochStart))
	putU64(uint64(s.Layout.CortexStart))
	putU64(uint64(s.Layout.BitmapStart))
	putU64(uint64(s.Layout.QMaskStart))
	putU64(uint64(s.Layout.FluxStart))
	putU64(uint64(s.Layout.HorizonStart))
	putU64(uint64(s.Layout.StreamStart))
	putU64(uint64(s.Layout.JournalStart))
	putU64(uint64(s.Layout.JournalPtr))
	putU32(s.Layout.EpochRingBlockIdx)
	putU64(s.LastJournalSeq)
	putU64(s.CapacityHi)

	crc := crc32Castagnoli(buf)
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

// DecodeSuperblock parses buf (at least SuperblockSize bytes) into a Superblock.
func DecodeSuperblock(buf []byte) *Superblock {
	s := &Superblock{}
	off := 0
	getU64 := func() uint64 { v := Endian.Uint64(buf[off:]); off += 8; return v }
	getU32 := func() uint32 { v := Endian.Uint32(buf[off:]); off += 4; return v }
	getI64 := func() int64 { v := int64(Endian.Uint64(buf[off:])); off += 8; return v }

	s.Magic = getU64()
	s.CRC32C = binary.LittleEndian.Uint32(buf[8:12])
	off += 4
	copy(s.UUID[:], buf[off:off+16])
	off += 16
	s.Profile = Profile(buf[off])
	off++
	s.Flags = unpackHWFlags(buf[off])
	off++
	off += 2
	s.BlockSize = getU32()
	s.Capacity = getU64()
	s.Generation = getU64()
	s.LastMountNS = getI64()
	s.State = StateFlags(getU32())
	s.Incompat = getU64()
	s.RoCompat = getU64()
	s.Compat = getU64()
	s.EndianTag = getU32()
	s.Layout.EpochStart = Addr(getU64())
	s.Layout.CortexStart = Addr(getU64())
	s.Layout.BitmapStart = Addr(getU64())
	s.Layout.QMaskStart = Addr(getU64())
	s.Layout.FluxStart = Addr(getU64())
	s.Layout.HorizonStart = Addr(getU64())
	s.Layout.StreamStart = Addr(getU64())
	s.Layout.JournalStart = Addr(getU64())
	s.Layout.JournalPtr = Addr(getU64())
	s.Layout.EpochRingBlockIdx = getU32()
	s.LastJournalSeq = getU64()
	s.CapacityHi = getU64()
	return s
}

// LargeCapacity reports whether the volume was formatted in 128-bit
// addressing mode.
func (s *Superblock) LargeCapacity() bool {
	return s.Incompat&IncompatLargeCapacity != 0
}

// VerifyCRC recomputes the CRC over the encoded record (with the CRC field
// zeroed) and compares against the stored value.
func (s *Superblock) VerifyCRC() bool {
	encoded := s.Encode() // Encode recomputes and writes the CRC from current fields
	return Endian.Uint32(encoded[8:12]) == s.CRC32C
}

// VerifyCRCBytes checks a raw on-disk replica buffer against its own stored
// CRC field, without requiring a decoded Superblock.
func VerifyCRCBytes(buf []byte) bool {
	if len(buf) < SuperblockSize {
		return false
	}
	stored := binary.LittleEndian.Uint32(buf[8:12])
	cp := make([]byte, len(buf))
	copy(cp, buf)
	binary.LittleEndian.PutUint32(cp[8:12], 0)
	return crc32Castagnoli(cp) == stored
}

// Clone returns a deep copy, used before heal-phase mutation.
func (s *Superblock) Clone() *Superblock {
	cp := *s
	return &cp
}
