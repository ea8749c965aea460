package types

// AnchorSize is the fixed on-disk anchor record size: 128 bytes, a clean
// divisor of common sector sizes (512, 4096).
const AnchorSize = 128

// DataClass flag bits, packed into Anchor.DataClass's low byte alongside a
// class subfield.
const (
	DataClassValid     uint64 = 1 << 0
	DataClassTombstone uint64 = 1 << 1
	DataClassNano      uint64 = 1 << 2
	DataClassHorizon   uint64 = 1 << 3
	DataClassEncrypted uint64 = 1 << 4
)

const dataClassSubfieldShift = 8

// ClassStatic is the data-class subfield value used by the Root Anchor.
const ClassStatic uint64 = 1

// DataClassSubfield extracts the class subfield from a packed DataClass.
func DataClassSubfield(v uint64) uint64 { return v >> dataClassSubfieldShift }

// PackDataClass combines flag bits and a class subfield.
func PackDataClass(flags uint64, class uint64) uint64 {
	allOnes := ^uint64(0)
	return (flags &^ (allOnes << dataClassSubfieldShift)) | (class << dataClassSubfieldShift)
}

// Permission bits.
const (
	PermRead      uint32 = 1 << 0
	PermWrite     uint32 = 1 << 1
	PermExec      uint32 = 1 << 2
	PermImmutable uint32 = 1 << 3
	PermSovereign uint32 = 1 << 4
)

// AllOnesID is the seed-id sentinel identifying the Root Anchor.
var AllOnesID = [16]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Anchor is the fixed 128-byte Cortex record describing a logical object.
type Anchor struct {
	SeedID        [16]byte // immutable identity
	PublicID      [16]byte // mutable
	ModClockNS    int64
	CreateClockS  uint32
	GravityCenter uint64
	OrbitVector   [6]byte
	FractalScale  uint16
	WriteGen      uint32
	Mass          uint64
	DataClass     uint64
	Permissions   uint32
	OrbitHints    uint32 // 2 bits per cluster-of-16 blocks
	InlineBuffer  [36]byte
	Checksum      uint32
}

// Encode serializes an Anchor into a 128-byte buffer with a trailing CRC32C
// computed over bytes [0:124).
func (a *Anchor) Encode() []byte {
	buf := make([]byte, AnchorSize)
	off := 0
	copy(buf[off:off+16], a.SeedID[:])
	off += 16
	copy(buf[off:off+16], a.PublicID[:])
	off += 16
	Endian.PutUint64(buf[off:], uint64(a.ModClockNS))
	off += 8
	Endian.PutUint32(buf[off:], a.CreateClockS)
	off += 4
	Endian.PutUint64(buf[off:], a.GravityCenter)
	off += 8
	copy(buf[off:off+6], a.OrbitVector[:])
	off += 6
	Endian.PutUint16(buf[off:], a.FractalScale)
	off += 2
	Endian.PutUint32(buf[off:], a.WriteGen)
	off += 4
	Endian.PutUint64(buf[off:], a.Mass)
	off += 8
	Endian.PutUint64(buf[off:], a.DataClass)
	off += 8
	Endian.PutUint32(buf[off:], a.Permissions)
	off += 4
	Endian.PutUint32(buf[off:], a.OrbitHints)
	off += 4
	copy(buf[off:off+36], a.InlineBuffer[:])
	off += 36
	// off should now be 124; remaining 4 bytes hold the checksum.
	crc := crc32Castagnoli(buf[:off])
	Endian.PutUint32(buf[off:off+4], crc)
	a.Checksum = crc
	return buf
}

// DecodeAnchor parses a 128-byte buffer into an Anchor.
func DecodeAnchor(buf []byte) Anchor {
	var a Anchor
	off := 0
	copy(a.SeedID[:], buf[off:off+16])
	off += 16
	copy(a.PublicID[:], buf[off:off+16])
	off += 16
	a.ModClockNS = int64(Endian.Uint64(buf[off:]))
	off += 8
	a.CreateClockS = Endian.Uint32(buf[off:])
	off += 4
	a.GravityCenter = Endian.Uint64(buf[off:])
	off += 8
	copy(a.OrbitVector[:], buf[off:off+6])
	off += 6
	a.FractalScale = Endian.Uint16(buf[off:])
	off += 2
	a.WriteGen = Endian.Uint32(buf[off:])
	off += 4
	a.Mass = Endian.Uint64(buf[off:])
	off += 8
	a.DataClass = Endian.Uint64(buf[off:])
	off += 8
	a.Permissions = Endian.Uint32(buf[off:])
	off += 4
	a.OrbitHints = Endian.Uint32(buf[off:])
	off += 4
	copy(a.InlineBuffer[:], buf[off:off+36])
	off += 36
	a.Checksum = Endian.Uint32(buf[off : off+4])
	return a
}

// VerifyChecksum recomputes the CRC over a copy with the checksum field
// zeroed and compares against the stored value.
func (a Anchor) VerifyChecksum() bool {
	cp := a
	encoded := cp.Encode()
	return Endian.Uint32(encoded[AnchorSize-4:]) == a.Checksum
}

// OrbitHint extracts the 2-bit orbit selection for a given block cluster
// (cluster = block_index >> 4, max 16 clusters).
func (a Anchor) OrbitHint(cluster int) uint8 {
	if cluster < 0 || cluster >= 16 {
		return 0
	}
	return uint8((a.OrbitHints >> uint(cluster*2)) & 0x3)
}

// SetOrbitHint sets the 2-bit orbit selection for a cluster.
func (a *Anchor) SetOrbitHint(cluster int, k uint8) {
	if cluster < 0 || cluster >= 16 {
		return
	}
	shift := uint(cluster * 2)
	a.OrbitHints &^= 0x3 << shift
	a.OrbitHints |= uint32(k&0x3) << shift
}
