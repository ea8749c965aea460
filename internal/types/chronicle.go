package types

// ChronicleMagic is the fixed 64-bit magic for a Chronicle entry header.
const ChronicleMagic uint64 = 0x4843524F4E49434C

// ChronicleHeaderSize is the fixed header size written into one sector.
const ChronicleHeaderSize = 64

// TailMarkerKey is XORed with the header CRC to produce the tail marker
// written into the last 8 bytes of the sector, detecting torn writes.
const TailMarkerKey uint64 = 0x5AA55AA55AA55AA5

// ChronicleOp enumerates Chronicle operation codes.
type ChronicleOp uint8

const (
	OpInit ChronicleOp = iota
	OpRollback
	OpSnapshot
	OpWormhole
	OpFork
)

// ChronicleHeader is the fixed 64-byte header of a single Chronicle entry.
type ChronicleHeader struct {
	Magic         uint64
	Sequence      uint64
	TimestampNS   int64
	OldAddr       Addr
	NewAddr       Addr
	SelfAddr      Addr // anti-misplacement binding: must equal the sector's own address
	PrincipalHash uint64 // truncated principal hash
	Version       uint8
	Op            ChronicleOp
	PrevSectorCRC uint32 // chain link: CRC32C of the entire preceding sector
	HeaderCRC     uint32
}

// EncodeChronicleSector serializes a header plus tail marker into a full
// sectorSize buffer. The header occupies the first ChronicleHeaderSize
// bytes; the tail marker occupies the last 8 bytes of the sector.
func EncodeChronicleSector(h *ChronicleHeader, sectorSize int) []byte {
	buf := make([]byte, sectorSize)
	encodeChronicleHeader(h, buf[:ChronicleHeaderSize])
	tail := h.HeaderCRC64() ^ TailMarkerKey
	Endian.PutUint64(buf[sectorSize-8:], tail)
	return buf
}

// HeaderCRC64 widens the stored 32-bit header CRC so it can be XORed with
// the 64-bit TailMarkerKey.
func (h *ChronicleHeader) HeaderCRC64() uint64 {
	return uint64(h.HeaderCRC)
}

func encodeChronicleHeader(h *ChronicleHeader, buf []byte) {
	off := 0
	Endian.PutUint64(buf[off:], h.Magic)
	off += 8
	Endian.PutUint64(buf[off:], h.Sequence)
	off += 8
	Endian.PutUint64(buf[off:], uint64(h.TimestampNS))
	off += 8
	Endian.PutUint64(buf[off:], uint64(h.OldAddr))
	off += 8
	Endian.PutUint64(buf[off:], uint64(h.NewAddr))
	off += 8
	Endian.PutUint64(buf[off:], uint64(h.SelfAddr))
	off += 8
	// principal hash is stored truncated to 32 bits
	Endian.PutUint32(buf[off:], uint32(h.PrincipalHash))
	off += 4
	buf[off] = h.Version
	buf[off+1] = byte(h.Op)
	off += 2
	off += 2 // explicit padding, no aliasing
	Endian.PutUint32(buf[off:], h.PrevSectorCRC)
	off += 4
	// header CRC is computed over [0:60) and written at offset 60
	h.HeaderCRC = crc32Castagnoli(buf[:60])
	Endian.PutUint32(buf[60:64], h.HeaderCRC)
}

// DecodeChronicleHeader parses the first ChronicleHeaderSize bytes of a
// sector into a ChronicleHeader, without validating CRC or tail marker.
func DecodeChronicleHeader(buf []byte) ChronicleHeader {
	var h ChronicleHeader
	off := 0
	h.Magic = Endian.Uint64(buf[off:])
	off += 8
	h.Sequence = Endian.Uint64(buf[off:])
	off += 8
	h.TimestampNS = int64(Endian.Uint64(buf[off:]))
	off += 8
	h.OldAddr = Addr(Endian.Uint64(buf[off:]))
	off += 8
	h.NewAddr = Addr(Endian.Uint64(buf[off:]))
	off += 8
	h.SelfAddr = Addr(Endian.Uint64(buf[off:]))
	off += 8
	h.PrincipalHash = uint64(Endian.Uint32(buf[off:]))
	off += 4
	h.Version = buf[off]
	h.Op = ChronicleOp(buf[off+1])
	off += 4 // version + op + explicit padding
	h.PrevSectorCRC = Endian.Uint32(buf[off:])
	off += 4
	h.HeaderCRC = Endian.Uint32(buf[60:64])
	return h
}

// ValidateSector checks magic, the self-LBA binding, the header CRC, and
// the tail marker for a decoded sector.
func ValidateSector(buf []byte, selfAddr Addr) (ChronicleHeader, bool) {
	h := DecodeChronicleHeader(buf)
	if h.Magic != ChronicleMagic {
		return h, false
	}
	if h.SelfAddr != selfAddr {
		return h, false
	}
	computedCRC := crc32Castagnoli(buf[:60])
	if computedCRC != h.HeaderCRC {
		return h, false
	}
	tail := Endian.Uint64(buf[len(buf)-8:])
	if tail != h.HeaderCRC64()^TailMarkerKey {
		return h, false
	}
	return h, true
}

// SectorCRC computes the chain-link CRC over an entire raw sector.
func SectorCRC(sector []byte) uint32 {
	return crc32Castagnoli(sector)
}

