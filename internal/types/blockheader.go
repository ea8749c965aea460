package types

// BlockHeaderMagic is the fixed magic stamped on every data-block header.
const BlockHeaderMagic uint32 = 0x484e3442 // "HN4B"

// BlockHeaderSize is the fixed encoded size of a BlockHeader, excluding the
// payload that follows it in the sector.
const BlockHeaderSize = 52

// CompressionAlgo enumerates the block payload's compression algorithm.
type CompressionAlgo uint8

const (
	CompressionNone CompressionAlgo = 0
	CompressionTCC  CompressionAlgo = 1
)

// BlockHeader is the on-disk header prefixing every data block.
type BlockHeader struct {
	Magic          uint32
	WellID         [16]byte // == anchor seed-id
	SequenceInObj  uint64
	GenerationHi   uint32 // must be 0 for v1
	GenerationLo   uint32 // must match anchor write-gen
	CompressedSize uint32
	Algo           CompressionAlgo
	DataCRC        uint32
	HeaderCRC      uint32
}

// Encode serializes the header into a BlockHeaderSize buffer.
func (h *BlockHeader) Encode() []byte {
	buf := make([]byte, BlockHeaderSize)
	off := 0
	Endian.PutUint32(buf[off:], h.Magic)
	off += 4
	copy(buf[off:off+16], h.WellID[:])
	off += 16
	Endian.PutUint64(buf[off:], h.SequenceInObj)
	off += 8
	Endian.PutUint32(buf[off:], h.GenerationHi)
	off += 4
	Endian.PutUint32(buf[off:], h.GenerationLo)
	off += 4
	Endian.PutUint32(buf[off:], h.CompressedSize)
	off += 4
	buf[off] = byte(h.Algo)
	off++
	off += 3 // padding
	Endian.PutUint32(buf[off:], h.DataCRC)
	off += 4
	crc := crc32Castagnoli(buf[:off])
	Endian.PutUint32(buf[off:off+4], crc)
	h.HeaderCRC = crc
	return buf
}

// DecodeBlockHeader parses a BlockHeaderSize-prefixed buffer.
func DecodeBlockHeader(buf []byte) BlockHeader {
	var h BlockHeader
	off := 0
	h.Magic = Endian.Uint32(buf[off:])
	off += 4
	copy(h.WellID[:], buf[off:off+16])
	off += 16
	h.SequenceInObj = Endian.Uint64(buf[off:])
	off += 8
	h.GenerationHi = Endian.Uint32(buf[off:])
	off += 4
	h.GenerationLo = Endian.Uint32(buf[off:])
	off += 4
	h.CompressedSize = Endian.Uint32(buf[off:])
	off += 4
	h.Algo = CompressionAlgo(buf[off])
	off += 4
	h.DataCRC = Endian.Uint32(buf[off:])
	off += 4
	h.HeaderCRC = Endian.Uint32(buf[off : off+4])
	return h
}

// VerifyHeaderCRC recomputes the header CRC with the CRC field zeroed.
func (h BlockHeader) VerifyHeaderCRC() bool {
	cp := h
	encoded := cp.Encode()
	return Endian.Uint32(encoded[BlockHeaderSize-4:]) == h.HeaderCRC
}
