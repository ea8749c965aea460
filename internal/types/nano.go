package types

// NanoQuantumMagic is the fixed magic stamped on every Nano Store record.
const NanoQuantumMagic uint32 = 0x4e414e4f // "NANO"

// NanoHeaderSize is the fixed encoded size of a NanoQuantum header,
// excluding the variable-length payload that follows it in the sector.
const NanoHeaderSize = 36

// NanoQuantum is the sub-sector object record the Nano Store writes at a
// hashed Cortex slot. Its data-CRC is seeded by the epoch salt so a
// restored-from-backup slot fails validation against the live epoch.
type NanoQuantum struct {
	Magic      uint32
	OwnerID    [16]byte
	PayloadLen uint32
	Sequence   uint64
	DataCRC    uint32
}

// Encode serializes the header and appends payload, matching the on-disk
// layout header||payload within the slot's sector.
func (n *NanoQuantum) Encode(payload []byte) []byte {
	buf := make([]byte, NanoHeaderSize+len(payload))
	off := 0
	Endian.PutUint32(buf[off:], n.Magic)
	off += 4
	copy(buf[off:off+16], n.OwnerID[:])
	off += 16
	Endian.PutUint32(buf[off:], n.PayloadLen)
	off += 4
	Endian.PutUint64(buf[off:], n.Sequence)
	off += 8
	Endian.PutUint32(buf[off:], n.DataCRC)
	off += 4
	copy(buf[NanoHeaderSize:], payload)
	return buf
}

// DecodeNanoQuantum parses a slot buffer's fixed header; the payload is
// whatever follows, up to PayloadLen bytes.
func DecodeNanoQuantum(buf []byte) NanoQuantum {
	var n NanoQuantum
	off := 0
	n.Magic = Endian.Uint32(buf[off:])
	off += 4
	copy(n.OwnerID[:], buf[off:off+16])
	off += 16
	n.PayloadLen = Endian.Uint32(buf[off:])
	off += 4
	n.Sequence = Endian.Uint64(buf[off:])
	off += 8
	n.DataCRC = Endian.Uint32(buf[off:])
	return n
}

// NanoEmpty reports whether a decoded slot looks unwritten (zero magic).
func (n NanoQuantum) NanoEmpty() bool { return n.Magic == 0 }

// FoldEpochSalt XORs the id/seq/uuid/epoch components and folds the result
// to 32 bits, the salt the Nano Store seeds its data-CRC with on both the
// write and read paths.
func FoldEpochSalt(seedID, uuid [16]byte, seq uint64, epochID uint64) uint32 {
	idHi := Endian.Uint64(seedID[0:8])
	idLo := Endian.Uint64(seedID[8:16])
	uuidHi := Endian.Uint64(uuid[0:8])
	uuidLo := Endian.Uint64(uuid[8:16])
	x := idHi ^ idLo ^ seq ^ uuidHi ^ uuidLo ^ epochID
	return uint32(x) ^ uint32(x>>32)
}
