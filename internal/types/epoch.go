package types

// EpochRecordSize is the fixed on-disk size of one epoch ring entry.
const EpochRecordSize = 32

// EpochRecord is a single entry in the Epoch ring.
type EpochRecord struct {
	EpochID         uint64
	TimestampNS     int64
	Flags           uint32
	D0RootChecksum  uint32
	CRC32C          uint32
}

// Encode serializes an EpochRecord into an EpochRecordSize buffer.
func (e *EpochRecord) Encode() []byte {
	buf := make([]byte, EpochRecordSize)
	Endian.PutUint64(buf[0:8], e.EpochID)
	Endian.PutUint64(buf[8:16], uint64(e.TimestampNS))
	Endian.PutUint32(buf[16:20], e.Flags)
	Endian.PutUint32(buf[20:24], e.D0RootChecksum)
	crc := crc32Castagnoli(buf[:24])
	Endian.PutUint32(buf[24:28], crc)
	return buf
}

// DecodeEpochRecord parses a buffer into an EpochRecord.
func DecodeEpochRecord(buf []byte) EpochRecord {
	var e EpochRecord
	e.EpochID = Endian.Uint64(buf[0:8])
	e.TimestampNS = int64(Endian.Uint64(buf[8:16]))
	e.Flags = Endian.Uint32(buf[16:20])
	e.D0RootChecksum = Endian.Uint32(buf[20:24])
	e.CRC32C = Endian.Uint32(buf[24:28])
	return e
}

// Valid reports whether the stored CRC matches the record contents.
func (e EpochRecord) Valid() bool {
	cp := e
	encoded := cp.Encode()
	return Endian.Uint32(encoded[24:28]) == e.CRC32C
}

// EpochDriftClass classifies the divergence between the on-disk epoch id
// and the in-memory generation.
type EpochDriftClass int

const (
	DriftSynced EpochDriftClass = iota
	DriftFutureDilation
	DriftFutureToxic
	DriftPastSkew
	DriftPastToxic
)

const (
	futureDilationThreshold = 5000
	pastSkewThreshold       = 100
	wrapThreshold           = 1 << 20
)

// ClassifyDrift classifies epoch drift, including the
// wrap-around shortcut when disk_id is near UINT64_MAX and mem_id is near
// zero (or vice versa).
func ClassifyDrift(diskID, memID uint64) EpochDriftClass {
	var diff uint64
	diskAhead := false

	nearMax := func(v uint64) bool { return v > ^uint64(0)-wrapThreshold }
	nearZero := func(v uint64) bool { return v < wrapThreshold }

	switch {
	case nearMax(diskID) && nearZero(memID):
		diff = (^uint64(0) - diskID) + memID + 1
		diskAhead = true
	case nearMax(memID) && nearZero(diskID):
		diff = (^uint64(0) - memID) + diskID + 1
		diskAhead = false
	case diskID >= memID:
		diff = diskID - memID
		diskAhead = true
	default:
		diff = memID - diskID
		diskAhead = false
	}

	switch {
	case diff == 0:
		return DriftSynced
	case diskAhead && diff <= futureDilationThreshold:
		return DriftFutureDilation
	case diskAhead:
		return DriftFutureToxic
	case !diskAhead && diff <= pastSkewThreshold:
		return DriftPastSkew
	default:
		return DriftPastToxic
	}
}
