package types

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// crc32Castagnoli is the in-package CRC32C primitive. internal/crc32c
// re-exports this same stdlib table as the pluggable seam other packages
// call through, so there is exactly one Castagnoli table instance in the
// binary.
func crc32Castagnoli(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}
