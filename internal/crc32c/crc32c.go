// Package crc32c is the pluggable seam for the CRC32C primitive, an
// external collaborator contract. The reference implementation is the
// standard library's Castagnoli table, kept behind this seam so a
// SIMD-accelerated implementation could be swapped in without touching
// callers.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes CRC32C(seed=0, data).
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// ChecksumSeeded computes CRC32C with a non-zero running seed.
func ChecksumSeeded(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, table, data)
}
