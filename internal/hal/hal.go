// Package hal declares the block-device contract the engine core consumes.
// The HAL itself (synchronous I/O, barrier, time, allocator, spinlock) is
// an external collaborator: this package fixes only the shape of that
// contract. internal/halfile provides a reference
// implementation used by tests and the CLI.
package hal

import "context"

// Op identifies a synchronous I/O operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpZoneAppend
)

// DeviceType loosely categorizes the backing medium.
type DeviceType int

const (
	DeviceGeneric DeviceType = iota
	DeviceRotational
	DeviceNVMe
	DeviceZNS
)

// Flags mirrors the hardware-capability flags carried on the Volume record.
type Flags struct {
	Rotational  bool
	ZNSNative   bool
	StrictFlush bool
	NVMByteAddr bool
	GPUDirect   bool
}

// Caps is the static capability snapshot returned by Device.Caps.
type Caps struct {
	SectorSize      uint32
	TotalCapacity   uint64 // in sectors; a large-capacity volume's high word lives in the Superblock's CapacityHi
	ZoneSize        uint64
	OptimalIOBoundary uint32
	Flags           Flags
	Type            DeviceType
}

// Device is the synchronous block-device contract consumed by every
// persistence path in the core. Implementations must tolerate concurrent
// calls from multiple volume threads (the device handle is
// synchronization-external per the concurrency model).
type Device interface {
	Caps(ctx context.Context) (Caps, error)
	SyncIO(ctx context.Context, op Op, lba uint64, buf []byte, sectorCount uint32) error
	Barrier(ctx context.Context) error
	Prefetch(ctx context.Context, lba uint64, sectors uint32)
	Temperature(ctx context.Context) (celsius float64, ok bool)
}

// Clock abstracts get_time_ns() so tests can control time deterministically.
type Clock interface {
	NowNS() int64
}
