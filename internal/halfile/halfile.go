// Package halfile is the reference HAL implementation used by tests and
// cmd/cardinalctl: a regular file stands in for the block device,
// exclusive ownership of the device handle comes from an OS-level
// gofrs/flock, and edsrzf/mmap-go backs Prefetch with a real page-cache
// touch instead of a no-op.
package halfile

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
)

// File is a file-backed hal.Device.
type File struct {
	f     *os.File
	lock  *flock.Flock
	caps  hal.Caps
	mu    sync.Mutex // the device handle must tolerate concurrent sync calls
	tempC atomic.Value
}

// Options configures Open.
type Options struct {
	Path       string
	SectorSize uint32
	ZoneSize   uint64
	Flags      hal.Flags
	Type       hal.DeviceType
	Create     bool
	Capacity   uint64 // capacity in sectors, used only when creating
}

// Open acquires an exclusive flock on Path+".lock" and opens (or creates)
// the backing file.
func Open(opts Options) (*File, error) {
	lk := flock.New(opts.Path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, enginerr.Wrap(enginerr.CodeHWIO, "halfile.open", err)
	}
	if !ok {
		return nil, enginerr.New(enginerr.CodeVolumeLocked, "halfile.open")
	}

	flag := os.O_RDWR
	if opts.Create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(opts.Path, flag, 0o600)
	if err != nil {
		lk.Unlock()
		return nil, enginerr.Wrap(enginerr.CodeHWIO, "halfile.open", err)
	}

	if opts.Create && opts.Capacity > 0 {
		size := int64(opts.Capacity) * int64(opts.SectorSize)
		if err := f.Truncate(size); err != nil {
			f.Close()
			lk.Unlock()
			return nil, enginerr.Wrap(enginerr.CodeHWIO, "halfile.open", err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		lk.Unlock()
		return nil, enginerr.Wrap(enginerr.CodeHWIO, "halfile.open", err)
	}

	dev := &File{
		f:    f,
		lock: lk,
		caps: hal.Caps{
			SectorSize:        opts.SectorSize,
			TotalCapacity:     uint64(st.Size()) / uint64(opts.SectorSize),
			ZoneSize:          opts.ZoneSize,
			OptimalIOBoundary: opts.SectorSize,
			Flags:             opts.Flags,
			Type:              opts.Type,
		},
	}
	dev.tempC.Store(float64(35.0))
	return dev, nil
}

// Close releases the flock and closes the file.
func (d *File) Close() error {
	d.f.Close()
	return d.lock.Unlock()
}

// Caps implements hal.Device.
func (d *File) Caps(_ context.Context) (hal.Caps, error) {
	return d.caps, nil
}

// SyncIO implements hal.Device.
func (d *File) SyncIO(_ context.Context, op hal.Op, lba uint64, buf []byte, sectorCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := int64(lba) * int64(d.caps.SectorSize)
	want := int(sectorCount) * int(d.caps.SectorSize)
	if want > len(buf) {
		want = len(buf)
	}

	switch op {
	case hal.OpRead:
		if _, err := d.f.ReadAt(buf[:want], off); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "halfile.sync_io", err)
		}
	case hal.OpWrite, hal.OpZoneAppend:
		if _, err := d.f.WriteAt(buf[:want], off); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "halfile.sync_io", err)
		}
	case hal.OpDiscard:
		zeros := make([]byte, want)
		if _, err := d.f.WriteAt(zeros, off); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "halfile.sync_io", err)
		}
	case hal.OpFlush:
		if err := d.f.Sync(); err != nil {
			return enginerr.Wrap(enginerr.CodeHWIO, "halfile.sync_io", err)
		}
	default:
		return enginerr.New(enginerr.CodeInvalidArgument, "halfile.sync_io")
	}
	return nil
}

// Barrier implements hal.Device as an fsync durability fence.
func (d *File) Barrier(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "halfile.barrier", err)
	}
	return nil
}

// Prefetch touches the requested range through an mmap read, warming the
// page cache the way a real prefetch hint would.
func (d *File) Prefetch(_ context.Context, lba uint64, sectors uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := int64(lba) * int64(d.caps.SectorSize)
	length := int(sectors) * int(d.caps.SectorSize)
	if length <= 0 {
		return
	}
	st, err := d.f.Stat()
	if err != nil || off >= st.Size() {
		return
	}
	if off+int64(length) > st.Size() {
		length = int(st.Size() - off)
	}
	if length <= 0 {
		return
	}

	m, err := mmap.MapRegion(d.f, length, mmap.RDONLY, 0, off)
	if err != nil {
		return
	}
	defer m.Unmap()
	var sink byte
	for i := 0; i < len(m); i += int(d.caps.SectorSize) {
		sink ^= m[i]
	}
	_ = sink
}

// Temperature reports a simulated reading; SetTemperature lets tests drive
// the thermal-gate mount phase deterministically.
func (d *File) Temperature(_ context.Context) (float64, bool) {
	return d.tempC.Load().(float64), true
}

// SetTemperature overrides the simulated device temperature, for tests
// exercising the mount thermal gate.
func (d *File) SetTemperature(celsius float64) {
	d.tempC.Store(celsius)
}

// SystemClock implements hal.Clock over the real wall clock.
type SystemClock struct{}

// NowNS implements hal.Clock.
func (SystemClock) NowNS() int64 {
	return time.Now().UnixNano()
}
