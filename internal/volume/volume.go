// Package volume holds the mounted-volume record: the device handle, the
// L2 per-volume spinlock, the atomic health counters, and the in-RAM
// caches (bitmap, Q-Mask) everything else in the engine operates against.
package volume

import (
	"sync"
	"sync/atomic"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/topomap"
	"github.com/cardinalfs/cardinal/internal/types"
)

// Health is the volume's atomic counter block. Every field is read and
// written without a lock.
type Health struct {
	HealCount                 atomic.Uint64
	ToxicBlocks               atomic.Uint64
	BarrierFailures           atomic.Uint64
	CRCFailures               atomic.Uint64
	TrajectoryCollapseCounter atomic.Uint64
	RefCount                  atomic.Int64
	TaintCounter              atomic.Uint64
}

// DecayTaint halves the in-RAM taint counter after a successful
// dirty-sync on mount.
func (h *Health) DecayTaint() {
	for {
		cur := h.TaintCounter.Load()
		if h.TaintCounter.CompareAndSwap(cur, cur/2) {
			return
		}
	}
}

// spinlock is the L2 per-volume lock primitive: guards the
// array topology snapshot, the bitmap pointer swap, and any publishing
// store read without a retry loop. Held briefly; no I/O while held except
// where explicitly noted.
type spinlock struct{ held atomic.Bool }

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}

// Replica pairs a device handle with its cardinal slot for the Superblock
// quorum and mirror/shard/parity array topology.
type Replica struct {
	Slot    types.CardinalSlot
	Device  hal.Device
	Online  atomic.Bool
}

// Array describes the Spatial Router's topology for one volume: the mode
// and its member devices, indexed by logical column for shard/parity.
type Array struct {
	Mode    ArrayMode
	Members []*Replica
}

// ArrayMode tags the Spatial Router's dispatch variant.
type ArrayMode int

const (
	ArrayMirror ArrayMode = iota
	ArrayShard
	ArrayParity
)

// Volume is the mounted-volume handle threaded through every manager.
type Volume struct {
	UUID       [16]byte
	Profile    types.Profile
	Superblock types.Superblock
	Config     *engineconfig.Config
	Clock      hal.Clock

	Cardinals [4]*Replica // North, East, West, South
	Array     Array

	L2     spinlock
	Health Health

	Bitmap *bitmapio.Bitmap
	QMask  *bitmapio.QMask
	Topo   *topomap.Map // nil unless the AI-profile mount built one

	stateMu sync.Mutex
	state   types.StateFlags
}

// New constructs a Volume around a superblock snapshot and config.
func New(uuid [16]byte, profile types.Profile, sb types.Superblock, cfg *engineconfig.Config, clock hal.Clock) *Volume {
	v := &Volume{
		UUID:       uuid,
		Profile:    profile,
		Superblock: sb,
		Config:     cfg,
		Clock:      clock,
	}
	v.Health.RefCount.Store(0)
	return v
}

// State returns the current in-RAM state flags.
func (v *Volume) State() types.StateFlags {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	return v.state
}

// SetState replaces the in-RAM state flags.
func (v *Volume) SetState(s types.StateFlags) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	v.state = s
}

// SetFlag ORs a flag into the in-RAM state.
func (v *Volume) SetFlag(f types.StateFlags) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	v.state |= f
}

// ClearFlag ANDs a flag out of the in-RAM state.
func (v *Volume) ClearFlag(f types.StateFlags) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	v.state &^= f
}

// AcquireRef increments the mount reference count (Mount phase 14).
func (v *Volume) AcquireRef() int64 {
	return v.Health.RefCount.Add(1)
}

// ReleaseRef decrements the mount reference count (tensor/read context
// close).
func (v *Volume) ReleaseRef() int64 {
	return v.Health.RefCount.Add(-1)
}

// OnlineCardinals returns the currently-online cardinal replicas in slot
// order, the snapshot the Cardinal Vote machinery iterates.
func (v *Volume) OnlineCardinals() []*Replica {
	v.L2.Lock()
	defer v.L2.Unlock()
	out := make([]*Replica, 0, 4)
	for _, r := range v.Cardinals {
		if r != nil && r.Online.Load() {
			out = append(out, r)
		}
	}
	return out
}

// RetryPolicy returns this volume's profile-driven retry policy.
func (v *Volume) RetryPolicy() engineconfig.RetryPolicy {
	return v.Config.RetryFor(v.Profile)
}
