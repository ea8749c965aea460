// Package mount implements the Mount State Machine: the fourteen ordered
// phases that take a set of cardinal replicas from power-on to a serving
// Volume, composing the Cardinal Vote, Epoch Ring, Chronicle, Allocation
// Bitmap, Q-Mask, Zero-Scan Reconstruction, and Root Anchor managers
// through one sequence.
package mount

import (
	"context"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/chronicle"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/epoch"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/quorum"
	"github.com/cardinalfs/cardinal/internal/rootanchor"
	"github.com/cardinalfs/cardinal/internal/telemetry"
	"github.com/cardinalfs/cardinal/internal/topomap"
	"github.com/cardinalfs/cardinal/internal/trajectory"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// Mounter drives one execute_mount_state_machine call over a replica set.
type Mounter struct {
	Replicas          []quorum.Replica
	SectorSize        uint32
	Config            *engineconfig.Config
	Clock             hal.Clock
	Dev               hal.Device // primary device for metadata regions (North)
	RequestRO         bool
	RequestWormhole   bool
	SupportedIncompat uint64
}

func (m *Mounter) north() hal.Device {
	for _, r := range m.Replicas {
		if r.Slot == types.North {
			return r.Device
		}
	}
	return m.Dev
}

// Mount runs the fourteen-phase state machine and returns a ready Volume.
func (m *Mounter) Mount(ctx context.Context) (*volume.Volume, error) {
	dev := m.north()
	if dev == nil {
		dev = m.Dev
	}
	m.Dev = dev

	ro, err := m.thermalGate(ctx)
	if err != nil {
		return nil, err
	}

	sb, err := m.cardinalVote(ctx, ro)
	if err != nil {
		return nil, err
	}

	v := volume.New(sb.UUID, sb.Profile, *sb, m.Config, m.Clock)
	for _, r := range m.Replicas {
		rep := &volume.Replica{Slot: r.Slot, Device: r.Device}
		rep.Online.Store(true)
		v.Cardinals[r.Slot] = rep
	}
	log := telemetry.ForVolume(hexUUID(v.UUID), sb.Generation)

	if err := m.wormholeCompat(ctx, sb); err != nil {
		return nil, err
	}
	if err := m.layoutValidation(sb); err != nil {
		return nil, err
	}

	ro = m.epochCheck(ctx, v, sb, ro)
	ro = m.chronicleCheck(ctx, v, ro)

	ro, err = m.stateFlagTriage(v, sb, ro)
	if err != nil {
		return nil, err
	}
	ro = m.taintEscalation(v, ro)

	if !ro {
		if err := m.markDirty(ctx, v); err != nil {
			log.WithError(err).Warn("mark-dirty quorum failed, mounting read-only")
			ro = true
		}
	}

	bitmapErr := m.loadBitmapAndQMask(ctx, v, &v.Superblock)
	if bitmapErr != nil {
		if !ro {
			return nil, bitmapErr
		}
		log.WithError(bitmapErr).Warn("bitmap/q-mask load failed in RO mount, continuing degraded")
	}

	if v.Profile == types.ProfileAI {
		if v.QMask == nil {
			log.Warn("q-mask unavailable, topology map disabled")
		} else {
			sectorsPerBlk := v.Superblock.BlockSize / m.SectorSize
			if sectorsPerBlk == 0 {
				sectorsPerBlk = 1
			}
			topo := topomap.Build(v.QMask, v.Superblock.Capacity/uint64(sectorsPerBlk))
			v.L2.Lock()
			v.Topo = topo
			v.L2.Unlock()
		}
	}

	st := v.State()
	if st.Has(types.StateDirty) || st.Has(types.StatePanic) || st.Has(types.StateDegraded) {
		if err := m.zeroScan(ctx, v, &v.Superblock); err != nil && !ro {
			return nil, err
		}
	}

	if _, healed, err := rootanchor.VerifyAndHeal(ctx, dev, &v.Superblock, m.SectorSize, ro, m.Clock.NowNS()); err != nil {
		if !ro {
			return nil, err
		}
	} else if healed {
		v.SetFlag(types.StateDegraded) // record that the root had to be repaired
	}

	v.AcquireRef()
	log.WithField("ro", ro).Info("mount complete")
	return v, nil
}

// thermalGate refuses to mount above the critical temperature and forces
// RO above the lower threshold.
func (m *Mounter) thermalGate(ctx context.Context) (bool, error) {
	ro := m.RequestRO
	if m.Dev == nil {
		return ro, nil
	}
	tempC, ok := m.Dev.Temperature(ctx)
	if !ok {
		return ro, nil
	}
	if tempC > m.Config.ThermalCriticalC {
		return ro, enginerr.New(enginerr.CodeThermalCritical, "mount.thermal_gate")
	}
	if tempC > m.Config.ThermalForceROC {
		ro = true
	}
	return ro, nil
}

// cardinalVote elects the winning superblock from the replica set.
func (m *Mounter) cardinalVote(ctx context.Context, ro bool) (*types.Superblock, error) {
	vote := &quorum.Vote{
		Replicas:                 m.Replicas,
		SectorSize:               m.SectorSize,
		ReplayWindowNS:           m.Config.ReplayWindowNS,
		HealDivergenceMultiplier: m.Config.HealDivergenceMultiplier,
	}
	sb, err := vote.Execute(ctx, !ro)
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// wormholeCompat rejects wormhole intent on devices without strict flush.
func (m *Mounter) wormholeCompat(ctx context.Context, sb *types.Superblock) error {
	requested := m.RequestWormhole || sb.Incompat&types.IncompatWormhole != 0
	if !requested || m.Dev == nil {
		return nil
	}
	caps, err := m.Dev.Caps(ctx)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "mount.wormhole_compat", err)
	}
	if !caps.Flags.StrictFlush {
		return enginerr.New(enginerr.CodeHWIO, "mount.wormhole_compat")
	}
	return nil
}

const minCapacityBytes = 2 * 1024 * 1024

// layoutValidation bounds block size, capacity, and every region start.
func (m *Mounter) layoutValidation(sb *types.Superblock) error {
	if sb.BlockSize == 0 || sb.BlockSize > 64*1024*1024 {
		return enginerr.New(enginerr.CodeGeometry, "mount.layout")
	}
	sectorSize := m.SectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}
	if sb.CapacityHi == 0 && sb.Capacity*uint64(sectorSize) < minCapacityBytes {
		return enginerr.New(enginerr.CodeGeometry, "mount.layout")
	}
	if sb.LargeCapacity() {
		if err := sb.Layout.Validate128(sb.CapacityHi, sb.Capacity, sectorSize); err != nil {
			return enginerr.Wrap(enginerr.CodeGeometry, "mount.layout", err)
		}
		return nil
	}
	if sb.CapacityHi != 0 {
		// A high capacity word without the large-capacity feature bit is
		// a corrupt or foreign superblock, not a mode.
		return enginerr.New(enginerr.CodeGeometry, "mount.layout")
	}
	if err := sb.Layout.Validate(sb.Capacity); err != nil {
		return enginerr.Wrap(enginerr.CodeGeometry, "mount.layout", err)
	}
	return nil
}

// epochCheck classifies epoch drift: generation-skew/time-dilation force RO
// and continue; epoch-lost forces RO and sets panic, and continues.
func (m *Mounter) epochCheck(ctx context.Context, v *volume.Volume, sb *types.Superblock, ro bool) bool {
	if m.Dev == nil {
		return ro
	}
	sectorsPerBlk := sb.BlockSize / m.SectorSize
	if sectorsPerBlk == 0 {
		sectorsPerBlk = 1
	}
	ring := &epoch.Ring{
		Device:        m.Dev,
		SectorSize:    m.SectorSize,
		BlockSize:     sb.BlockSize,
		SectorsPerBlk: sectorsPerBlk,
		CapacityBytes: sb.Capacity * uint64(m.SectorSize),
	}
	_, err := ring.CheckRing(ctx, sb, sb.Generation)
	if err == nil {
		return ro
	}
	switch {
	case enginerr.IsCode(err, enginerr.CodeEpochLost):
		v.SetFlag(types.StatePanic)
		return true
	case enginerr.IsCode(err, enginerr.CodeTimeDilation), enginerr.IsCode(err, enginerr.CodeGenerationSkew), enginerr.IsCode(err, enginerr.CodeMediaToxic):
		return true
	default:
		return ro
	}
}

// chronicleCheck verifies a non-empty Chronicle; on failure the mount
// continues RO with panic set and the taint pushed past the RO threshold.
func (m *Mounter) chronicleCheck(ctx context.Context, v *volume.Volume, ro bool) bool {
	sb := &v.Superblock
	if sb.Layout.JournalPtr == sb.Layout.JournalStart && sb.LastJournalSeq == 0 {
		return ro // empty log, nothing to verify
	}
	cring := chronicle.New(v, m.Dev, m.SectorSize)
	if err := cring.VerifyIntegrity(ctx); err != nil {
		v.SetFlag(types.StatePanic)
		v.Health.TaintCounter.Add(m.Config.TaintThreshold)
		return true
	}
	return ro
}

// stateFlagTriage turns persisted state flags into mount decisions.
func (m *Mounter) stateFlagTriage(v *volume.Volume, sb *types.Superblock, ro bool) (bool, error) {
	st := sb.State
	if st.Has(types.StatePendingWipe) {
		return ro, enginerr.New(enginerr.CodeWipePending, "mount.state_triage")
	}
	if st.Has(types.StateLocked) {
		return ro, enginerr.New(enginerr.CodeVolumeLocked, "mount.state_triage")
	}
	if st.Has(types.StateToxic) || st.Has(types.StatePanic) {
		ro = true
	}
	if st.Has(types.StateUnmounting) && !st.Has(types.StateClean) {
		st |= types.StateDirty
	}
	if sb.Incompat&^m.SupportedIncompat != 0 {
		return ro, enginerr.New(enginerr.CodeVersionIncompat, "mount.state_triage")
	}
	if sb.RoCompat != 0 {
		ro = true
	}
	v.SetState(st)
	return ro, nil
}

// taintEscalation forces RO once the taint counter crosses the threshold.
func (m *Mounter) taintEscalation(v *volume.Volume, ro bool) bool {
	if v.Health.TaintCounter.Load() >= m.Config.TaintThreshold {
		return true
	}
	return ro
}

// markDirty bumps the generation, flips clean to dirty, and persists the
// superblock under the device-class quorum rule, rolling back on failure.
func (m *Mounter) markDirty(ctx context.Context, v *volume.Volume) error {
	original := v.Superblock.Clone()
	v.Superblock.Generation++
	v.Superblock.State |= types.StateDirty
	v.Superblock.State &^= types.StateClean
	v.Superblock.LastMountNS = m.Clock.NowNS()
	buf := v.Superblock.Encode()

	zns := false
	if north := v.Cardinals[types.North]; north != nil {
		if caps, err := north.Device.Caps(ctx); err == nil {
			zns = caps.Flags.ZNSNative
		}
	}

	northOK := false
	if north := v.Cardinals[types.North]; north != nil {
		if err := north.Device.SyncIO(ctx, hal.OpWrite, 0, buf, uint32(len(buf))/m.SectorSize); err == nil {
			if err := north.Device.Barrier(ctx); err == nil {
				northOK = true
			}
		}
	}

	mirrorOK := 0
	if !zns {
		for _, slot := range []types.CardinalSlot{types.East, types.West, types.South} {
			rep := v.Cardinals[slot]
			if rep == nil {
				continue
			}
			lba, ok := quorum.CardinalOffset(slot, v.Superblock.Capacity, v.Superblock.BlockSize, m.SectorSize)
			if !ok {
				continue
			}
			if err := rep.Device.SyncIO(ctx, hal.OpWrite, lba, buf, uint32(len(buf))/m.SectorSize); err != nil {
				continue
			}
			if err := rep.Device.Barrier(ctx); err != nil {
				continue
			}
			mirrorOK++
		}
	}

	quorumMet := northOK
	if !zns {
		quorumMet = (northOK && mirrorOK >= 1) || mirrorOK >= 3
	}
	if !quorumMet {
		m.nuclearRollback(ctx, v, original)
		v.Superblock = *original
		return enginerr.New(enginerr.CodeHWIO, "mount.mark_dirty")
	}

	v.Health.DecayTaint()
	return nil
}

// nuclearRollback is markDirty's failure path: rewrite the pre-mark-dirty
// superblock to every addressable replica, best effort.
func (m *Mounter) nuclearRollback(ctx context.Context, v *volume.Volume, original *types.Superblock) {
	buf := original.Encode()
	for _, rep := range v.Cardinals {
		if rep == nil {
			continue
		}
		lba, ok := quorum.CardinalOffset(rep.Slot, original.Capacity, original.BlockSize, m.SectorSize)
		if !ok {
			continue
		}
		if err := rep.Device.SyncIO(ctx, hal.OpWrite, lba, buf, uint32(len(buf))/m.SectorSize); err != nil {
			continue
		}
		rep.Device.Barrier(ctx)
	}
}

// loadBitmapAndQMask loads the occupancy bitmap and Q-Mask from their
// persisted regions, publishing both under the L2 lock.
func (m *Mounter) loadBitmapAndQMask(ctx context.Context, v *volume.Volume, sb *types.Superblock) error {
	sectorsPerBlock := sb.BlockSize / m.SectorSize
	if sectorsPerBlock == 0 {
		sectorsPerBlock = 1
	}
	nBlocks := sb.Capacity / uint64(sectorsPerBlock)
	if nBlocks == 0 {
		return enginerr.New(enginerr.CodeGeometry, "mount.load_bitmap")
	}

	bitmapWords, err := m.readWords(ctx, uint64(sb.Layout.BitmapStart), (nBlocks+63)/64)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeBitmapCorrupt, "mount.load_bitmap", err)
	}
	qmaskWords, err := m.readWords(ctx, uint64(sb.Layout.QMaskStart), (nBlocks*2+63)/64)
	if err != nil {
		return enginerr.Wrap(enginerr.CodeBitmapCorrupt, "mount.load_qmask", err)
	}

	bitmap := bitmapio.LoadFromWords(bitmapWords, nBlocks)
	qmask := bitmapio.LoadQMaskFromWords(qmaskWords, nBlocks)
	qmask.CASBound = m.Config.CASRetryBound

	v.L2.Lock()
	v.Bitmap = bitmap
	v.QMask = qmask
	v.L2.Unlock()
	return nil
}

func (m *Mounter) readWords(ctx context.Context, startLBA uint64, nWords uint64) ([]uint64, error) {
	if m.Dev == nil {
		return nil, enginerr.New(enginerr.CodeUninitialized, "mount.read_words")
	}
	byteLen := nWords * 8
	sectorCount := uint32((byteLen + uint64(m.SectorSize) - 1) / uint64(m.SectorSize))
	if sectorCount == 0 {
		sectorCount = 1
	}
	buf := make([]byte, uint64(sectorCount)*uint64(m.SectorSize))
	if err := m.Dev.SyncIO(ctx, hal.OpRead, startLBA, buf, sectorCount); err != nil {
		return nil, err
	}
	words := make([]uint64, nWords)
	for i := range words {
		off := i * 8
		if off+8 > len(buf) {
			break
		}
		words[i] = types.Endian.Uint64(buf[off:])
	}
	return words, nil
}

// zeroScan re-projects every valid anchor's blocks after an unclean
// shutdown, resurrecting bitmap bits whose on-disk provenance checks out.
func (m *Mounter) zeroScan(ctx context.Context, v *volume.Volume, sb *types.Superblock) error {
	if m.Dev == nil {
		return nil
	}
	regionSectors := uint64(sb.Layout.BitmapStart) - uint64(sb.Layout.CortexStart)
	if int64(regionSectors) <= 0 {
		return nil
	}
	capBytes := uint64(m.Config.ZeroScanCortexCapBytes)
	regionBytes := regionSectors * uint64(m.SectorSize)
	if regionBytes > capBytes {
		regionBytes = capBytes
	}
	nAnchors := regionBytes / types.AnchorSize

	sectorsPerBlk := sb.BlockSize / m.SectorSize
	if sectorsPerBlk == 0 {
		sectorsPerBlk = 1
	}
	if sb.BlockSize <= uint32(types.BlockHeaderSize) {
		return nil
	}
	payloadCap := uint64(sb.BlockSize) - uint64(types.BlockHeaderSize)

	sectorBuf := make([]byte, m.SectorSize)
	lastSector := uint64(1) << 63 // sentinel so the first read always happens
	for i := uint64(0); i < nAnchors; i++ {
		byteOff := i * types.AnchorSize
		lba := uint64(sb.Layout.CortexStart) + byteOff/uint64(m.SectorSize)
		offsetInSector := byteOff % uint64(m.SectorSize)
		if offsetInSector+types.AnchorSize > uint64(m.SectorSize) {
			continue // anchor straddles a sector boundary in this geometry, skip
		}
		if lba != lastSector {
			if err := m.Dev.SyncIO(ctx, hal.OpRead, lba, sectorBuf, 1); err != nil {
				lastSector = uint64(1) << 63
				continue
			}
			lastSector = lba
		}
		a := types.DecodeAnchor(sectorBuf[offsetInSector : offsetInSector+types.AnchorSize])
		if a.DataClass&types.DataClassValid == 0 || a.DataClass&types.DataClassTombstone != 0 {
			continue
		}
		if !a.VerifyChecksum() {
			continue
		}
		m.zeroScanAnchor(ctx, v, a, sectorsPerBlk, payloadCap)
	}
	return nil
}

func (m *Mounter) zeroScanAnchor(ctx context.Context, v *volume.Volume, a types.Anchor, sectorsPerBlk uint32, payloadCap uint64) {
	if payloadCap == 0 || sectorsPerBlk == 0 {
		return
	}
	nBlocks := (a.Mass + payloadCap - 1) / payloadCap
	hdrBuf := make([]byte, m.SectorSize)
	for n := uint64(0); n < nBlocks; n++ {
		for k := uint8(0); k < 13; k++ {
			lba, err := trajectory.Calc(a.GravityCenter, a.OrbitVector, n, a.FractalScale, k)
			if err != nil {
				continue
			}
			blockIdx := uint64(lba) / uint64(sectorsPerBlk)

			set := false
			if v.Bitmap != nil {
				set, _ = v.Bitmap.Do(blockIdx, bitmapio.Test)
			}
			if set && k == 0 {
				break // bitmap says this is ours; trust it
			}

			if err := m.Dev.SyncIO(ctx, hal.OpRead, uint64(lba), hdrBuf, 1); err != nil {
				continue
			}
			if len(hdrBuf) < types.BlockHeaderSize {
				continue
			}
			h := types.DecodeBlockHeader(hdrBuf)
			if h.Magic != types.BlockHeaderMagic {
				continue
			}
			identityMatch := h.WellID == a.SeedID
			provenanceMatch := identityMatch && h.GenerationHi == 0 && h.GenerationLo == a.WriteGen && h.VerifyHeaderCRC()

			if provenanceMatch {
				if v.Bitmap != nil {
					v.L2.Lock()
					v.Bitmap.Do(blockIdx, bitmapio.Set)
					v.L2.Unlock()
				}
				v.Health.HealCount.Add(1)
				break
			}
			if identityMatch {
				v.Health.TrajectoryCollapseCounter.Add(1)
			}
		}
	}
}

func hexUUID(u [16]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range u {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xF]
	}
	return string(out)
}

// Unmount quiesces the ref-count, clears dirty, sets clean, and persists
// the superblock via the same quorum rule as Mark-Dirty.
func (m *Mounter) Unmount(ctx context.Context, v *volume.Volume) error {
	if v.ReleaseRef() > 0 {
		return nil
	}

	original := v.Superblock.Clone()
	v.Superblock.Generation++
	v.Superblock.State &^= types.StateDirty
	v.Superblock.State |= types.StateClean
	buf := v.Superblock.Encode()

	zns := false
	northOK := false
	if north := v.Cardinals[types.North]; north != nil {
		if caps, err := north.Device.Caps(ctx); err == nil {
			zns = caps.Flags.ZNSNative
		}
		if err := north.Device.SyncIO(ctx, hal.OpWrite, 0, buf, uint32(len(buf))/m.SectorSize); err == nil {
			if err := north.Device.Barrier(ctx); err == nil {
				northOK = true
			}
		}
	}

	mirrorOK := 0
	if !zns {
		for _, slot := range []types.CardinalSlot{types.East, types.West, types.South} {
			rep := v.Cardinals[slot]
			if rep == nil {
				continue
			}
			lba, ok := quorum.CardinalOffset(slot, v.Superblock.Capacity, v.Superblock.BlockSize, m.SectorSize)
			if !ok {
				continue
			}
			if err := rep.Device.SyncIO(ctx, hal.OpWrite, lba, buf, uint32(len(buf))/m.SectorSize); err != nil {
				continue
			}
			if err := rep.Device.Barrier(ctx); err != nil {
				continue
			}
			mirrorOK++
		}
	}

	quorumMet := northOK
	if !zns {
		quorumMet = (northOK && mirrorOK >= 1) || mirrorOK >= 3
	}
	if !quorumMet {
		m.nuclearRollback(ctx, v, original)
		v.Superblock = *original
		return enginerr.New(enginerr.CodeHWIO, "mount.unmount")
	}
	return nil
}
