// Package router implements the Spatial Router: mirror / shard /
// parity dispatch across a volume's array topology, including RAID-6-style
// dual-parity read-modify-write and GF(2^8) two-erasure reconstruction.
// Array mode is modeled as a tagged variant (volume.ArrayMode) dispatched
// via a type switch rather than an interface hierarchy.
package router

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cardinalfs/cardinal/internal/chronicle"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/gf256"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// zoneSizeBytes is the rotational mirror-read locality granularity (hash
// LBA -> 2 MiB zone -> online mirror). ZNS write conversion uses each
// device's own reported zone size instead.
const zoneSizeBytes = 2 << 20

// rotationalLocalityMask identifies file-ids whose high word carries a
// rotational-locality hint: on rotational drives a tagged file-id routes
// by file-id.hi mod N instead of the avalanche hash.
const rotationalLocalityMask = 0xF
const rotationalLocalityTag = 7

// Router dispatches I/O across one volume's array topology.
type Router struct {
	V          *volume.Volume
	SectorSize uint32
	Chronicle  *chronicle.Ring // required only for Array Parity writes
	rowLocks   [64]spinlock
}

type spinlock struct{ held atomic.Bool }

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
	}
}
func (s *spinlock) Unlock() { s.held.Store(false) }

// splitMix64 is the avalanche hash behind shard key derivation and
// stripe-row lock selection.
func splitMix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// lemireReduce maps a 64-bit hash into [0, n) without the bias of a
// modulo: (u128)k*n >> 64.
func lemireReduce(k uint64, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	hi, _ := mul128(k, n)
	return hi
}

func mul128(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xFFFFFFFF
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	lo1 := aLo * bLo
	mid1 := aLo * bHi
	mid2 := aHi * bLo
	hi1 := aHi * bHi

	carry := (lo1>>32 + mid1&mask32 + mid2&mask32) >> 32
	hi = hi1 + mid1>>32 + mid2>>32 + carry
	lo = a * b
	return
}

// Route implements route(op, address, buffer, length, file-id).
func (r *Router) Route(ctx context.Context, op hal.Op, addr types.Addr, buf []byte, sectorCount uint32, fileID types.Addr128) error {
	online := r.snapshotOnline()
	defer r.publishTopologyUsage()

	switch r.V.Array.Mode {
	case volume.ArrayMirror:
		return r.routeMirror(ctx, op, addr, buf, sectorCount, online)
	case volume.ArrayShard:
		return r.routeShard(ctx, op, addr, buf, sectorCount, fileID, online)
	case volume.ArrayParity:
		return r.routeParity(ctx, op, addr, buf, sectorCount, online)
	default:
		return enginerr.New(enginerr.CodeInvalidArgument, "router.route")
	}
}

func (r *Router) snapshotOnline() []*volume.Replica {
	r.V.L2.Lock()
	defer r.V.L2.Unlock()
	out := make([]*volume.Replica, 0, len(r.V.Array.Members))
	for _, m := range r.V.Array.Members {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (r *Router) publishTopologyUsage() {}

func (r *Router) markOffline(rep *volume.Replica) {
	r.V.L2.Lock()
	defer r.V.L2.Unlock()
	rep.Online.Store(false)
}

func isCriticalFailure(err error) bool {
	return enginerr.IsCode(err, enginerr.CodeHWIO) ||
		enginerr.IsCode(err, enginerr.CodeDataRot) ||
		enginerr.IsCode(err, enginerr.CodeMediaToxic) ||
		enginerr.IsCode(err, enginerr.CodeAtomicsTimeout)
}

// routeMirror dispatches an op across an N-way mirror set.
func (r *Router) routeMirror(ctx context.Context, op hal.Op, addr types.Addr, buf []byte, sectorCount uint32, members []*volume.Replica) error {
	switch op {
	case hal.OpRead:
		return r.mirrorRead(ctx, addr, buf, sectorCount, members)
	default:
		return r.mirrorWriteAll(ctx, op, addr, buf, sectorCount, members)
	}
}

func (r *Router) mirrorRead(ctx context.Context, addr types.Addr, buf []byte, sectorCount uint32, members []*volume.Replica) error {
	start := 0
	if r.V.Superblock.Flags.Rotational && len(members) > 0 {
		// Spread rotational reads by 2 MiB zone so one spindle does not
		// serve every hot LBA.
		zone := uint64(addr) * uint64(r.SectorSize) / zoneSizeBytes
		start = int(splitMix64(zone) % uint64(len(members)))
	}

	rp := r.V.RetryPolicy()
	var lastErr error
	for pass := 0; pass <= rp.Retries; pass++ {
		if pass > 0 && rp.Sleep > 0 {
			time.Sleep(rp.Sleep)
		}
		for i := 0; i < len(members); i++ {
			m := members[(start+i)%len(members)]
			if !m.Online.Load() {
				continue
			}
			err := m.Device.SyncIO(ctx, hal.OpRead, uint64(addr), buf, sectorCount)
			if err == nil {
				return nil
			}
			if isCriticalFailure(err) {
				r.markOffline(m)
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = enginerr.New(enginerr.CodeHWIO, "router.mirror_read")
	}
	return lastErr
}

func (r *Router) mirrorWriteAll(ctx context.Context, op hal.Op, addr types.Addr, buf []byte, sectorCount uint32, members []*volume.Replica) error {
	success, total := 0, 0
	for _, m := range members {
		if !m.Online.Load() {
			continue
		}
		total++
		err := m.Device.SyncIO(ctx, op, uint64(addr), buf, sectorCount)
		if err != nil && r.V.Profile == types.ProfileUSB {
			// One bus-reset retry per mirror: USB bridges drop a command
			// during renegotiation and come back a few ms later.
			time.Sleep(5 * time.Millisecond)
			err = m.Device.SyncIO(ctx, op, uint64(addr), buf, sectorCount)
		}
		if err != nil {
			if isCriticalFailure(err) {
				r.markOffline(m)
			}
			continue
		}
		if err := m.Device.Barrier(ctx); err != nil {
			continue
		}
		success++
	}
	switch {
	case total == 0:
		return enginerr.New(enginerr.CodeHWIO, "router.mirror_write")
	case success == total:
		return nil
	case success > 0:
		r.V.SetFlag(types.StateDegraded | types.StateDirty)
		return enginerr.New(enginerr.CodeHWIO, "router.mirror_write")
	default:
		return enginerr.New(enginerr.CodeHWIO, "router.mirror_write")
	}
}

// routeShard dispatches an op to the shard selected by the file-id key.
func (r *Router) routeShard(ctx context.Context, op hal.Op, addr types.Addr, buf []byte, sectorCount uint32, fileID types.Addr128, members []*volume.Replica) error {
	if len(members) == 0 {
		return enginerr.New(enginerr.CodeHWIO, "router.shard")
	}
	n := uint64(len(members))
	var idx uint64
	if r.V.Superblock.Flags.Rotational && fileID.Hi()&rotationalLocalityMask == rotationalLocalityTag {
		// Rotational locality hint: keep every block of this file on the
		// same spindle instead of spreading it via the hashed shard key.
		idx = fileID.Hi() % n
	} else {
		key := splitMix64(fileID.Lo() ^ fileID.Hi())
		idx = lemireReduce(key, n)
	}

	for i := uint64(0); i < n; i++ {
		m := members[(idx+i)%n]
		if !m.Online.Load() {
			continue
		}
		zoneOp, zoneAddr, err := r.zoneConvert(ctx, m, op, addr, sectorCount)
		if err != nil {
			return err
		}
		ioErr := m.Device.SyncIO(ctx, zoneOp, zoneAddr, buf, sectorCount)
		if ioErr == nil {
			return nil
		}
		if isCriticalFailure(ioErr) {
			r.markOffline(m)
			continue
		}
		return ioErr
	}
	return enginerr.New(enginerr.CodeHWIO, "router.shard")
}

// zoneConvert applies the ZNS write contract for a single replica: a
// write straddling the remaining zone becomes a zone-append addressed by
// the zone start, and cross-zone writes are rejected as zone-full. Reads
// and non-ZNS devices pass through unchanged.
func (r *Router) zoneConvert(ctx context.Context, m *volume.Replica, op hal.Op, addr types.Addr, sectorCount uint32) (hal.Op, uint64, error) {
	if op == hal.OpRead {
		return op, uint64(addr), nil
	}
	caps, err := m.Device.Caps(ctx)
	if err != nil {
		return op, uint64(addr), enginerr.Wrap(enginerr.CodeHWIO, "router.shard_zone_caps", err)
	}
	if !caps.Flags.ZNSNative || caps.ZoneSize == 0 {
		return op, uint64(addr), nil
	}
	zoneSectors := caps.ZoneSize / uint64(r.SectorSize)
	if zoneSectors == 0 {
		return op, uint64(addr), nil
	}
	if uint64(sectorCount) > zoneSectors {
		return op, 0, enginerr.New(enginerr.CodeZoneFull, "router.shard_zone")
	}
	zoneStart := (uint64(addr) / zoneSectors) * zoneSectors
	zoneEnd := zoneStart + zoneSectors
	if uint64(addr)+uint64(sectorCount) <= zoneEnd {
		return op, uint64(addr), nil
	}
	if uint64(addr) == zoneStart {
		// Already addressed at the zone start yet still overruns it: the
		// write itself cannot fit in one zone.
		return op, 0, enginerr.New(enginerr.CodeZoneFull, "router.shard_zone")
	}
	return hal.OpZoneAppend, zoneStart, nil
}

// StripeGeometry describes a parity array's column layout for one row.
type StripeGeometry struct {
	N int // total devices
}

func (g StripeGeometry) dataCols() int { return g.N - 2 }

func (g StripeGeometry) pCol(row int) int {
	return (g.N - 1) - (row % g.N)
}

func (g StripeGeometry) qCol(row int) int {
	p := g.pCol(row)
	if p == 0 {
		return g.N - 1
	}
	return p - 1
}

// physicalColumn maps a logical data column index to its physical device
// column, skipping the row's P and Q columns.
func (g StripeGeometry) physicalColumn(row, logicalCol int) int {
	p, q := g.pCol(row), g.qCol(row)
	phys := 0
	seen := 0
	for phys < g.N {
		if phys != p && phys != q {
			if seen == logicalCol {
				return phys
			}
			seen++
		}
		phys++
	}
	return -1
}

func (r *Router) rowLock(row int) *spinlock {
	h := splitMix64(uint64(row))
	return &r.rowLocks[h%64]
}

func (r *Router) routeParity(ctx context.Context, op hal.Op, addr types.Addr, buf []byte, sectorCount uint32, members []*volume.Replica) error {
	geo := StripeGeometry{N: len(members)}
	if geo.N < 4 {
		return enginerr.New(enginerr.CodeParityBroken, "router.parity")
	}
	const stripeUnit = 128
	row := int(uint64(addr) / stripeUnit)
	logicalCol := int(uint64(addr) / stripeUnit % uint64(geo.dataCols()))

	lock := r.rowLock(row)
	lock.Lock()
	defer lock.Unlock()

	switch op {
	case hal.OpRead:
		return r.parityRead(ctx, addr, buf, sectorCount, geo, row, logicalCol, members)
	default:
		return r.parityRMW(ctx, addr, buf, sectorCount, geo, row, logicalCol, members)
	}
}

func (r *Router) parityRead(ctx context.Context, addr types.Addr, buf []byte, sectorCount uint32, geo StripeGeometry, row, logicalCol int, members []*volume.Replica) error {
	phys := geo.physicalColumn(row, logicalCol)
	d := members[phys]
	if d.Online.Load() {
		if err := d.Device.SyncIO(ctx, hal.OpRead, uint64(addr), buf, sectorCount); err == nil {
			return nil
		}
	}
	return r.reconstruct(ctx, geo, row, []int{phys}, addr, buf, sectorCount, members)
}

func (r *Router) parityRMW(ctx context.Context, addr types.Addr, buf []byte, sectorCount uint32, geo StripeGeometry, row, logicalCol int, members []*volume.Replica) error {
	phys := geo.physicalColumn(row, logicalCol)
	pCol, qCol := geo.pCol(row), geo.qCol(row)
	dMember, pMember, qMember := members[phys], members[pCol], members[qCol]

	oldD := make([]byte, len(buf))
	if dMember.Online.Load() {
		if err := dMember.Device.SyncIO(ctx, hal.OpRead, uint64(addr), oldD, sectorCount); err != nil {
			if rerr := r.reconstruct(ctx, geo, row, []int{phys}, addr, oldD, sectorCount, members); rerr != nil {
				return rerr
			}
		}
	} else if err := r.reconstruct(ctx, geo, row, []int{phys}, addr, oldD, sectorCount, members); err != nil {
		return err
	}

	oldP := make([]byte, len(buf))
	pOnline := pMember.Online.Load()
	if pOnline {
		pMember.Device.SyncIO(ctx, hal.OpRead, uint64(addr), oldP, sectorCount)
	}
	oldQ := make([]byte, len(buf))
	qOnline := qMember.Online.Load()
	if qOnline {
		qMember.Device.SyncIO(ctx, hal.OpRead, uint64(addr), oldQ, sectorCount)
	}

	delta := make([]byte, len(buf))
	copy(delta, oldD)
	gf256.XORBlocks(delta, buf)

	newP := make([]byte, len(buf))
	copy(newP, oldP)
	gf256.XORBlocks(newP, delta)

	g := gf256.ColGenerator(logicalCol)
	newQ := make([]byte, len(buf))
	copy(newQ, oldQ)
	gf256.XORMulBlock(newQ, delta, g)

	if r.Chronicle != nil {
		if err := r.Chronicle.Append(ctx, types.OpWormhole, addr, addr, uint64(row)); err != nil {
			return enginerr.Wrap(enginerr.CodeAuditFailure, "router.parity_rmw", err)
		}
		if err := r.Chronicle.Device.Barrier(ctx); err != nil {
			return enginerr.Wrap(enginerr.CodeAuditFailure, "router.parity_rmw", err)
		}
	}

	var firstErr error
	if dMember.Online.Load() {
		if err := dMember.Device.SyncIO(ctx, hal.OpWrite, uint64(addr), buf, sectorCount); err == nil {
			dMember.Device.Barrier(ctx)
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if pOnline {
		if err := pMember.Device.SyncIO(ctx, hal.OpWrite, uint64(addr), newP, sectorCount); err == nil {
			pMember.Device.Barrier(ctx)
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if qOnline {
		if err := qMember.Device.SyncIO(ctx, hal.OpWrite, uint64(addr), newQ, sectorCount); err == nil {
			qMember.Device.Barrier(ctx)
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "router.parity_rmw", firstErr)
	}
	return nil
}

// reconstruct runs the single-pass two-erasure GF(2^8) solver.
func (r *Router) reconstruct(ctx context.Context, geo StripeGeometry, row int, failedPhys []int, addr types.Addr, out []byte, sectorCount uint32, members []*volume.Replica) error {
	pCol, qCol := geo.pCol(row), geo.qCol(row)
	failed := map[int]bool{}
	for _, f := range failedPhys {
		failed[f] = true
	}
	for phys, m := range members {
		if !m.Online.Load() {
			failed[phys] = true
		}
	}
	if len(failed) > 2 {
		return enginerr.New(enginerr.CodeParityBroken, "router.reconstruct")
	}
	if len(failed) == 0 {
		return nil
	}

	failedCols := make([]int, 0, 2)
	for phys := range failed {
		failedCols = append(failedCols, phys)
	}
	sort.Ints(failedCols)

	// requested is the physical column the caller actually wants written
	// into out; failedPhys carries it first when the caller targeted a
	// specific column. failed may also pick up further offline members
	// discovered above, so a map-derived order alone would hand a read
	// targeting one failed data column the other one's bytes.
	requested := -1
	if len(failedPhys) > 0 {
		requested = failedPhys[0]
	} else {
		for _, f := range failedCols {
			if f != pCol && f != qCol {
				requested = f
				break
			}
		}
	}

	readSurvivor := func(phys int) ([]byte, error) {
		buf := make([]byte, len(out))
		if err := members[phys].Device.SyncIO(ctx, hal.OpRead, uint64(addr), buf, sectorCount); err != nil {
			return nil, enginerr.Wrap(enginerr.CodeHWIO, "router.reconstruct", err)
		}
		return buf, nil
	}

	onlyData := true
	for _, f := range failedCols {
		if f == pCol || f == qCol {
			onlyData = false
		}
	}

	if len(failedCols) == 1 && onlyData {
		result := make([]byte, len(out))
		for phys, m := range members {
			if phys == failedCols[0] || phys == qCol || !m.Online.Load() {
				continue
			}
			buf, err := readSurvivor(phys)
			if err != nil {
				return err
			}
			gf256.XORBlocks(result, buf)
		}
		copy(out, result)
		return nil
	}

	pSyn := make([]byte, len(out))
	for phys, m := range members {
		if failed[phys] || phys == qCol || !m.Online.Load() {
			continue
		}
		buf, err := readSurvivor(phys)
		if err != nil {
			return err
		}
		gf256.XORBlocks(pSyn, buf)
	}

	qSyn := make([]byte, len(out))
	for logicalCol := 0; logicalCol < geo.dataCols(); logicalCol++ {
		phys := geo.physicalColumn(row, logicalCol)
		if failed[phys] {
			continue
		}
		buf, err := readSurvivor(phys)
		if err != nil {
			return err
		}
		gf256.XORMulBlock(qSyn, buf, gf256.ColGenerator(logicalCol))
	}
	if !failed[qCol] && members[qCol].Online.Load() {
		// A surviving Q contributes its stored value, so qSyn collapses to
		// the weighted sum of only the erased data columns.
		buf, err := readSurvivor(qCol)
		if err != nil {
			return err
		}
		gf256.XORBlocks(qSyn, buf)
	}

	switch {
	case len(failedCols) == 1 && failedCols[0] == pCol:
		copy(out, pSyn) // P lost but data intact: out receives the recomputed P
		return nil
	case len(failedCols) == 1 && failedCols[0] == qCol:
		return nil // Q lost but data intact, nothing to reconstruct into out
	case len(failedCols) == 2 && containsBoth(failedCols, pCol, qCol):
		return enginerr.New(enginerr.CodeParityBroken, "router.reconstruct")
	case len(failedCols) == 2 && (failedCols[0] == pCol || failedCols[1] == pCol):
		// Data+P: x = Q_syn * g_x^{-1}
		dataPhys := other(failedCols, pCol)
		lc := logicalColOf(geo, row, dataPhys)
		g := gf256.ColGenerator(lc)
		xorInto(out, qSyn, gf256.Inv(g))
		return nil
	case len(failedCols) == 2 && (failedCols[0] == qCol || failedCols[1] == qCol):
		// Data+Q: x = P_syn
		copy(out, pSyn)
		return nil
	default:
		// Data+Data: x = (Q_syn XOR P_syn*g_y) * (g_x XOR g_y)^{-1}. x must
		// be the specifically requested column, not just the first entry
		// of a map-derived slice, or a read targeting the other failed
		// data column would nondeterministically get the wrong block.
		xPhys := requested
		yPhys := other(failedCols, requested)
		gx := gf256.ColGenerator(logicalColOf(geo, row, xPhys))
		gy := gf256.ColGenerator(logicalColOf(geo, row, yPhys))
		rhs := make([]byte, len(out))
		copy(rhs, qSyn)
		gf256.XORMulBlock(rhs, pSyn, gy)
		coeff := gx ^ gy
		xorInto(out, rhs, gf256.Inv(coeff))
		return nil
	}
}

func xorInto(dst, src []byte, scalar byte) {
	gf256.MulBlock(dst, src, scalar)
}

func containsBoth(cols []int, a, b int) bool {
	has := func(x int) bool {
		for _, c := range cols {
			if c == x {
				return true
			}
		}
		return false
	}
	return has(a) && has(b)
}

func other(cols []int, known int) int {
	if cols[0] == known {
		return cols[1]
	}
	return cols[0]
}

func logicalColOf(geo StripeGeometry, row, phys int) int {
	for lc := 0; lc < geo.dataCols(); lc++ {
		if geo.physicalColumn(row, lc) == phys {
			return lc
		}
	}
	return 0
}
