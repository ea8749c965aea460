// Package trajectory is the reference implementation of the trajectory
// LBA helper contract, plus the anti-wordline-bias jitter/swizzle
// functions. The allocator that actually owns block placement is an
// external component; this gives Ballistic Read's candidate generation
// something concrete to call.
package trajectory

import (
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/types"
)

// Calc implements calc_trajectory_lba: the default projection is
// G + n*2^min(M,63), perturbed by orbit k via jitter/swizzle so distinct
// orbits land on distinct, deterministically-reproducible candidates.
func Calc(g uint64, v [6]byte, n uint64, m uint16, k uint8) (types.Addr, error) {
	shift := m
	if shift > 63 {
		shift = 63
	}
	stride := uint64(1) << shift

	gg := g
	vv := v
	if k >= 8 {
		gg = jitter(gg, k)
	}
	if k >= 4 {
		vv = swizzleV(vv, k)
	}

	base := gg + n*stride
	vSeed := packV(vv) ^ uint64(k)*0x9E3779B9
	lba := base ^ (vSeed & 0xFFF) // low-order perturbation only; must not defeat stride alignment of distinct n

	if lba < gg && n > 0 {
		// Overflow wrapped the address space: not a representable LBA.
		return 0, enginerr.New(enginerr.CodeGeometry, "trajectory.calc")
	}
	return types.Addr(lba), nil
}

// jitter perturbs G for orbit selections >= 8, a cheap avalanche so high
// orbits don't alias low ones.
func jitter(g uint64, k uint8) uint64 {
	x := g ^ (uint64(k) * 0x9E3779B97F4A7C15)
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

// swizzleV perturbs V for orbit selections >= 4.
func swizzleV(v [6]byte, k uint8) [6]byte {
	var out [6]byte
	for i := range v {
		out[i] = v[i] ^ byte(k)<<uint(i%4)
	}
	return out
}

func packV(v [6]byte) uint64 {
	var x uint64
	for i := 0; i < 6; i++ {
		x = x<<8 | uint64(v[i])
	}
	return x
}
