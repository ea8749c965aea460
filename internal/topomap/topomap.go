// Package topomap builds the in-RAM topology map loaded on AI-profile
// mounts: a sorted zone index summarizing each fixed-size block zone by
// its worst media quality, so read paths can steer candidate probes away
// from degraded regions. The map is an optimization cache; losing it only
// disables the steering, never correctness.
package topomap

import (
	"github.com/google/btree"

	"github.com/cardinalfs/cardinal/internal/bitmapio"
	"github.com/cardinalfs/cardinal/internal/types"
)

// ZoneBlocks is the summary granularity: one entry per 512 blocks (2 MiB
// at a 4 KiB block size, matching the router's zone granularity).
const ZoneBlocks = 512

const btreeDegree = 16

type zoneEntry struct {
	zone    uint64
	quality types.QState
}

func (z *zoneEntry) Less(than btree.Item) bool {
	return z.zone < than.(*zoneEntry).zone
}

// Map is the immutable zone-quality index. Built once during mount and
// published on the volume; never mutated afterward, so reads need no lock.
type Map struct {
	index *btree.BTree
}

// Build summarizes a loaded Q-Mask into a topology map. Zones whose every
// block is gold are omitted; an absent zone reads as gold.
func Build(qmask *bitmapio.QMask, nBlocks uint64) *Map {
	idx := btree.New(btreeDegree)
	if qmask == nil {
		return &Map{index: idx}
	}
	for zone := uint64(0); zone*ZoneBlocks < nBlocks; zone++ {
		worst := types.QGold
		end := (zone + 1) * ZoneBlocks
		if end > nBlocks {
			end = nBlocks
		}
		for b := zone * ZoneBlocks; b < end; b++ {
			q := qmask.Get(b)
			if q < worst {
				worst = q
			}
			if worst == types.QToxic {
				break
			}
		}
		if worst != types.QGold {
			idx.ReplaceOrInsert(&zoneEntry{zone: zone, quality: worst})
		}
	}
	return &Map{index: idx}
}

// ZoneQuality returns the worst recorded quality for the zone containing
// blockIndex; gold when the zone was never summarized below gold.
func (m *Map) ZoneQuality(blockIndex uint64) types.QState {
	if m == nil || m.index == nil {
		return types.QGold
	}
	probe := &zoneEntry{zone: blockIndex / ZoneBlocks}
	if it := m.index.Get(probe); it != nil {
		return it.(*zoneEntry).quality
	}
	return types.QGold
}

// Len reports the number of below-gold zones recorded.
func (m *Map) Len() int {
	if m == nil || m.index == nil {
		return 0
	}
	return m.index.Len()
}
