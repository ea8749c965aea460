// Package tensor implements the Tensor Stream View: a virtualized,
// globally-addressed read surface over a sorted set of sharded anchors
// sharing a tag, backed by a prefix-sum offset table and a google/btree
// sorted index for the floor lookup from a global offset to its owning
// shard.
package tensor

import (
	"context"

	"github.com/google/btree"

	"github.com/cardinalfs/cardinal/internal/ballistic"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/nsresolve"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

const btreeDegree = 16

// shardEntry is one btree.Item keyed by the shard's starting global
// offset, so a floor lookup (DescendLessOrEqual) finds the owning shard
// for an arbitrary global offset in O(log N).
type shardEntry struct {
	start  uint64
	anchor types.Anchor
}

func (s *shardEntry) Less(than btree.Item) bool {
	return s.start < than.(*shardEntry).start
}

// View is an open Tensor Stream View over one tag's sorted shards.
type View struct {
	v       *volume.Volume
	reader  *ballistic.Reader
	shards  []types.Anchor
	offsets []uint64 // len(shards)+1; offsets[i+1]-offsets[i] == shards[i].Mass
	index   *btree.BTree
	payload uint64 // cached payload capacity per block
	total   uint64

	closed bool
}

// Open builds a view: gathers up to 4096 tag-matching anchors via
// the Namespace collaborator (already sorted by seed-id per
// nsresolve.GatherTensorShards), builds the prefix-sum offset table
// (failing on zero mass or 64-bit overflow), and bumps the volume's
// reference count so unmount blocks until Close releases it.
func Open(v *volume.Volume, reader *ballistic.Reader, ns *nsresolve.Index, tag string, payloadCapacity uint64) (*View, error) {
	shards, err := ns.GatherTensorShards(tag)
	if err != nil {
		return nil, err
	}

	offsets := make([]uint64, len(shards)+1)
	idx := btree.New(btreeDegree)
	var running uint64
	for i, sh := range shards {
		if sh.Mass == 0 {
			return nil, enginerr.New(enginerr.CodeDataRot, "tensor.open")
		}
		offsets[i] = running
		idx.ReplaceOrInsert(&shardEntry{start: running, anchor: sh})
		next := running + sh.Mass
		if next < running {
			return nil, enginerr.New(enginerr.CodeGeometry, "tensor.open")
		}
		running = next
	}
	offsets[len(shards)] = running

	v.AcquireRef()
	return &View{
		v:       v,
		reader:  reader,
		shards:  shards,
		offsets: offsets,
		index:   idx,
		payload: payloadCapacity,
		total:   running,
	}, nil
}

// TotalSize returns the view's total byte length (offsets[N]).
func (tv *View) TotalSize() uint64 { return tv.total }

// Offsets exposes a copy of the prefix-sum table.
func (tv *View) Offsets() []uint64 { return append([]uint64(nil), tv.offsets...) }

// floorShard finds the shard owning globalOffset via a btree
// DescendLessOrEqual walk that stops at the first (greatest-start) match.
func (tv *View) floorShard(globalOffset uint64) (*shardEntry, int) {
	var found *shardEntry
	pivot := &shardEntry{start: globalOffset}
	tv.index.DescendLessOrEqual(pivot, func(item btree.Item) bool {
		found = item.(*shardEntry)
		return false
	})
	if found == nil {
		return nil, -1
	}
	for i, sh := range tv.shards {
		if sh.SeedID == found.anchor.SeedID {
			return found, i
		}
	}
	return found, -1
}

// Read serves a globally-addressed slice of the view: rejects an
// out-of-range offset, clamps len to EOF, locates the owning shard, and
// walks block-by-block through Ballistic Read copying slices into buf.
func (tv *View) Read(ctx context.Context, globalOffset uint64, buf []byte) (int, error) {
	if tv.closed {
		return 0, enginerr.New(enginerr.CodeInvalidArgument, "tensor.read")
	}
	if globalOffset >= tv.total {
		return 0, enginerr.New(enginerr.CodeEventHorizon, "tensor.read")
	}
	remaining := tv.total - globalOffset
	want := uint64(len(buf))
	if want > remaining {
		want = remaining
	}

	written := 0
	pos := globalOffset
	for uint64(written) < want {
		entry, shardIdx := tv.floorShard(pos)
		if entry == nil || shardIdx < 0 {
			return written, enginerr.New(enginerr.CodeInternalFault, "tensor.read")
		}
		shard := tv.shards[shardIdx]
		shardStart := tv.offsets[shardIdx]
		shardEnd := tv.offsets[shardIdx+1]

		within := pos - shardStart
		blockIndex := within / tv.payload
		offsetInBlock := within % tv.payload

		blockBuf := make([]byte, tv.payload)
		if _, err := tv.reader.ReadBlockAtomic(ctx, shard, blockIndex, blockBuf, types.PermRead); err != nil {
			return written, err
		}

		avail := tv.payload - offsetInBlock
		shardRemaining := shardEnd - pos
		n := uint64(len(buf)) - uint64(written)
		if avail < n {
			n = avail
		}
		if shardRemaining < n {
			n = shardRemaining
		}
		if want-uint64(written) < n {
			n = want - uint64(written)
		}

		copy(buf[written:uint64(written)+n], blockBuf[offsetInBlock:offsetInBlock+n])
		written += int(n)
		pos += n
	}
	return written, nil
}

// Close decrements the volume reference count,
// overwrites the view's offset table with the medic ghost-poison byte and
// zeroes its shard list before release, the same defensive-zeroing idiom
// Auto-Medic uses for its verify buffer.
func (tv *View) Close() {
	if tv.closed {
		return
	}
	tv.closed = true
	tv.v.ReleaseRef()
	for i := range tv.offsets {
		tv.offsets[i] = 0xDDDDDDDDDDDDDDDD
	}
	for i := range tv.shards {
		tv.shards[i] = types.Anchor{}
	}
	tv.index = nil
}
