// Package cortex manages the anchor table: hashed-slot placement with
// linear probing, read-modify-write of an anchor inside its enclosing
// sector, and logical deletion via the tombstone flag. Slot zero is
// reserved for the Root Anchor and never probed.
package cortex

import (
	"context"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

// Table drives anchor-slot I/O over one volume's Cortex region.
type Table struct {
	V          *volume.Volume
	Dev        hal.Device
	StartLBA   uint64
	SlotCount  uint64 // total 128-byte anchor slots in the region
	SectorSize uint32
}

func splitMix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func seedHash(seed [16]byte) uint64 {
	return splitMix64(types.Endian.Uint64(seed[0:8]) ^ types.Endian.Uint64(seed[8:16]))
}

func (t *Table) anchorsPerSector() uint64 {
	return uint64(t.SectorSize) / types.AnchorSize
}

// slotAt reads the enclosing sector of a slot and returns the sector
// buffer, the slot's byte offset inside it, and its LBA.
func (t *Table) slotAt(ctx context.Context, slot uint64) ([]byte, uint64, uint64, error) {
	aps := t.anchorsPerSector()
	if aps == 0 {
		return nil, 0, 0, enginerr.New(enginerr.CodeGeometry, "cortex.slot")
	}
	lba := t.StartLBA + slot/aps
	off := (slot % aps) * types.AnchorSize
	buf := make([]byte, t.SectorSize)
	if err := t.Dev.SyncIO(ctx, hal.OpRead, lba, buf, 1); err != nil {
		return nil, 0, 0, enginerr.Wrap(enginerr.CodeHWIO, "cortex.slot", err)
	}
	return buf, off, lba, nil
}

func (t *Table) writeSector(ctx context.Context, lba uint64, buf []byte) error {
	if err := t.Dev.SyncIO(ctx, hal.OpWrite, lba, buf, 1); err != nil {
		return enginerr.Wrap(enginerr.CodeHWIO, "cortex.write", err)
	}
	if err := t.Dev.Barrier(ctx); err != nil {
		t.V.Health.BarrierFailures.Add(1)
		return enginerr.Wrap(enginerr.CodeHWIO, "cortex.write", err)
	}
	return nil
}

func slotEmpty(a types.Anchor) bool {
	return a.DataClass&types.DataClassValid == 0 || a.DataClass&types.DataClassTombstone != 0
}

// Place creates an anchor at its hashed slot, probing linearly past
// occupied slots. An existing live anchor with the same seed-id is an
// eexist error. Tombstoned slots are reusable; probe chains stay intact
// because find only terminates on a never-written slot.
func (t *Table) Place(ctx context.Context, a types.Anchor) error {
	if t.SlotCount < 2 {
		return enginerr.New(enginerr.CodeGeometry, "cortex.place")
	}
	usable := t.SlotCount - 1 // slot 0 is the Root Anchor
	h := seedHash(a.SeedID)
	freeSlot := uint64(0) // first reusable slot; slot 0 is never probed
	for i := uint64(0); i < usable; i++ {
		slot := 1 + (h+i)%usable
		buf, off, _, err := t.slotAt(ctx, slot)
		if err != nil {
			return err
		}
		cur := types.DecodeAnchor(buf[off : off+types.AnchorSize])
		if cur.SeedID == a.SeedID && !slotEmpty(cur) {
			return enginerr.New(enginerr.CodeEExist, "cortex.place")
		}
		if !slotEmpty(cur) {
			continue
		}
		if freeSlot == 0 {
			freeSlot = slot
		}
		if cur.DataClass&types.DataClassValid == 0 {
			break // a never-written slot ends the probe chain
		}
	}
	if freeSlot == 0 {
		return enginerr.New(enginerr.CodeENOSPC, "cortex.place")
	}
	buf, off, lba, err := t.slotAt(ctx, freeSlot)
	if err != nil {
		return err
	}
	copy(buf[off:off+types.AnchorSize], a.Encode())
	return t.writeSector(ctx, lba, buf)
}

// find locates the live-or-tombstoned slot holding seedID.
func (t *Table) find(ctx context.Context, seedID [16]byte) (types.Anchor, uint64, uint64, []byte, uint64, error) {
	usable := t.SlotCount - 1
	h := seedHash(seedID)
	for i := uint64(0); i < usable; i++ {
		slot := 1 + (h+i)%usable
		buf, off, lba, err := t.slotAt(ctx, slot)
		if err != nil {
			return types.Anchor{}, 0, 0, nil, 0, err
		}
		cur := types.DecodeAnchor(buf[off : off+types.AnchorSize])
		if cur.SeedID == seedID {
			return cur, slot, off, buf, lba, nil
		}
		if cur.DataClass&types.DataClassValid == 0 {
			break // free slot ends the probe chain
		}
	}
	return types.Anchor{}, 0, 0, nil, 0, enginerr.New(enginerr.CodeNotFound, "cortex.find")
}

// Lookup returns the live anchor for seedID; a tombstoned slot fails with
// the tombstone code, an absent one with not-found.
func (t *Table) Lookup(ctx context.Context, seedID [16]byte) (types.Anchor, error) {
	a, _, _, _, _, err := t.find(ctx, seedID)
	if err != nil {
		return types.Anchor{}, err
	}
	if a.DataClass&types.DataClassTombstone != 0 {
		return types.Anchor{}, enginerr.New(enginerr.CodeTombstone, "cortex.lookup")
	}
	return a, nil
}

// Update rewrites an existing anchor in place via read-modify-write of its
// enclosing sector. Immutable anchors refuse unless the session carries
// the sovereign permission.
func (t *Table) Update(ctx context.Context, a types.Anchor, sessionPerms uint32) error {
	cur, _, off, buf, lba, err := t.find(ctx, a.SeedID)
	if err != nil {
		return err
	}
	if cur.DataClass&types.DataClassTombstone != 0 {
		return enginerr.New(enginerr.CodeTombstone, "cortex.update")
	}
	if cur.Permissions&types.PermImmutable != 0 && sessionPerms&types.PermSovereign == 0 {
		return enginerr.New(enginerr.CodeImmutable, "cortex.update")
	}
	copy(buf[off:off+types.AnchorSize], a.Encode())
	return t.writeSector(ctx, lba, buf)
}

// Delete tombstones an anchor. The record stays in its sector so the probe
// chain and Zero-Scan provenance survive; only the flag flips.
func (t *Table) Delete(ctx context.Context, seedID [16]byte, sessionPerms uint32) error {
	cur, _, off, buf, lba, err := t.find(ctx, seedID)
	if err != nil {
		return err
	}
	if cur.DataClass&types.DataClassTombstone != 0 {
		return enginerr.New(enginerr.CodeTombstone, "cortex.delete")
	}
	if cur.Permissions&types.PermImmutable != 0 && sessionPerms&types.PermSovereign == 0 {
		return enginerr.New(enginerr.CodeImmutable, "cortex.delete")
	}
	cur.DataClass |= types.DataClassTombstone
	copy(buf[off:off+types.AnchorSize], cur.Encode())
	return t.writeSector(ctx, lba, buf)
}
