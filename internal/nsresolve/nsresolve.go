// Package nsresolve is the reference implementation of the Namespace
// collaborator contract: resolve and gather_tensor_shards. The real
// resolver is an external component; this is a linear-scan default over an
// in-RAM anchor index so the tensor and read paths have something concrete
// to call.
package nsresolve

import (
	"sort"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/types"
)

// Entry pairs a name/tag with its Anchor, as the Cortex table would index
// it.
type Entry struct {
	Name   string
	Tag    string
	Anchor types.Anchor
}

// Index is an in-RAM stand-in for the Cortex anchor table scan.
type Index struct {
	entries []Entry
}

// NewIndex builds an Index over a snapshot of entries.
func NewIndex(entries []Entry) *Index {
	return &Index{entries: entries}
}

// Resolve implements resolve(volume, path, *anchor): the first live
// (non-tombstone) anchor whose name matches path.
func (idx *Index) Resolve(path string) (types.Anchor, error) {
	for _, e := range idx.entries {
		if e.Name != path {
			continue
		}
		if e.Anchor.DataClass&types.DataClassTombstone != 0 {
			continue
		}
		return e.Anchor, nil
	}
	return types.Anchor{}, enginerr.New(enginerr.CodeNotFound, "nsresolve.resolve")
}

// MaxTensorShards caps a single tensor gather.
const MaxTensorShards = 4096

// GatherTensorShards implements gather_tensor_shards: collects every live
// anchor matching tag, sorted by seed-id (hi, lo), and reports
// tag-overflow when the match count reaches the cap; at exactly the cap
// completeness is ambiguous, so the gather refuses rather than guesses.
func (idx *Index) GatherTensorShards(tag string) ([]types.Anchor, error) {
	var out []types.Anchor
	for _, e := range idx.entries {
		if e.Tag != tag {
			continue
		}
		if e.Anchor.DataClass&types.DataClassTombstone != 0 {
			continue
		}
		out = append(out, e.Anchor)
		if len(out) == MaxTensorShards {
			return nil, enginerr.New(enginerr.CodeTagOverflow, "nsresolve.gather_tensor_shards")
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return addr128Of(out[i]).Less(addr128Of(out[j]))
	})
	return out, nil
}

func addr128Of(a types.Anchor) types.Addr128 {
	hi := types.Endian.Uint64(a.SeedID[0:8])
	lo := types.Endian.Uint64(a.SeedID[8:16])
	return types.NewAddr128(hi, lo)
}
