// Package bitmapio is the reference implementation of the Bitmap
// collaborator contract (test, set, clear, force-clear) plus the in-RAM
// "armored" occupancy bitmap, built on bits-and-blooms/bitset, and the
// 2-bit Q-Mask, packed atomic words mutated through a bounded
// compare-and-swap loop.
package bitmapio

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/cardinalfs/cardinal/internal/crc32c"
	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/types"
)

// Op enumerates the Bitmap collaborator's operations.
type Op int

const (
	Test Op = iota
	Set
	Clear
	ForceClear
)

// Bitmap is the in-RAM occupancy bitmap, one bit per block, "armored"
// with a per-word ECC code so a flipped RAM bit is caught before it is
// trusted.
type Bitmap struct {
	mu   sync.RWMutex // guarded by the caller's L2 lock for publish; RWMutex here protects word-level RMW
	bits *bitset.BitSet
	ecc  []uint64 // one parity word per occupancy word, recomputed on every RMW
}

// New allocates a Bitmap sized for nBlocks.
func New(nBlocks uint64) *Bitmap {
	b := &Bitmap{bits: bitset.New(uint(nBlocks))}
	b.ecc = make([]uint64, (nBlocks+63)/64)
	return b
}

// LoadFromWords reconstructs a Bitmap from raw little-endian u64 words,
// one bit per block.
func LoadFromWords(words []uint64, nBlocks uint64) *Bitmap {
	b := New(nBlocks)
	for wi, w := range words {
		for bit := 0; bit < 64; bit++ {
			if w&(1<<uint(bit)) != 0 {
				idx := uint64(wi)*64 + uint64(bit)
				if idx < nBlocks {
					b.bits.Set(uint(idx))
				}
			}
		}
	}
	b.recomputeECC()
	return b
}

// Words serializes the bitmap back to little-endian u64 words.
func (b *Bitmap) Words() []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wordsLocked()
}

// wordsLocked is Words without acquiring b.mu; callers must already hold
// b.mu (for reading or writing).
func (b *Bitmap) wordsLocked() []uint64 {
	nWords := (b.bits.Len() + 63) / 64
	words := make([]uint64, nWords)
	for i, e := b.bits.NextSet(0); e; i, e = b.bits.NextSet(i + 1) {
		words[i/64] |= 1 << (i % 64)
	}
	return words
}

func (b *Bitmap) recomputeECC() {
	words := b.wordsLocked()
	b.ecc = make([]uint64, len(words))
	for i, w := range words {
		b.ecc[i] = eccParity(w)
	}
}

// eccParity computes the CRC32C check word used to detect (not correct)
// single-word in-RAM corruption of the armored pair.
func eccParity(w uint64) uint64 {
	return uint64(crc32c.Checksum(u64ToBytes(w)))
}

func u64ToBytes(w uint64) []byte {
	buf := make([]byte, 8)
	types.Endian.PutUint64(buf, w)
	return buf
}

// Do applies one bitmap operation at a block LBA.
func (b *Bitmap) Do(lba uint64, op Op) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lba >= uint64(b.bits.Len()) {
		return false, enginerr.New(enginerr.CodeInvalidArgument, "bitmapio.do")
	}

	switch op {
	case Test:
		return b.bits.Test(uint(lba)), nil
	case Set:
		b.bits.Set(uint(lba))
		b.touchECC(lba)
		return true, nil
	case Clear, ForceClear:
		b.bits.Clear(uint(lba))
		b.touchECC(lba)
		return true, nil
	default:
		return false, enginerr.New(enginerr.CodeInvalidArgument, "bitmapio.do")
	}
}

func (b *Bitmap) touchECC(lba uint64) {
	wi := lba / 64
	if int(wi) >= len(b.ecc) {
		grown := make([]uint64, wi+1)
		copy(grown, b.ecc)
		b.ecc = grown
	}
	words := b.wordsLocked()
	if int(wi) < len(words) {
		b.ecc[wi] = eccParity(words[wi])
	}
}

// VerifyArmor reports whether the live occupancy word still matches its
// ECC companion, the in-RAM analogue of Q-Mask/Bitmap corruption detection.
func (b *Bitmap) VerifyArmor() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	words := b.wordsLocked()
	for i, w := range words {
		if i >= len(b.ecc) {
			return false
		}
		if eccParity(w) != b.ecc[i] {
			return false
		}
	}
	return true
}

// QMask is the in-RAM 2-bits-per-block media-quality map, packed 32
// blocks per little-endian u64 word and mutated lock-free: every state
// change goes through a bounded compare-and-swap loop so a repair path
// can never block behind another, only time out.
type QMask struct {
	words []atomic.Uint64
	size  uint64

	// CASBound caps Transition's compare-and-swap retries; zero selects
	// DefaultCASBound. Exhaustion surfaces as atomics-timeout.
	CASBound int
}

// DefaultCASBound is the Transition retry budget used when CASBound is
// unset.
const DefaultCASBound = 100

func qmaskWordCount(nBlocks uint64) uint64 { return (nBlocks*2 + 63) / 64 }

// NewQMask allocates a QMask defaulting every block to gold (0b11), the
// optimistic initial state before any media-quality signal arrives.
func NewQMask(nBlocks uint64) *QMask {
	q := &QMask{words: make([]atomic.Uint64, qmaskWordCount(nBlocks)), size: nBlocks}
	for i := range q.words {
		q.words[i].Store(^uint64(0))
	}
	return q
}

// Get returns the current state of a block; out-of-range blocks read as
// toxic so a stray index can never look healthy.
func (q *QMask) Get(block uint64) types.QState {
	if block >= q.size {
		return types.QToxic
	}
	shift := (block % 32) * 2
	return types.QState((q.words[block/32].Load() >> shift) & 0x3)
}

// Words packs the Q-Mask into little-endian u64 words, 2 bits/block, for
// persistence alongside the Allocation Bitmap. Each block's 2-bit field
// never straddles a word boundary since 64 is a multiple of 2.
func (q *QMask) Words() []uint64 {
	words := make([]uint64, len(q.words))
	for i := range q.words {
		words[i] = q.words[i].Load()
	}
	if tail := q.size % 32; tail != 0 && len(words) > 0 {
		words[len(words)-1] &= (uint64(1) << (tail * 2)) - 1
	}
	return words
}

// LoadQMaskFromWords reconstructs a QMask from its persisted word form.
// Blocks beyond the supplied words stay toxic (0b00), never gold.
func LoadQMaskFromWords(words []uint64, nBlocks uint64) *QMask {
	q := &QMask{words: make([]atomic.Uint64, qmaskWordCount(nBlocks)), size: nBlocks}
	for i := range q.words {
		if i < len(words) {
			q.words[i].Store(words[i])
		}
	}
	return q
}

// Transition applies the monotonic quality lattice for a repair outcome
// under a bounded compare-and-swap loop. Exhausting the retry budget
// fails with atomics-timeout; the caller records the degradation.
func (q *QMask) Transition(block uint64, outcome types.RepairOutcome) (types.QState, error) {
	if block >= q.size {
		return types.QToxic, nil
	}
	bound := q.CASBound
	if bound <= 0 {
		bound = DefaultCASBound
	}
	w := &q.words[block/32]
	shift := (block % 32) * 2
	for i := 0; i < bound; i++ {
		old := w.Load()
		cur := types.QState((old >> shift) & 0x3)
		next := types.QTransition(outcome, cur)
		if next == cur {
			return next, nil
		}
		updated := (old &^ (uint64(0x3) << shift)) | uint64(next)<<shift
		if w.CompareAndSwap(old, updated) {
			return next, nil
		}
	}
	return 0, enginerr.New(enginerr.CodeAtomicsTimeout, "qmask.transition")
}

