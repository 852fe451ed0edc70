// Package data defines the batch and iterator contract the training loop
// consumes, plus a channel-based prefetching wrapper and a synthetic copy
// task used by the demo binary and tests. Real corpora live behind the same
// Iterator interface.
package data

import (
	"math/rand"

	"github.com/gomlx/exceptions"

	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Dataset carries the vocabulary and field metadata batches were built
// against. Iterators expose their current dataset so consumers can keep
// vocabulary bookkeeping consistent when the underlying corpus rotates.
type Dataset struct {
	Name      string
	VocabSize int
	PadID     int32
	BosID     int32
	EosID     int32
}

// Batch is one immutable training unit: batch-major source and target token
// tensors plus per-sentence source lengths. Read-only to the training core.
type Batch struct {
	Src *tensor.Ints // [size, srcLen]
	Tgt *tensor.Ints // [size, tgtLen], BOS first, PAD-filled after EOS

	// Alignment holds source positions for the copy loss, when present.
	Alignment *tensor.Ints // [size, tgtLen]

	SrcLengths []int
	Size       int
}

// TargetLen returns the target-axis length.
func (b *Batch) TargetLen() int { return b.Tgt.Dim(1) }

// NumTargetTokens counts the non-padding tokens of the gold target (the
// target sequence past the leading BOS), the denominator for token
// normalization.
func (b *Batch) NumTargetTokens(padID int32) int {
	tlen := b.TargetLen()
	var n int
	for r := 0; r < b.Size; r++ {
		for c := 1; c < tlen; c++ {
			if b.Tgt.Data[r*tlen+c] != padID {
				n++
			}
		}
	}
	return n
}

// InputWindow returns the decoder input tokens for target positions
// [from, to), as a [size, to-from] view-shaped tensor.
func (b *Batch) InputWindow(from, to int) *tensor.Ints {
	return b.window(b.Tgt, from, to, false, 0)
}

// TargetWindow returns the gold tokens for target positions [from, to): the
// token following each input position. The final position of the sequence
// has no successor and gets PAD, which scoring then ignores.
func (b *Batch) TargetWindow(from, to int, padID int32) *tensor.Ints {
	return b.window(b.Tgt, from, to, true, padID)
}

// AlignmentWindow slices the copy-loss alignment with the same shift as
// TargetWindow, so alignment rows stay paired with their targets. Returns
// nil when the batch carries no alignment.
func (b *Batch) AlignmentWindow(from, to int) *tensor.Ints {
	if b.Alignment == nil {
		return nil
	}
	return b.window(b.Alignment, from, to, true, 0)
}

func (b *Batch) window(src *tensor.Ints, from, to int, shifted bool, padID int32) *tensor.Ints {
	tlen := b.TargetLen()
	if from < 0 || to > tlen || from >= to {
		exceptions.Panicf("data: window [%d, %d) outside target length %d", from, to, tlen)
	}
	w := to - from
	out := tensor.NewInts(b.Size, w)
	for r := 0; r < b.Size; r++ {
		for c := 0; c < w; c++ {
			p := from + c
			if shifted {
				p++
			}
			if p >= tlen {
				out.Data[r*w+c] = padID
				continue
			}
			out.Data[r*w+c] = src.Data[r*tlen+p]
		}
	}
	return out
}

// Iterator produces batches in an externally determined order. Len may be
// unknown under dynamic batching; callers must tolerate that.
type Iterator interface {
	// Next returns the next batch, or ok=false at exhaustion.
	Next() (*Batch, bool)
	// Len returns the total batch count when known.
	Len() (int, bool)
	// CurDataset returns the dataset the upcoming batches belong to.
	CurDataset() *Dataset
}

// SliceIterator iterates over an in-memory batch list. Not safe for
// concurrent use.
type SliceIterator struct {
	ds      *Dataset
	batches []*Batch
	pos     int
}

// NewSliceIterator returns an iterator over the given batches.
func NewSliceIterator(ds *Dataset, batches []*Batch) *SliceIterator {
	return &SliceIterator{ds: ds, batches: batches}
}

// Next implements Iterator.
func (it *SliceIterator) Next() (*Batch, bool) {
	if it.pos >= len(it.batches) {
		return nil, false
	}
	b := it.batches[it.pos]
	it.pos++
	return b, true
}

// Len implements Iterator.
func (it *SliceIterator) Len() (int, bool) { return len(it.batches), true }

// CurDataset implements Iterator.
func (it *SliceIterator) CurDataset() *Dataset { return it.ds }

// CopyTask builds a synthetic corpus where the target repeats the source,
// with variable sentence lengths between minLen and maxLen. Deterministic
// for a given rng.
func CopyTask(ds *Dataset, rng *rand.Rand, nBatches, batchSize, minLen, maxLen int) []*Batch {
	if minLen < 1 || maxLen < minLen {
		exceptions.Panicf("data.CopyTask: bad length range [%d, %d]", minLen, maxLen)
	}
	nTokens := int(ds.VocabSize)
	batches := make([]*Batch, 0, nBatches)
	for i := 0; i < nBatches; i++ {
		srcLen := minLen + rng.Intn(maxLen-minLen+1)
		tgtLen := srcLen + 2 // BOS + tokens + EOS
		src := tensor.NewInts(batchSize, srcLen)
		tgt := tensor.NewInts(batchSize, tgtLen)
		for i := range src.Data {
			src.Data[i] = ds.PadID
		}
		for i := range tgt.Data {
			tgt.Data[i] = ds.PadID
		}
		lengths := make([]int, batchSize)
		for r := 0; r < batchSize; r++ {
			// Individual sentences may be shorter than the batch width; the
			// rest is PAD.
			n := minLen + rng.Intn(srcLen-minLen+1)
			lengths[r] = n
			tgt.Data[r*tgtLen] = ds.BosID
			for c := 0; c < n; c++ {
				// Reserve the special ids at the bottom of the vocabulary.
				tok := int32(4 + rng.Intn(nTokens-4))
				src.Data[r*srcLen+c] = tok
				tgt.Data[r*tgtLen+c+1] = tok
			}
			tgt.Data[r*tgtLen+n+1] = ds.EosID
		}
		batches = append(batches, &Batch{Src: src, Tgt: tgt, SrcLengths: lengths, Size: batchSize})
	}
	return batches
}
