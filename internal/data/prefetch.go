package data

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// PrefetchIterator pulls batches from an underlying iterator on a background
// goroutine so batch preparation overlaps with the training step. Next blocks
// on the channel; after exhaustion Err reports whether the producer stopped
// cleanly or was cancelled.
type PrefetchIterator struct {
	inner  Iterator
	ch     chan *Batch
	group  *errgroup.Group
	cancel context.CancelFunc
	err    error
	done   bool
}

// Prefetch wraps it with a buffer of depth batches.
func Prefetch(ctx context.Context, it Iterator, depth int) *PrefetchIterator {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &PrefetchIterator{inner: it, ch: make(chan *Batch, depth), cancel: cancel}
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error {
		defer close(p.ch)
		for {
			b, ok := it.Next()
			if !ok {
				return nil
			}
			select {
			case p.ch <- b:
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "data: prefetch cancelled")
			}
		}
	})
	return p
}

// Next implements Iterator.
func (p *PrefetchIterator) Next() (*Batch, bool) {
	b, ok := <-p.ch
	if !ok && !p.done {
		p.done = true
		p.err = p.group.Wait()
		p.cancel()
	}
	return b, ok
}

// Stop cancels the producer and waits for its goroutine, draining any
// buffered batches. Callers that abandon the iterator before exhaustion
// must call it; calling it again, or after exhaustion, is a no-op.
func (p *PrefetchIterator) Stop() {
	p.cancel()
	for range p.ch {
	}
	if p.done {
		return
	}
	p.done = true
	// A deliberate stop is not a producer failure.
	if err := p.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		p.err = err
	}
}

// Len implements Iterator, forwarding to the underlying iterator.
func (p *PrefetchIterator) Len() (int, bool) { return p.inner.Len() }

// CurDataset implements Iterator.
func (p *PrefetchIterator) CurDataset() *Dataset { return p.inner.CurDataset() }

// Err returns the producer's error after exhaustion, nil before.
func (p *PrefetchIterator) Err() error { return p.err }
