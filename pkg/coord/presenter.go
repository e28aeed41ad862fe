package coord

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/giftline/recon/pkg/patch"
	"github.com/giftline/recon/pkg/present"
	"github.com/giftline/recon/pkg/transport"
)

// Presenter runs the presentation scheduler: it applies the batches received
// from a link to a presentation tree, one at a time, and runs follow-ups.
type Presenter struct {
	tree *present.Tree
	recv transport.Receiver

	ctrl     chan func(*present.Tree)
	followUp chan struct{}

	mu      sync.Mutex
	applied uint64
	changed chan struct{}
}

// NewPresenter creates a presenter. A presenter in another process than
// its authoring side sets opts.Report to recv.Report.
func NewPresenter(recv transport.Receiver, opts present.Options) *Presenter {
	return &Presenter{
		tree:     present.New(opts),
		recv:     recv,
		ctrl:     make(chan func(*present.Tree)),
		followUp: make(chan struct{}, 1),
		changed:  make(chan struct{}),
	}
}

// Run applies batches until ctx is done or the link is closed. A closed link
// is not an error.
func (p *Presenter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan *patch.Batch)
	g.Go(func() error {
		defer close(batches)
		for {
			b, err := p.recv.Recv(ctx)
			if err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return err
			}
			select {
			case batches <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case b, ok := <-batches:
				if !ok {
					return nil
				}
				p.apply(b)
			case <-p.followUp:
				if _, err := p.tree.FollowUp(); err != nil {
					logger.Printf("follow-up: %v", err)
				}
			case f := <-p.ctrl:
				f(p.tree)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	return g.Wait()
}

func (p *Presenter) apply(b *patch.Batch) {
	r, err := p.tree.Apply(b)
	if err != nil {
		// Already reported over the link as faults.
		logger.Printf("batch %d/%d: %v", b.Generation, b.Seq, err)
	}
	if !r.Dropped {
		p.scheduleFollowUp()
	}
	p.mu.Lock()
	if b.Seq > p.applied {
		p.applied = b.Seq
	}
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

// scheduleFollowUp makes the scheduler run a follow-up after what is already
// queued, if any item is pending. Items still not ready after it wait for the
// follow-up of a later batch.
func (p *Presenter) scheduleFollowUp() {
	if !p.tree.Pending() {
		return
	}
	select {
	case p.followUp <- struct{}{}:
	default:
	}
}

// Wait waits until the batch with the given sequence number, or a later one,
// was handled.
func (p *Presenter) Wait(ctx context.Context, seq uint64) error {
	for {
		p.mu.Lock()
		done, ch := p.applied >= seq, p.changed
		p.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do runs f on the presentation scheduler and waits for it to return.
func (p *Presenter) Do(ctx context.Context, f func(*present.Tree)) error {
	done := make(chan struct{})
	select {
	case p.ctrl <- func(t *present.Tree) { f(t); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
