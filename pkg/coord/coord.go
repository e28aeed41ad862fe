// Package coord wires the authoring side and the presentation side of the
// engine together.
//
// A Coordinator owns the definition table, the id source and the metrics. Its
// authoring side runs on the goroutines of its callers, serialized by a
// mutex; its presentation side, when local, runs on one goroutine started by
// Run. Both sides share nothing but the link between them.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/giftline/recon/pkg/arrdiff"
	"github.com/giftline/recon/pkg/author"
	"github.com/giftline/recon/pkg/config"
	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/journal"
	"github.com/giftline/recon/pkg/logutil"
	"github.com/giftline/recon/pkg/metrics"
	"github.com/giftline/recon/pkg/native"
	"github.com/giftline/recon/pkg/patch"
	"github.com/giftline/recon/pkg/present"
	"github.com/giftline/recon/pkg/transport"
	"github.com/giftline/recon/pkg/vlist"
)

var logger = logutil.GetLogger("[coord] ")

// Errors returned by the coordinator.
var (
	ErrRemote    = errors.New("presentation side is not in this process")
	ErrNoJournal = errors.New("journaling is disabled")
)

// Options configures a Coordinator.
type Options struct {
	Config config.Config
	Defs   *deftable.Table

	// Host and Container set up a local presentation side.
	Host      present.Host
	Container native.Handle
	// Ready is passed to the local presentation tree.
	Ready func(*present.Node) bool

	// Link, if not nil, is the authoring end of a link to a remote
	// presentation side, and Host is ignored.
	Link transport.Sender
}

// Coordinator coordinates one surface.
type Coordinator struct {
	cfg     config.Config
	defs    *deftable.Table
	ids     itree.IDSource
	metrics *metrics.Set
	faults  fault.Collector

	mu      sync.Mutex
	session *author.Session
	send    transport.Sender
	journal *journal.Journal
	lastSeq uint64

	presenter *Presenter
}

// New creates a coordinator. It does not start any goroutine.
func New(opts Options) (*Coordinator, error) {
	if opts.Defs == nil {
		return nil, errors.New("no definition table")
	}
	cfg := opts.Config
	c := &Coordinator{cfg: cfg, defs: opts.Defs, metrics: metrics.New()}
	c.session = author.New(opts.Defs, &c.ids, arrdiff.Policy{MaxProbe: cfg.Diff.MaxProbe})
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		c.journal = j
	}
	if opts.Link != nil {
		c.send = opts.Link
		return c, nil
	}
	if opts.Host == nil {
		return nil, errors.New("neither a host nor a link")
	}
	send, recv := transport.Pipe(cfg.Transport.Buffer)
	c.send = send
	c.presenter = NewPresenter(recv, present.Options{
		Defs: opts.Defs, Host: opts.Host, Container: opts.Container,
		Recycle: vlist.Config{Capacity: cfg.Recycle.Capacity, Window: cfg.Recycle.Window},
		Metrics: c.metrics, Ready: opts.Ready, Report: c.record,
	})
	return c, nil
}

// Metrics returns the metrics of the coordinator.
func (c *Coordinator) Metrics() *metrics.Set { return c.metrics }

// Run runs the local presentation side, or collects the faults of the remote
// one, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.presenter != nil {
		g.Go(func() error { return c.presenter.Run(ctx) })
	}
	if c.presenter == nil {
		g.Go(func() error {
			for {
				select {
				case f := <-c.send.Faults():
					c.record(f)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Update renders d and ships the resulting batch, if any.
func (c *Coordinator) Update(ctx context.Context, d author.Desc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.session.Render(d)
	if b := c.session.Flush(); b != nil {
		if serr := c.ship(ctx, b); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// Reload authors the last rendered description again into a fresh tree and
// ships it as a reload. Journaled batches of earlier generations are pruned.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.session.Reload()
	if err != nil {
		return err
	}
	if err := c.ship(ctx, b); err != nil {
		return err
	}
	if c.journal != nil {
		if _, err := c.journal.Prune(b.Generation); err != nil {
			return fmt.Errorf("pruning journal: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) ship(ctx context.Context, b *patch.Batch) error {
	if c.journal != nil {
		if err := c.journal.Append(b); err != nil {
			return fmt.Errorf("journaling batch %d: %w", b.Seq, err)
		}
	}
	if err := c.send.Send(ctx, b); err != nil {
		return err
	}
	c.lastSeq = b.Seq
	c.metrics.BatchesShipped.Inc()
	return nil
}

// Replay sends the journaled batches of the current generation to s, which
// brings a fresh presentation side up to date.
func (c *Coordinator) Replay(ctx context.Context, s transport.Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return ErrNoJournal
	}
	batches, err := c.journal.Batches(c.session.Generation())
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := s.Send(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Redefine replaces a definition and rebuilds its instances on the local
// presentation side. The table must be in debug mode.
func (c *Coordinator) Redefine(ctx context.Context, def *deftable.Def) error {
	if c.presenter == nil {
		return ErrRemote
	}
	if err := c.defs.Redefine(def); err != nil {
		return err
	}
	if err := c.Sync(ctx); err != nil {
		return err
	}
	var rerr error
	err := c.presenter.Do(ctx, func(t *present.Tree) { _, rerr = t.Rebuild(def.Type) })
	return errors.Join(err, rerr)
}

// Sync waits until the local presentation side has handled every batch
// shipped so far, including the follow-ups they need.
func (c *Coordinator) Sync(ctx context.Context) error {
	if c.presenter == nil {
		return ErrRemote
	}
	c.mu.Lock()
	seq := c.lastSeq
	c.mu.Unlock()
	if err := c.presenter.Wait(ctx, seq); err != nil {
		return err
	}
	var ferr error
	err := c.presenter.Do(ctx, func(t *present.Tree) {
		if t.Pending() {
			_, ferr = t.FollowUp()
		}
	})
	return errors.Join(err, ferr)
}

// Inspect runs f on the local presentation tree, on its scheduler.
func (c *Coordinator) Inspect(ctx context.Context, f func(*present.Tree)) error {
	if c.presenter == nil {
		return ErrRemote
	}
	return c.presenter.Do(ctx, f)
}

func (c *Coordinator) record(f *fault.Fault) {
	logger.Printf("fault: %v", f)
	c.faults.Report(f)
}

// Faults returns the faults reported by the presentation side so far.
func (c *Coordinator) Faults() []*fault.Fault { return c.faults.Faults() }

// Close closes the link and the journal.
func (c *Coordinator) Close() error {
	var errs []error
	errs = append(errs, c.send.Close())
	if c.journal != nil {
		errs = append(errs, c.journal.Close())
	}
	return errors.Join(errs...)
}
