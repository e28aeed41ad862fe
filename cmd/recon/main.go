// Command recon renders a gift ledger scene through the reconciliation engine
// and prints the resulting element tree.
//
// By default both sides of the engine run in this process. With -remote the
// presentation side runs in a child process started with -present, which
// serves it over JSON-RPC on its standard input and output.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sort"

	"github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/giftline/recon/pkg/config"
	"github.com/giftline/recon/pkg/coord"
	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/journal"
	"github.com/giftline/recon/pkg/logutil"
	"github.com/giftline/recon/pkg/metrics"
	"github.com/giftline/recon/pkg/native/memhost"
	"github.com/giftline/recon/pkg/present"
	"github.com/giftline/recon/pkg/transport"
	"github.com/giftline/recon/pkg/vlist"
	"github.com/giftline/recon/pkg/watch"
)

var logger = logutil.GetLogger("[recon] ")

var (
	configPath  = flag.String("config", "recon.yaml", "configuration file; a missing file means the defaults")
	scenePath   = flag.String("scene", "ledger.yaml", "scene to render")
	watchScene  = flag.Bool("watch", false, "render the scene again whenever it changes")
	presentSide = flag.Bool("present", false, "serve the presentation side on stdin and stdout")
	remote      = flag.Bool("remote", false, "run the presentation side in a child process")
	dump        = flag.Bool("dump", true, "print the element tree after every render")
	batches     = flag.Bool("batches", false, "print the journaled batches of the last generation and exit")
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "recon:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logutil.SetOutputFile(cfg.Log.File); err != nil {
		return err
	}
	defs, err := ledgerDefs(cfg.Debug)
	if err != nil {
		return err
	}
	if *batches {
		return dumpJournal(cfg.Journal.Path, os.Stdout)
	}
	if *presentSide {
		return serve(ctx, cfg, defs, stdrwc{}, os.Stderr)
	}
	return drive(ctx, cfg, defs)
}

// serve runs a presentation side over rwc until the link closes, then writes
// the element tree to w.
func serve(ctx context.Context, cfg config.Config, defs *deftable.Table, rwc io.ReadWriteCloser, w io.Writer) error {
	host := memhost.New()
	recv := transport.ServeRPC(ctx, rwc, cfg.Transport.Buffer)
	p := coord.NewPresenter(recv, present.Options{
		Defs: defs, Host: host, Container: host.Root(), Report: recv.Report,
		Recycle: vlist.Config{Capacity: cfg.Recycle.Capacity, Window: cfg.Recycle.Window},
	})
	err := p.Run(ctx)
	fmt.Fprint(w, host.Dump(host.Root()))
	return err
}

// drive renders the scene, and renders it again on changes with -watch.
func drive(ctx context.Context, cfg config.Config, defs *deftable.Table) error {
	desc, err := loadScene(*scenePath, defs)
	if err != nil {
		return err
	}
	opts := coord.Options{Config: cfg, Defs: defs}
	host := memhost.New()
	var child *exec.Cmd
	if *remote {
		var link io.ReadWriteCloser
		child, link, err = startPresenter(ctx)
		if err != nil {
			return err
		}
		opts.Link = transport.DialRPC(ctx, link)
	} else {
		opts.Host, opts.Container = host, host.Root()
	}
	c, err := coord.New(opts)
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })

	render := func() error {
		err := c.Update(gctx, desc)
		if !*remote {
			err = errors.Join(err, c.Sync(gctx))
			if *dump {
				out.tree(host.Dump(host.Root()))
			}
		}
		out.faults(c.Faults())
		return err
	}

	if *watchScene {
		w, err := watch.New(*scenePath, cfg.Watch.Debounce)
		if err != nil {
			cancel()
			return errors.Join(err, g.Wait(), c.Close())
		}
		w.OnError = func(err error) { fmt.Fprintln(os.Stderr, "watch:", err) }
		g.Go(func() error { return ignoreCanceled(w.Run(gctx)) })
		g.Go(func() error {
			defer w.Close()
			if err := render(); err != nil {
				return err
			}
			for {
				select {
				case <-w.Changes():
				case <-gctx.Done():
					return nil
				}
				d, err := loadScene(*scenePath, defs)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					continue
				}
				desc = d
				if err := render(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
				// A fresh generation exercises hydration of the new scene.
				if err := c.Reload(gctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
			}
		})
	} else {
		g.Go(func() error {
			defer cancel()
			return render()
		})
	}

	err = g.Wait()
	cancel()
	if !*remote {
		out.metrics(c.Metrics())
	}
	err = errors.Join(err, c.Close())
	if child != nil {
		err = errors.Join(err, child.Wait())
	}
	return err
}

// dumpJournal writes the batches of the last journaled generation to w as
// JSON.
func dumpJournal(path string, w io.Writer) error {
	if path == "" {
		return coord.ErrNoJournal
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()
	gen, ok, err := j.LastGeneration()
	if err != nil || !ok {
		return err
	}
	bs, err := j.Batches(gen)
	if err != nil {
		return err
	}
	for _, b := range bs {
		if err := b.DumpJSON(w); err != nil {
			return err
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startPresenter starts this binary with -present and returns the link to it.
// The child writes its element tree to our standard error when the link
// closes.
func startPresenter(ctx context.Context) (*exec.Cmd, io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, os.Args[0], "-present", "-config", *configPath)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, pipeRWC{stdout, stdin}, nil
}

type pipeRWC struct {
	io.ReadCloser
	io.WriteCloser
}

// Close closes the write end only; the read end is closed by exec.Cmd.Wait.
func (p pipeRWC) Close() error { return p.WriteCloser.Close() }

type stdrwc struct{}

func (stdrwc) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdrwc) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdrwc) Close() error {
	if err := os.Stdin.Close(); err != nil {
		os.Stdout.Close()
		return err
	}
	return os.Stdout.Close()
}

// printer writes human-readable output to terminals and JSON lines
// elsewhere.
type printer struct {
	w    io.Writer
	json bool
	// Number of faults already printed.
	printed int
}

func newPrinter(f *os.File) *printer {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return &printer{w: f, json: !tty}
}

type faultLine struct {
	Kind string `json:"kind"`
	*fault.Fault
}

func (p *printer) tree(s string) {
	if p.json {
		p.encode(map[string]string{"tree": s})
		return
	}
	fmt.Fprint(p.w, s)
}

func (p *printer) faults(fs []*fault.Fault) {
	if p.printed > len(fs) {
		p.printed = 0
	}
	for _, f := range fs[p.printed:] {
		if p.json {
			p.encode(faultLine{f.Kind.String(), f})
		} else {
			fmt.Fprintln(p.w, "fault:", f)
		}
	}
	p.printed = len(fs)
}

func (p *printer) metrics(s *metrics.Set) {
	values, err := s.Values()
	if err != nil {
		logger.Println("gathering metrics:", err)
		return
	}
	if p.json {
		p.encode(map[string]any{"metrics": values})
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(p.w, "%-48s %g\n", name, values[name])
	}
}

func (p *printer) encode(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Println("encoding output:", err)
		return
	}
	p.w.Write(append(data, '\n'))
}
