package transport

import (
	"context"
	"sync"

	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/patch"
)

type pipe struct {
	batches chan []byte
	faults  chan *fault.Fault
	done    chan struct{}
	once    sync.Once
}

// Pipe returns the two ends of an in-process link that buffers up to buffer
// batches. Closing either end closes the link; batches already buffered can
// still be received.
func Pipe(buffer int) (Sender, Receiver) {
	p := &pipe{
		batches: make(chan []byte, buffer),
		faults:  make(chan *fault.Fault, faultBuffer),
		done:    make(chan struct{}),
	}
	return pipeSender{p}, pipeReceiver{p}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type pipeSender struct{ *pipe }

func (p pipeSender) Send(ctx context.Context, b *patch.Batch) error {
	data, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.batches <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

func (p pipeSender) Faults() <-chan *fault.Fault { return p.faults }

type pipeReceiver struct{ *pipe }

func (p pipeReceiver) Recv(ctx context.Context) (*patch.Batch, error) {
	select {
	case data := <-p.batches:
		return decode(data)
	default:
	}
	select {
	case data := <-p.batches:
		return decode(data)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p pipeReceiver) Report(f *fault.Fault) { offer(p.faults, f) }
