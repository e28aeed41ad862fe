// Package transport carries encoded patch batches from the authoring side to
// the presentation side, and faults back.
//
// A link is FIFO in both directions. Batches cross it in their binary wire
// form even in-process, so that both ends share nothing but bytes.
package transport

import (
	"context"
	"errors"

	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/logutil"
	"github.com/giftline/recon/pkg/patch"
)

var logger = logutil.GetLogger("[transport] ")

// ErrClosed is returned by operations on a closed link.
var ErrClosed = errors.New("link closed")

// faultBuffer is the number of faults a link buffers before dropping.
const faultBuffer = 64

// Sender is the authoring end of a link.
type Sender interface {
	// Send ships a batch. It blocks while the link is full.
	Send(ctx context.Context, b *patch.Batch) error
	// Faults delivers the faults reported by the presentation end. The
	// channel is never closed.
	Faults() <-chan *fault.Fault
	Close() error
}

// Receiver is the presentation end of a link.
type Receiver interface {
	// Recv returns the next batch.
	Recv(ctx context.Context) (*patch.Batch, error)
	// Report sends a fault back to the authoring end. Faults may be dropped
	// when the link is congested.
	Report(f *fault.Fault)
	Close() error
}

func decode(data []byte) (*patch.Batch, error) {
	b := &patch.Batch{}
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return b, nil
}

func offer(ch chan<- *fault.Fault, f *fault.Fault) {
	select {
	case ch <- f:
	default:
		logger.Printf("dropping fault: %v", f)
	}
}
