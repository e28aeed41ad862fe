package transport

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/patch"
)

// JSON-RPC 2.0 methods. Both are notifications.
const (
	MethodApply = "patch.apply"
	MethodFault = "fault.report"
)

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
)

type applyParams struct {
	// Batch is the wire form of the batch; it is base64 in JSON.
	Batch []byte `json:"batch"`
}

type method func(context.Context, *jsonrpc2.Conn, stdjson.RawMessage) (any, error)

func routingHandler(methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		if req.Params == nil {
			return nil, errInvalidParams
		}
		return fn(ctx, conn, *req.Params)
	})
}

func newConn(ctx context.Context, rwc io.ReadWriteCloser, h jsonrpc2.Handler) *jsonrpc2.Conn {
	return jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), h)
}

func notify(ctx context.Context, conn *jsonrpc2.Conn, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	return conn.Notify(ctx, method, stdjson.RawMessage(raw))
}

type rpcSender struct {
	conn   *jsonrpc2.Conn
	faults chan *fault.Fault
}

// DialRPC returns the authoring end of a JSON-RPC link over rwc, whose peer
// is served by ServeRPC.
func DialRPC(ctx context.Context, rwc io.ReadWriteCloser) Sender {
	s := &rpcSender{faults: make(chan *fault.Fault, faultBuffer)}
	s.conn = newConn(ctx, rwc, routingHandler(map[string]method{MethodFault: s.fault}))
	return s
}

func (s *rpcSender) fault(_ context.Context, _ *jsonrpc2.Conn, raw stdjson.RawMessage) (any, error) {
	var f fault.Fault
	if json.Unmarshal(raw, &f) != nil {
		return nil, errInvalidParams
	}
	offer(s.faults, &f)
	return nil, nil
}

func (s *rpcSender) Send(ctx context.Context, b *patch.Batch) error {
	data, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	if err := notify(ctx, s.conn, MethodApply, applyParams{data}); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (s *rpcSender) Faults() <-chan *fault.Fault { return s.faults }

func (s *rpcSender) Close() error { return s.conn.Close() }

type rpcReceiver struct {
	conn    *jsonrpc2.Conn
	batches chan []byte
}

// ServeRPC returns the presentation end of a JSON-RPC link over rwc. Up to
// buffer batches are read ahead; beyond that the link applies backpressure.
func ServeRPC(ctx context.Context, rwc io.ReadWriteCloser, buffer int) Receiver {
	r := &rpcReceiver{batches: make(chan []byte, buffer)}
	r.conn = newConn(ctx, rwc, routingHandler(map[string]method{MethodApply: r.apply}))
	return r
}

// apply is called on the read loop of the connection, so batches are queued
// in arrival order.
func (r *rpcReceiver) apply(ctx context.Context, conn *jsonrpc2.Conn, raw stdjson.RawMessage) (any, error) {
	var p applyParams
	if json.Unmarshal(raw, &p) != nil {
		return nil, errInvalidParams
	}
	select {
	case r.batches <- p.Batch:
	case <-conn.DisconnectNotify():
	}
	return nil, nil
}

func (r *rpcReceiver) Recv(ctx context.Context) (*patch.Batch, error) {
	select {
	case data := <-r.batches:
		return decode(data)
	default:
	}
	select {
	case data := <-r.batches:
		return decode(data)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.conn.DisconnectNotify():
		return nil, ErrClosed
	}
}

func (r *rpcReceiver) Report(f *fault.Fault) {
	if err := notify(context.Background(), r.conn, MethodFault, f); err != nil {
		logger.Printf("reporting fault %v: %v", f, err)
	}
}

func (r *rpcReceiver) Close() error { return r.conn.Close() }
