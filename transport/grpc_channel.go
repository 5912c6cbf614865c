package transport

import (
	"companion-rpc/codec"
	"companion-rpc/message"
	"companion-rpc/rpcerr"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCChannel carries companion calls over a grpc.ClientConn. Payload bytes
// travel untouched through the raw codec; RPCMessage.Metadata becomes gRPC
// request metadata. HTTP/2 streams do the multiplexing.
type GRPCChannel struct {
	conn      *grpc.ClientConn
	addr      string
	logger    *zap.Logger
	closed    atomic.Bool
	closeOnce sync.Once
}

// DialGRPC connects to addr and waits until the connection is READY, so a
// companion that is not listening fails here rather than on the first call.
func DialGRPC(ctx context.Context, addr string, opts ...Option) (*GRPCChannel, error) {
	o := newOptions(opts)
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.RawName)),
	)
	if err != nil {
		return nil, &rpcerr.ConnectionError{Addr: addr, Err: err}
	}

	if o.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return &GRPCChannel{conn: conn, addr: addr, logger: o.Logger.With(zap.String("addr", addr))}, nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			_ = conn.Close()
			return nil, &rpcerr.ConnectionError{Addr: addr, Err: fmt.Errorf("channel %s", state)}
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, &rpcerr.ConnectionError{Addr: addr, Err: ctx.Err()}
		}
	}
}

func (g *GRPCChannel) Addr() string {
	return g.addr
}

// Invoke issues req as the unary method /Service/Method.
func (g *GRPCChannel) Invoke(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	if g.closed.Load() {
		return nil, rpcerr.ErrConnectionClosed
	}
	svc, method, err := message.SplitServiceMethod(req.ServiceMethod)
	if err != nil {
		return nil, err
	}

	ctx = metadata.NewOutgoingContext(ctx, metadata.New(req.Metadata))
	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}
	var out []byte
	if err := g.conn.Invoke(ctx, "/"+svc+"/"+method, payload, &out); err != nil {
		return nil, g.mapError(ctx, req.ServiceMethod, err)
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: out}, nil
}

// mapError sorts a gRPC failure into the rpcerr kinds.
func (g *GRPCChannel) mapError(ctx context.Context, method string, err error) error {
	if g.closed.Load() {
		return rpcerr.ErrConnectionClosed
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	case codes.Unavailable:
		g.logger.Warn("companion unavailable", zap.String("method", method), zap.String("reason", st.Message()))
		return &rpcerr.ConnectionError{Addr: g.addr, Lost: true, Err: errors.New(st.Message())}
	case codes.Internal:
		return &rpcerr.ProtocolError{Method: method, Err: errors.New(st.Message())}
	}
	return &rpcerr.RemoteError{Method: method, Code: st.Code().String(), Message: st.Message()}
}

// Close closes the underlying connection once; later calls return nil.
func (g *GRPCChannel) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		err = g.conn.Close()
	})
	return err
}
