package transport

import (
	"companion-rpc/codec"
	"companion-rpc/message"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Channel is a persistent connection to one companion address. A single
// Channel is shared by every call a client issues, so implementations must
// be safe for concurrent use and must correlate each response with its
// request on their own.
//
// Invoke blocks until the response arrives, the channel fails or ctx is
// done. Cancelling one call never invalidates the channel for other calls.
type Channel interface {
	Invoke(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)
	// Addr is the host:port the channel was opened to.
	Addr() string
	io.Closer
}

var (
	_ Channel = (*ClientTransport)(nil)
	_ Channel = (*GRPCChannel)(nil)
)

// Kind selects the Channel implementation.
type Kind string

const (
	KindFramed Kind = "framed" // mrp frames multiplexed over one TCP connection
	KindGRPC   Kind = "grpc"   // HTTP/2 via google.golang.org/grpc
)

func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case "", KindFramed:
		return KindFramed, nil
	case KindGRPC:
		return KindGRPC, nil
	}
	return "", fmt.Errorf("unknown transport %q", name)
}

// Options configures a Channel.
type Options struct {
	Codec             codec.CodecType // framed only
	HeartbeatInterval time.Duration   // framed only; <= 0 disables heartbeats
	DialTimeout       time.Duration
	Logger            *zap.Logger
}

type Option func(*Options)

func WithCodec(t codec.CodecType) Option {
	return func(o *Options) { o.Codec = t }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = interval }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func newOptions(opts []Option) Options {
	o := Options{
		Codec:             codec.CodecTypeJSON,
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// DialChannel opens a Channel of the given kind to addr. Failure to
// establish it is reported as *rpcerr.ConnectionError with Lost unset.
func DialChannel(ctx context.Context, kind Kind, addr string, opts ...Option) (Channel, error) {
	switch kind {
	case KindFramed, "":
		t, err := Dial(ctx, addr, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	case KindGRPC:
		g, err := DialGRPC(ctx, addr, opts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}
