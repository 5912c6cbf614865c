package client

import (
	"companion-rpc/calls"
	"companion-rpc/codec"
	"companion-rpc/middleware"
	"companion-rpc/transport"
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultLoggerName names the logger used when none is supplied.
const DefaultLoggerName = "companion_rpc_client"

// Dialer opens the client's channel. transport.DialChannel is the default.
type Dialer func(ctx context.Context, kind transport.Kind, addr string, opts ...transport.Option) (transport.Channel, error)

type options struct {
	target      *string
	logger      *zap.Logger
	kind        transport.Kind
	codec       codec.CodecType
	dialTimeout time.Duration
	heartbeat   time.Duration
	proxied     bool
	loader      calls.Loader
	middlewares []middleware.Middleware
	dialer      Dialer
}

type Option func(*options)

// WithTarget sets the target udid sent with every call. The empty string is
// a valid target and is sent as-is.
func WithTarget(udid string) Option {
	return func(o *options) { o.target = &udid }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithTransport(kind transport.Kind) Option {
	return func(o *options) { o.kind = kind }
}

func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithHeartbeat sets the framed transport's heartbeat interval; <= 0 disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithProxied marks the companion as remote. Proxied calls fail with
// rpcerr.ErrTargetRequired unless a target is set.
func WithProxied(proxied bool) Option {
	return func(o *options) { o.proxied = proxied }
}

func WithLoader(l calls.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithMiddleware appends middlewares run around every outgoing call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func newOptions(opts []Option) options {
	o := options{
		kind:        transport.KindFramed,
		codec:       codec.CodecTypeJSON,
		dialTimeout: 5 * time.Second,
		heartbeat:   30 * time.Second,
		loader:      calls.DefaultLoader,
		dialer:      transport.DialChannel,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Named(DefaultLoggerName)
	}
	return o
}
