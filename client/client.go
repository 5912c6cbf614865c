// Package client is the entry point for talking to a companion.
//
// A Client owns exactly one channel to one companion and exposes the
// companion's operations as a named call set:
//
//	c, err := client.New(ctx, "localhost", 10882, client.WithTarget("ABCD-1234"))
//	if err != nil { ... }
//	defer c.Close()
//	targets, err := c.Surface().ListTargets(ctx)
//
// Calls may be issued from any number of goroutines.
package client

import (
	"companion-rpc/calls"
	"companion-rpc/companion"
	"companion-rpc/loadbalance"
	"companion-rpc/registry"
	"companion-rpc/rpcerr"
	"companion-rpc/stub"
	"companion-rpc/transport"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Reserved are the client operation names a call set may not use.
var Reserved = []string{"metadata", "close", "calls", "target", "set_target"}

// ErrNoCompanion is returned by NewFromRegistry when nothing serves the udid.
var ErrNoCompanion = errors.New("client: no companion registered for target")

type Client struct {
	addr    string
	ch      transport.Channel
	stub    *stub.CompanionService
	calls   *calls.Set
	surface *calls.Surface
	proxied bool
	logger  *zap.Logger

	mu     sync.RWMutex // protects target and closed
	target *string
	closed bool
}

// New connects to the companion at host:port. It opens the channel, binds
// the stub and installs the loader's call set; if any step fails the channel
// is closed and the error returned.
func New(ctx context.Context, host string, port int, opts ...Option) (*Client, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("client: invalid port %d", port)
	}
	o := newOptions(opts)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ch, err := o.dialer(ctx, o.kind, addr,
		transport.WithCodec(o.codec),
		transport.WithDialTimeout(o.dialTimeout),
		transport.WithHeartbeat(o.heartbeat),
		transport.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	c := &Client{
		addr:    addr,
		ch:      ch,
		stub:    stub.New(ch, o.middlewares...),
		proxied: o.proxied,
		logger:  o.logger,
		target:  o.target,
	}

	entries, err := o.loader.ClientCalls(c.provide)
	if err == nil {
		c.calls, err = calls.NewSet(entries, Reserved)
	}
	if err != nil {
		ch.Close()
		return nil, err
	}
	if surface, err := calls.Bind(c.calls); err == nil {
		c.surface = surface
	}

	c.logger.Debug("companion client ready",
		zap.String("addr", addr),
		zap.String("transport", string(o.kind)),
		zap.Strings("calls", c.calls.Names()),
	)
	return c, nil
}

// NewFromRegistry looks up the companions serving udid, picks one with bal
// (round robin when nil) and connects to it with udid as the target.
func NewFromRegistry(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, udid string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, udid)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoCompanion, udid)
	}
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, err
	}
	host, port, err := inst.HostPort()
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithTarget(udid)}, opts...)
	if inst.Transport != "" {
		kind, err := transport.ParseKind(inst.Transport)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTransport(kind))
	}
	return New(ctx, host, port, opts...)
}

// provide builds the companion client for one call from the current target.
func (c *Client) provide() companion.Client {
	return companion.New(c.stub, !c.proxied, c.Target(), c.logger)
}

// Metadata returns {"udid": target} when a target is set and {} otherwise.
// It is recomputed on every call.
func (c *Client) Metadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return companion.TargetMetadata(c.target)
}

// Target returns a copy of the target udid, or nil.
func (c *Client) Target() *string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.target == nil {
		return nil
	}
	v := *c.target
	return &v
}

// SetTarget changes the target for calls started afterwards. Calls already
// in flight keep the metadata they were sent with.
func (c *Client) SetTarget(udid *string) {
	var v *string
	if udid != nil {
		s := *udid
		v = &s
	}
	c.mu.Lock()
	c.target = v
	c.mu.Unlock()
}

// Calls is the installed call set.
func (c *Client) Calls() *calls.Set {
	return c.calls
}

// Surface is the typed view of the call set. It is nil when a custom loader
// does not provide every companion call.
func (c *Client) Surface() *calls.Surface {
	return c.surface
}

// Invoke runs the named call. It is Calls().Invoke with a closed check.
func (c *Client) Invoke(ctx context.Context, name string, args, reply any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return rpcerr.ErrConnectionClosed
	}
	return c.calls.Invoke(ctx, name, args, reply)
}

func (c *Client) Addr() string {
	return c.addr
}

// Close releases the channel. Calls in flight fail with
// rpcerr.ErrConnectionClosed. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Debug("closing companion client", zap.String("addr", c.addr))
	return c.stub.Close()
}
