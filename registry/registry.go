// Package registry lets companions advertise the targets they serve and lets
// clients find the companion for a target udid.
package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Instance is one companion endpoint serving a target.
type Instance struct {
	Addr      string `json:"addr"`
	Weight    int    `json:"weight"` // Weight for load balancing
	Version   string `json:"version,omitempty"`
	Transport string `json:"transport,omitempty"` // "framed" or "grpc"; empty means framed
}

// HostPort splits Addr into host and numeric port.
func (i Instance) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(i.Addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", i.Addr, err)
	}
	return host, port, nil
}

type Registry interface {
	Register(ctx context.Context, udid string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, udid string, addr string) error
	Discover(ctx context.Context, udid string) ([]Instance, error)
	// Watch emits the full instance list for udid after every change until ctx is done.
	Watch(ctx context.Context, udid string) <-chan []Instance
	Close() error
}
