// Package calls turns call definitions into the named operations a client
// exposes.
//
// A Loader is given a Provider rather than a companion client so that every
// invocation sees the client's current target: the provider is called once
// per invocation, never cached.
package calls

import (
	"companion-rpc/companion"
	"companion-rpc/rpcerr"
	"companion-rpc/stub"
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider builds the companion client a call runs against.
type Provider func() companion.Client

// Call runs one named operation. args and reply follow the stub's JSON
// conventions; either may be nil.
type Call func(ctx context.Context, args, reply any) error

type Entry struct {
	Name string
	Call Call
}

// Loader produces the calls a client exposes. The returned names must be the
// same for every provider.
type Loader interface {
	ClientCalls(provider Provider) ([]Entry, error)
}

type LoaderFunc func(provider Provider) ([]Entry, error)

func (f LoaderFunc) ClientCalls(provider Provider) ([]Entry, error) {
	return f(provider)
}

// Definition maps a call name to the companion method implementing it.
type Definition struct {
	Name   string
	Method string
}

// Definitions is the companion's call set.
var Definitions = []Definition{
	{Name: "list_targets", Method: stub.MethodListTargets},
	{Name: "describe", Method: stub.MethodDescribe},
	{Name: "list_apps", Method: stub.MethodListApps},
	{Name: "launch", Method: stub.MethodLaunch},
	{Name: "terminate", Method: stub.MethodTerminate},
	{Name: "screenshot", Method: stub.MethodScreenshot},
}

// DefaultLoader loads Definitions.
var DefaultLoader = NewLoader(Definitions)

// NewLoader returns a Loader with one entry per definition, in order.
func NewLoader(defs []Definition) Loader {
	return LoaderFunc(func(provider Provider) ([]Entry, error) {
		if provider == nil {
			return nil, fmt.Errorf("calls: nil provider")
		}
		entries := make([]Entry, 0, len(defs))
		for _, def := range defs {
			if def.Name == "" || def.Method == "" {
				return nil, fmt.Errorf("calls: incomplete definition %+v", def)
			}
			entries = append(entries, Entry{Name: def.Name, Call: bind(def, provider)})
		}
		return entries, nil
	})
}

func bind(def Definition, provider Provider) Call {
	return func(ctx context.Context, args, reply any) error {
		c := provider()
		if c.Stub == nil {
			return fmt.Errorf("calls: %s: provider returned a client without a stub", def.Name)
		}
		if c.Stub.Closed() {
			return rpcerr.ErrConnectionClosed
		}
		if !c.IsLocal && c.UDID == nil {
			return rpcerr.ErrTargetRequired
		}
		if c.Logger != nil {
			c.Logger.Debug("companion call", zap.String("call", def.Name), zap.String("method", def.Method))
		}
		return c.Stub.Invoke(ctx, def.Method, c.Metadata(), args, reply)
	}
}
