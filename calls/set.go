package calls

import (
	"companion-rpc/rpcerr"
	"context"
	"fmt"
	"sort"
)

// Set is the installed call set of one client. It is built once and never
// changes afterwards.
type Set struct {
	calls map[string]Call
	names []string
}

// NewSet installs entries. A name seen twice, or listed in reserved, fails
// with *rpcerr.NameCollisionError and nothing is installed.
func NewSet(entries []Entry, reserved []string) (*Set, error) {
	taken := make(map[string]struct{}, len(reserved))
	for _, name := range reserved {
		taken[name] = struct{}{}
	}

	s := &Set{calls: make(map[string]Call, len(entries))}
	for _, e := range entries {
		if _, ok := taken[e.Name]; ok {
			return nil, &rpcerr.NameCollisionError{Name: e.Name, Reserved: true}
		}
		if _, ok := s.calls[e.Name]; ok {
			return nil, &rpcerr.NameCollisionError{Name: e.Name}
		}
		if e.Call == nil {
			return nil, fmt.Errorf("calls: %q has no implementation", e.Name)
		}
		s.calls[e.Name] = e.Call
		s.names = append(s.names, e.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Names lists the installed call names in sorted order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Set) Lookup(name string) (Call, bool) {
	c, ok := s.calls[name]
	return c, ok
}

func (s *Set) Invoke(ctx context.Context, name string, args, reply any) error {
	c, ok := s.calls[name]
	if !ok {
		return fmt.Errorf("%w: %q", rpcerr.ErrUnknownCall, name)
	}
	return c(ctx, args, reply)
}
