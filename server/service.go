package server

import (
	"context"
	"fmt"
	"reflect"
)

type methodType struct {
	method      reflect.Method
	withContext bool // Method(ctx, *Args, *Reply) rather than Method(*Args, *Reply)
	ArgType     reflect.Type
	ReplyType   reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService builds a service from rcvr and scans its exported methods.
func NewService(rcvr any) (*service, error) {
	return newService(rcvr, "")
}

func newService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported methods of a callable shape", name)
	}

	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// RegisterMethods keeps the exported methods shaped like
//
//	func (r *T) Name(args *Args, reply *Reply) error
//	func (r *T) Name(ctx context.Context, args *Args, reply *Reply) error
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withContext := false
		switch mt.NumIn() {
		case 3:
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			first, withContext = 2, true
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:      method,
			withContext: withContext,
			ArgType:     mt.In(first).Elem(),
			ReplyType:   mt.In(first + 1).Elem(),
		}
	}
}

// Call invokes the method through reflection.
func (s *service) Call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	var results []reflect.Value
	if mType.withContext {
		args := [4]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
		results = mType.method.Func.Call(args[:])
	} else {
		args := [3]reflect.Value{s.rcvr, argv, replyv}
		results = mType.method.Func.Call(args[:])
	}
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
