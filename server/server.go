// Package server implements a companion endpoint: service registration by
// reflection, a middleware chain, framed and gRPC serving, and graceful
// shutdown.
//
// Framed request pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
//
// gRPC requests enter through an unknown-service handler and join the same
// middleware chain and dispatcher.
package server

import (
	"companion-rpc/codec"
	"companion-rpc/message"
	"companion-rpc/middleware"
	"companion-rpc/protocol"
	"companion-rpc/registry"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const errShuttingDown = "server is shutting down"

// Server is a companion endpoint serving registered services.
type Server struct {
	logger      *zap.Logger
	serviceMap  map[string]*service     // "CompanionService" → *service
	middlewares []middleware.Middleware // Applied in the order added
	handlerOnce sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	wg       sync.WaitGroup // In-flight requests, for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors

	mu          sync.Mutex // Protects the fields below
	listeners   []net.Listener
	grpcServers []*grpc.Server
	conns       map[net.Conn]struct{}
	adverts     []advert
}

type advert struct {
	reg  registry.Registry
	udid string
	addr string
}

// NewServer creates a server with an empty service map. A nil logger logs nothing.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:     logger,
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Register registers a service receiver under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName registers a service receiver under name ("" means the type name).
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. It must be called before serving starts.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Advertise registers addr in reg for each target udid. Shutdown deregisters them.
func (svr *Server) Advertise(ctx context.Context, reg registry.Registry, instance registry.Instance, ttl int64, udids ...string) error {
	for _, udid := range udids {
		if err := reg.Register(ctx, udid, instance, ttl); err != nil {
			return fmt.Errorf("advertise %s: %w", udid, err)
		}
		svr.mu.Lock()
		svr.adverts = append(svr.adverts, advert{reg: reg, udid: udid, addr: instance.Addr})
		svr.mu.Unlock()
	}
	return nil
}

func (svr *Server) chain() middleware.HandlerFunc {
	svr.handlerOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
	return svr.handler
}

// ListenAndServe listens on address and serves framed connections.
func (svr *Server) ListenAndServe(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(listener)
}

// Serve accepts framed connections on listener until Shutdown.
func (svr *Server) Serve(listener net.Listener) error {
	svr.chain()
	if !svr.track(listener) {
		listener.Close()
		return nil
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() during shutdown makes Accept fail; that is not an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// ServeGRPC serves the same services over gRPC on listener until Shutdown.
func (svr *Server) ServeGRPC(listener net.Listener) error {
	svr.chain()
	gs := grpc.NewServer(grpc.UnknownServiceHandler(svr.grpcHandler))

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		listener.Close()
		return nil
	}
	svr.grpcServers = append(svr.grpcServers, gs)
	svr.mu.Unlock()

	err := gs.Serve(listener)
	if svr.shutdown.Load() || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (svr *Server) track(listener net.Listener) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.listeners = append(svr.listeners, listener)
	return true
}

// handleConn runs the read loop of one framed connection.
//
// Reads are sequential so frame boundaries stay intact; each request runs
// in its own goroutine so a slow call does not hold up the others. writeMu
// serializes responses on the connection.
func (svr *Server) handleConn(conn net.Conn) {
	svr.mu.Lock()
	svr.conns[conn] = struct{}{}
	svr.mu.Unlock()
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	var inflight sync.Map // seq → context.CancelFunc
	defer inflight.Range(func(_, cancel any) bool {
		cancel.(context.CancelFunc)()
		return true
	})

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			break // Connection closed or protocol error
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeCancel:
			if cancel, ok := inflight.LoadAndDelete(header.Seq); ok {
				cancel.(context.CancelFunc)()
			}
			continue
		case protocol.MsgTypeRequest:
		default:
			continue
		}

		// The flag is set under mu before Shutdown waits, so no Add can race the Wait.
		svr.mu.Lock()
		if svr.shutdown.Load() {
			svr.mu.Unlock()
			svr.writeResponse(conn, header, &message.RPCMessage{Error: errShuttingDown}, writeMu)
			continue
		}
		svr.wg.Add(1)
		svr.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		inflight.Store(header.Seq, cancel)
		go func() {
			defer svr.wg.Done()
			defer func() {
				if c, ok := inflight.LoadAndDelete(header.Seq); ok {
					c.(context.CancelFunc)()
				}
			}()
			svr.handleRequest(ctx, header, body, conn, writeMu)
		}()
	}
}

// handleRequest processes one framed request: decode → middleware → business logic → encode → write.
func (svr *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}

	var resp *message.RPCMessage
	if err := c.Decode(body, &msg); err != nil {
		resp = &message.RPCMessage{Error: "malformed request: " + err.Error()}
	} else {
		var err error
		resp, err = svr.chain()(ctx, &msg)
		if err != nil {
			resp = &message.RPCMessage{ServiceMethod: msg.ServiceMethod, Error: err.Error()}
		}
	}

	if ctx.Err() != nil {
		// Cancelled by the client; nobody is waiting for the reply.
		return
	}

	svr.writeResponse(conn, header, resp, writeMu)
}

// writeResponse encodes resp with the request's codec and writes it under
// the request's Seq; that is how the client routes it.
func (svr *Server) writeResponse(conn net.Conn, header *protocol.Header, resp *message.RPCMessage, writeMu *sync.Mutex) {
	result, err := codec.GetCodec(codec.CodecType(header.CodecType)).Encode(resp)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.String("method", resp.ServiceMethod), zap.Error(err))
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("failed to write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister advertised targets (clients stop discovering this companion)
//  2. Set the shutdown flag and close listeners
//  3. Wait for in-flight requests with a timeout
//  4. Close remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	adverts := svr.adverts
	svr.adverts = nil
	svr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, a := range adverts {
		if err := a.reg.Deregister(ctx, a.udid, a.addr); err != nil {
			svr.logger.Warn("deregister failed", zap.String("udid", a.udid), zap.Error(err))
		}
	}

	// Set the flag under mu BEFORE closing listeners so Serve sees it when Accept fails.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	listeners := svr.listeners
	grpcServers := svr.grpcServers
	svr.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, gs := range grpcServers {
			gs.GracefulStop()
		}
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, gs := range grpcServers {
			gs.Stop()
		}
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}

func (svr *Server) lookup(serviceMethod string) (*service, *methodType, error) {
	serviceName, methodName, err := message.SplitServiceMethod(serviceMethod)
	if err != nil {
		return nil, nil, err
	}
	svc := svr.serviceMap[serviceName]
	if svc == nil {
		return nil, nil, fmt.Errorf("unknown service %q", serviceName)
	}
	method := svc.method[methodName]
	if method == nil {
		return nil, nil, fmt.Errorf("unknown method %q", serviceMethod)
	}
	return svc, method, nil
}

// businessHandler dispatches a call to the registered service.
//
// Flow: find service/method → reflect.New(args) → json.Unmarshal(payload, args)
// → reflect.Call → json.Marshal(reply). Service failures are reported in
// the response's Error field.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	svc, method, err := svr.lookup(req.ServiceMethod)
	if err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}, nil
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "invalid arguments: " + err.Error()}, nil
		}
	}

	ctx = message.NewIncomingContext(ctx, req.Metadata)
	methodErr := svc.Call(ctx, method, argv, replyv)

	rpcMessage := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	if methodErr != nil {
		rpcMessage.Error = methodErr.Error()
		return rpcMessage, nil
	}

	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		return nil, err
	}
	rpcMessage.Payload = replyMessage
	return rpcMessage, nil
}
