// Package stub binds the companion service's operations to a Channel.
package stub

import (
	"companion-rpc/message"
	"companion-rpc/middleware"
	"companion-rpc/rpcerr"
	"companion-rpc/transport"
	"context"
	"encoding/json"
	"sync/atomic"
)

// ServiceName is the service every companion registers its operations under.
const ServiceName = "CompanionService"

const (
	MethodListTargets = ServiceName + ".ListTargets"
	MethodDescribe    = ServiceName + ".Describe"
	MethodListApps    = ServiceName + ".ListApps"
	MethodLaunch      = ServiceName + ".Launch"
	MethodTerminate   = ServiceName + ".Terminate"
	MethodScreenshot  = ServiceName + ".Screenshot"
)

// CompanionService issues companion calls over one Channel. It is safe for
// concurrent use as long as the Channel is.
type CompanionService struct {
	ch      transport.Channel
	handler middleware.HandlerFunc
	closed  atomic.Bool
}

// New binds a stub to ch. Middlewares wrap every call, outermost first.
func New(ch transport.Channel, mws ...middleware.Middleware) *CompanionService {
	return &CompanionService{
		ch:      ch,
		handler: middleware.Chain(mws...)(ch.Invoke),
	}
}

// Channel returns the channel the stub is bound to.
func (s *CompanionService) Channel() transport.Channel {
	return s.ch
}

// Close closes the channel once. Every later call, including ones a
// middleware would have rejected first, fails with rpcerr.ErrConnectionClosed.
func (s *CompanionService) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.ch.Close()
}

func (s *CompanionService) Closed() bool {
	return s.closed.Load()
}

// Invoke calls serviceMethod with args, attaching md as call metadata, and
// decodes the result into reply. A nil args sends an empty payload; a nil
// reply discards the result.
func (s *CompanionService) Invoke(ctx context.Context, serviceMethod string, md map[string]string, args, reply any) error {
	if s.closed.Load() {
		return rpcerr.ErrConnectionClosed
	}
	if _, _, err := message.SplitServiceMethod(serviceMethod); err != nil {
		return err
	}

	req := &message.RPCMessage{
		ServiceMethod: serviceMethod,
		Metadata:      md,
	}
	if args != nil {
		payload, err := json.Marshal(args)
		if err != nil {
			return err
		}
		req.Payload = payload
	}

	resp, err := s.handler(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &rpcerr.RemoteError{Method: serviceMethod, Message: resp.Error}
	}

	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return &rpcerr.ProtocolError{Method: serviceMethod, Err: err}
	}
	return nil
}

func (s *CompanionService) ListTargets(ctx context.Context, md map[string]string, req *ListTargetsRequest) (*ListTargetsResponse, error) {
	resp := new(ListTargetsResponse)
	if err := s.Invoke(ctx, MethodListTargets, md, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *CompanionService) Describe(ctx context.Context, md map[string]string, req *DescribeRequest) (*DescribeResponse, error) {
	resp := new(DescribeResponse)
	if err := s.Invoke(ctx, MethodDescribe, md, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *CompanionService) ListApps(ctx context.Context, md map[string]string, req *ListAppsRequest) (*ListAppsResponse, error) {
	resp := new(ListAppsResponse)
	if err := s.Invoke(ctx, MethodListApps, md, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *CompanionService) Launch(ctx context.Context, md map[string]string, req *LaunchRequest) (*LaunchResponse, error) {
	resp := new(LaunchResponse)
	if err := s.Invoke(ctx, MethodLaunch, md, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *CompanionService) Terminate(ctx context.Context, md map[string]string, req *TerminateRequest) (*TerminateResponse, error) {
	resp := new(TerminateResponse)
	if err := s.Invoke(ctx, MethodTerminate, md, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *CompanionService) Screenshot(ctx context.Context, md map[string]string, req *ScreenshotRequest) (*ScreenshotResponse, error) {
	resp := new(ScreenshotResponse)
	if err := s.Invoke(ctx, MethodScreenshot, md, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
