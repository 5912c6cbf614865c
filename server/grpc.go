package server

import (
	"companion-rpc/message"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// grpcHandler serves every gRPC method "/Service/Method" by handing the raw
// payload to the middleware chain. The client selects the raw codec through
// the content-subtype, so RecvMsg and SendMsg deal in []byte.
func (svr *Server) grpcHandler(_ any, stream grpc.ServerStream) error {
	svr.wg.Add(1)
	defer svr.wg.Done()

	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	serviceMethod := strings.Replace(strings.TrimPrefix(fullMethod, "/"), "/", ".", 1)
	if _, _, err := svr.lookup(serviceMethod); err != nil {
		return status.Error(codes.Unimplemented, err.Error())
	}

	var payload []byte
	if err := stream.RecvMsg(&payload); err != nil {
		return err
	}

	req := &message.RPCMessage{
		ServiceMethod: serviceMethod,
		Metadata:      callMetadata(stream),
		Payload:       payload,
	}
	resp, err := svr.chain()(stream.Context(), req)
	if err != nil {
		return status.FromContextError(err).Err()
	}
	if resp.Error != "" {
		return status.Error(codes.Unknown, resp.Error)
	}
	if err := stream.SendMsg(resp.Payload); err != nil {
		svr.logger.Debug("failed to send grpc response", zap.String("method", serviceMethod), zap.Error(err))
		return err
	}
	return nil
}

// callMetadata keeps the metadata the caller attached and drops what the
// HTTP/2 and gRPC layers add on their own.
func callMetadata(stream grpc.ServerStream) map[string]string {
	md := map[string]string{}
	incoming, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return md
	}
	for k, vs := range incoming {
		if len(vs) == 0 || strings.HasPrefix(k, ":") || strings.HasPrefix(k, "grpc-") {
			continue
		}
		switch k {
		case "content-type", "user-agent", "te", "authority":
			continue
		}
		md[k] = vs[len(vs)-1]
	}
	return md
}
