// Package message defines the envelope exchanged between a companion client
// and the companion.
//
// RPCMessage is serialized by the codec layer and then either wrapped in a
// protocol frame (framed transport) or carried as a gRPC message body with
// its metadata moved into gRPC headers (grpc transport).
package message

import (
	"context"
	"fmt"
	"strings"
)

// RPCMessage carries the data for a single companion request or response.
//
//   - On request:  ServiceMethod and Metadata are set, Payload contains the JSON args.
//   - On response: Payload contains the JSON reply, Error is non-empty if the companion rejected the call.
type RPCMessage struct {
	ServiceMethod string            `json:"service_method" cbor:"1,keyasint"` // "CompanionService.ListTargets"
	Error         string            `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" cbor:"3,keyasint,omitempty"` // Per-call metadata, e.g. {"udid": "..."}
	Payload       []byte            `json:"payload,omitempty" cbor:"4,keyasint,omitempty"`
}

// SplitServiceMethod splits "Service.Method" into its two halves.
func SplitServiceMethod(serviceMethod string) (string, string, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", "", fmt.Errorf("invalid service method format: %q", serviceMethod)
	}
	return split[0], split[1], nil
}

type metadataKey struct{}

// NewIncomingContext attaches the metadata that arrived with a request to ctx.
func NewIncomingContext(ctx context.Context, md map[string]string) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the request metadata stored by NewIncomingContext.
func MetadataFromContext(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	if md == nil {
		return map[string]string{}
	}
	return md
}
