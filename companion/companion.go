// Package companion holds the per-call view of a client: which stub to use,
// whether the companion is local, and which target the call is about.
package companion

import (
	"companion-rpc/stub"

	"go.uber.org/zap"
)

// Client is handed to call implementations on every invocation. Its fields
// are fixed at construction; build a new Client to change the target.
type Client struct {
	Stub    *stub.CompanionService
	IsLocal bool
	UDID    *string
	Logger  *zap.Logger
}

// New copies udid so later changes by the caller do not leak into the value.
func New(s *stub.CompanionService, isLocal bool, udid *string, logger *zap.Logger) Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Client{Stub: s, IsLocal: isLocal, UDID: copyUDID(udid), Logger: logger}
}

// Metadata is the call metadata for this client's target.
func (c Client) Metadata() map[string]string {
	return TargetMetadata(c.UDID)
}

// TargetMetadata returns {"udid": *udid} when udid is non-nil, even if it
// points at the empty string, and an empty map otherwise. Each call returns
// a fresh map.
func TargetMetadata(udid *string) map[string]string {
	if udid == nil {
		return map[string]string{}
	}
	return map[string]string{"udid": *udid}
}

func copyUDID(udid *string) *string {
	if udid == nil {
		return nil
	}
	v := *udid
	return &v
}
