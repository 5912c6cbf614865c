package codec

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// RawName is the gRPC content-subtype used by the grpc transport.
const RawName = "raw"

// Raw is a gRPC codec that passes already-encoded payload bytes through
// untouched. The grpc transport carries RPCMessage.Payload as the message
// body, so both sides only ever see []byte.
type Raw struct{}

func init() {
	encoding.RegisterCodec(Raw{})
}

func (Raw) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("raw codec: unsupported type %T", v)
}

func (Raw) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unsupported type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (Raw) Name() string {
	return RawName
}
