package codec

import (
	"companion-rpc/message"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	u16 len | ServiceMethod | u32 len | Payload | u16 len | Error | u16 count | count × (u16 len | key | u16 len | value)
//
// Metadata keys are written in sorted order.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 || len(msg.Metadata) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: field too long")
	}

	keys := make([]string, 0, len(msg.Metadata))
	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error) + 2
	for k, val := range msg.Metadata {
		if len(k) > math.MaxUint16 || len(val) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: metadata %q too long", k)
		}
		keys = append(keys, k)
		total += 2 + len(k) + 2 + len(val)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString16(buf, msg.Error)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, msg.Metadata[k])
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}
	msg.ServiceMethod = r.string16()

	payloadLen := int(r.uint32())
	if b := r.next(payloadLen); b != nil {
		msg.Payload = make([]byte, payloadLen)
		copy(msg.Payload, b)
	}

	msg.Error = r.string16()

	count := int(r.uint16())
	msg.Metadata = nil
	for i := 0; i < count && r.err == nil; i++ {
		k := r.string16()
		val := r.string16()
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string, count)
		}
		msg.Metadata[k] = val
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader is a bounds-checked cursor; the first short read sticks in err.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) string16() string {
	return string(r.next(int(r.uint16())))
}
