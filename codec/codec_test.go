package codec

import (
	"companion-rpc/message"
	"testing"
)

func sampleMessage() *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: "CompanionService.ListTargets",
		Metadata:      map[string]string{"udid": "ABCD-1234", "trace": "t1"},
		Payload:       []byte(`{"a":1,"b":2}`),
		Error:         "",
	}
}

func checkRoundTrip(t *testing.T, c Codec) {
	t.Helper()
	originalMsg := sampleMessage()

	data, err := c.Encode(originalMsg)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Type(), err)
	}

	var decodedMsg message.RPCMessage
	if err := c.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Type(), err)
	}

	if originalMsg.ServiceMethod != decodedMsg.ServiceMethod {
		t.Errorf("ServiceMethod mismatch: got %s, want %s", decodedMsg.ServiceMethod, originalMsg.ServiceMethod)
	}
	if string(originalMsg.Payload) != string(decodedMsg.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(decodedMsg.Payload), string(originalMsg.Payload))
	}
	if originalMsg.Error != decodedMsg.Error {
		t.Errorf("Error mismatch: got %s, want %s", decodedMsg.Error, originalMsg.Error)
	}
	if len(decodedMsg.Metadata) != 2 || decodedMsg.Metadata["udid"] != "ABCD-1234" || decodedMsg.Metadata["trace"] != "t1" {
		t.Errorf("Metadata mismatch: got %v", decodedMsg.Metadata)
	}
}

func TestJSONCodec(t *testing.T) {
	checkRoundTrip(t, &JSONCodec{})
}

func TestBinaryCodec(t *testing.T) {
	checkRoundTrip(t, &BinaryCodec{})
}

func TestCBORCodec(t *testing.T) {
	checkRoundTrip(t, &CBORCodec{})
}

func TestBinaryCodecDeterministic(t *testing.T) {
	c := &BinaryCodec{}
	first, err := c.Encode(sampleMessage())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := c.Encode(sampleMessage())
		if string(again) != string(first) {
			t.Fatal("binary encoding depends on map iteration order")
		}
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(sampleMessage())
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var msg message.RPCMessage
		if err := c.Decode(data[:n], &msg); err == nil {
			t.Errorf("expect error decoding %d of %d bytes", n, len(data))
		}
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	c := &BinaryCodec{}
	if _, err := c.Encode("not a message"); err == nil {
		t.Fatal("expect error")
	}
}

func TestGetCodec(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeCBOR} {
		if got := GetCodec(ct).Type(); got != ct {
			t.Errorf("GetCodec(%s).Type() = %s", ct, got)
		}
	}

	ct, err := ParseCodecType("cbor")
	if err != nil || ct != CodecTypeCBOR {
		t.Fatalf("ParseCodecType(cbor) = %v, %v", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func TestRawCodec(t *testing.T) {
	var r Raw
	out, err := r.Marshal([]byte("abc"))
	if err != nil || string(out) != "abc" {
		t.Fatalf("Marshal = %q, %v", out, err)
	}

	var in []byte
	if err := r.Unmarshal([]byte("xyz"), &in); err != nil {
		t.Fatal(err)
	}
	if string(in) != "xyz" {
		t.Fatalf("Unmarshal = %q", in)
	}

	if _, err := r.Marshal(42); err == nil {
		t.Fatal("expect error for non-byte value")
	}
}

func benchmarkCodec(b *testing.B, c Codec) {
	msg := sampleMessage()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out message.RPCMessage
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B)   { benchmarkCodec(b, GetCodec(CodecTypeJSON)) }
func BenchmarkCodecBinary(b *testing.B) { benchmarkCodec(b, GetCodec(CodecTypeBinary)) }
func BenchmarkCodecCBOR(b *testing.B)   { benchmarkCodec(b, GetCodec(CodecTypeCBOR)) }
