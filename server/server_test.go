package server

import (
	"companion-rpc/codec"
	"companion-rpc/message"
	"companion-rpc/protocol"
	"companion-rpc/registry"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Fail(args *Args, reply *Reply) error {
	return errors.New("arith is broken")
}

type WhoReply struct {
	Metadata map[string]string
}

// Spy exposes what the server hands to context-aware methods.
type Spy struct {
	cancelled chan struct{}
	release   chan struct{}
	held      atomic.Int32
}

func (p *Spy) Who(ctx context.Context, args *struct{}, reply *WhoReply) error {
	reply.Metadata = message.MetadataFromContext(ctx)
	return nil
}

func (p *Spy) Block(ctx context.Context, args *struct{}, reply *struct{}) error {
	<-ctx.Done()
	close(p.cancelled)
	return ctx.Err()
}

// Hold blocks until release is closed.
func (p *Spy) Hold(args *struct{}, reply *struct{}) error {
	p.held.Add(1)
	<-p.release
	return nil
}

func startServer(t *testing.T) (*Server, string, *Spy) {
	t.Helper()
	svr := NewServer(nil)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	spy := &Spy{cancelled: make(chan struct{}), release: make(chan struct{})}
	if err := svr.Register(spy); err != nil {
		t.Fatal(err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, lis.Addr().String(), spy
}

func writeRequest(t *testing.T, conn net.Conn, seq uint32, msg *message.RPCMessage) {
	t.Helper()
	cdc := codec.GetCodec(codec.CodecTypeJSON)
	body, err := cdc.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}
}

func readResponse(t *testing.T, conn net.Conn) (*protocol.Header, *message.RPCMessage) {
	t.Helper()
	header, body, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if header.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("Expect response frame, got %v", header.MsgType)
	}
	var resp message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
		t.Fatal(err)
	}
	return header, &resp
}

func TestServer(t *testing.T) {
	_, addr, _ := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload, _ := json.Marshal(&Args{1, 2})
	writeRequest(t, conn, 123, &message.RPCMessage{ServiceMethod: "Arith.Add", Payload: payload})

	replyHeader, resp := readResponse(t, conn)
	if replyHeader.Seq != 123 {
		t.Fatalf("Expect replyHeader with seq: 123, get %v", replyHeader.Seq)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error %s", resp.Error)
	}

	var reply Reply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("Expect get result = 3, get %v", reply.Result)
	}
}

func TestServerErrors(t *testing.T) {
	_, addr, _ := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cases := []struct {
		method string
		want   string
	}{
		{"Arith.Fail", "arith is broken"},
		{"Arith.Nope", `unknown method "Arith.Nope"`},
		{"Nope.Add", `unknown service "Nope"`},
	}
	for i, tc := range cases {
		writeRequest(t, conn, uint32(i+1), &message.RPCMessage{ServiceMethod: tc.method, Payload: []byte(`{}`)})
		_, resp := readResponse(t, conn)
		if resp.Error != tc.want {
			t.Errorf("%s: expect error %q, got %q", tc.method, tc.want, resp.Error)
		}
	}
}

func TestServerPassesMetadata(t *testing.T) {
	_, addr, _ := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	writeRequest(t, conn, 1, &message.RPCMessage{
		ServiceMethod: "Spy.Who",
		Metadata:      map[string]string{"udid": "ABCD-1234"},
	})
	_, resp := readResponse(t, conn)

	var reply WhoReply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Metadata) != 1 || reply.Metadata["udid"] != "ABCD-1234" {
		t.Fatalf("unexpected metadata %v", reply.Metadata)
	}
}

func TestServerCancelFrame(t *testing.T) {
	_, addr, spy := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	writeRequest(t, conn, 9, &message.RPCMessage{ServiceMethod: "Spy.Block"})
	time.Sleep(50 * time.Millisecond)
	if err := protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeCancel, Seq: 9}, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-spy.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestServerGRPC(t *testing.T) {
	svr := NewServer(nil)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Spy{}); err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeGRPC(lis)
	defer svr.Shutdown(time.Second)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.RawName)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx := metadata.NewOutgoingContext(context.Background(), metadata.Pairs("udid", "ABCD-1234"))
	var out []byte
	if err := conn.Invoke(ctx, "/Spy/Who", []byte(`{}`), &out); err != nil {
		t.Fatal(err)
	}
	var who WhoReply
	if err := json.Unmarshal(out, &who); err != nil {
		t.Fatal(err)
	}
	if len(who.Metadata) != 1 || who.Metadata["udid"] != "ABCD-1234" {
		t.Fatalf("unexpected metadata %v", who.Metadata)
	}

	err = conn.Invoke(context.Background(), "/Arith/Fail", []byte(`{}`), &out)
	if st, _ := status.FromError(err); st.Code() != codes.Unknown || st.Message() != "arith is broken" {
		t.Fatalf("unexpected status %v", err)
	}

	err = conn.Invoke(context.Background(), "/Arith/Nope", []byte(`{}`), &out)
	if st, _ := status.FromError(err); st.Code() != codes.Unimplemented {
		t.Fatalf("expect Unimplemented, got %v", err)
	}
}

func TestShutdownDeregisters(t *testing.T) {
	svr := NewServer(nil)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.Serve(lis) }()

	reg := registry.NewMemoryRegistry()
	inst := registry.Instance{Addr: lis.Addr().String(), Weight: 1}
	if err := svr.Advertise(context.Background(), reg, inst, 10, "A", "B"); err != nil {
		t.Fatal(err)
	}
	if got, _ := reg.Discover(context.Background(), "B"); len(got) != 1 {
		t.Fatalf("expect advertised instance, got %v", got)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve should return nil after shutdown, got %v", err)
	}
	for _, udid := range []string{"A", "B"} {
		if got, _ := reg.Discover(context.Background(), udid); len(got) != 0 {
			t.Fatalf("%s still registered: %v", udid, got)
		}
	}
}

func TestRegisterRejectsBadReceivers(t *testing.T) {
	svr := NewServer(nil)
	if err := svr.Register(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Arith{}); err == nil {
		t.Fatal("expect error for duplicate service")
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	svr, addr, spy := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	writeRequest(t, conn, 1, &message.RPCMessage{ServiceMethod: "Spy.Hold"})
	for deadline := time.Now().Add(2 * time.Second); spy.held.Load() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the handler")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- svr.Shutdown(2 * time.Second) }()
	for deadline := time.Now().Add(2 * time.Second); !svr.shutdown.Load(); {
		if time.Now().After(deadline) {
			t.Fatal("shutdown never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	writeRequest(t, conn, 2, &message.RPCMessage{ServiceMethod: "Spy.Hold"})
	header, resp := readResponse(t, conn)
	if header.Seq != 2 || resp.Error != errShuttingDown {
		t.Fatalf("expect seq 2 rejected, got seq %d error %q", header.Seq, resp.Error)
	}
	if n := spy.held.Load(); n != 1 {
		t.Fatalf("request accepted after shutdown started: %d handlers ran", n)
	}

	close(spy.release)
	header, resp = readResponse(t, conn)
	if header.Seq != 1 || resp.Error != "" {
		t.Fatalf("expect seq 1 to finish, got seq %d error %q", header.Seq, resp.Error)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
