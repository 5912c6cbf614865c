package middleware

import (
	"companion-rpc/message"
	"companion-rpc/rpcerr"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// echoHandler answers every call successfully.
func echoHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       []byte("ok"),
	}, nil
}

// slowHandler ignores ctx and sleeps 200ms.
func slowHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func rejectHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "no such target"}, nil
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	req := &message.RPCMessage{ServiceMethod: "CompanionService.ListTargets", Metadata: map[string]string{"udid": "ABCD"}}
	resp, err := handler(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(resp.Payload))
	}

	entries := logs.FilterField(zap.String("udid", "ABCD")).All()
	if len(entries) != 1 || entries[0].Level != zapcore.DebugLevel {
		t.Fatalf("expect one debug entry with udid, got %v", logs.All())
	}

	if _, err := LoggingMiddleware(zap.New(core))(rejectHandler)(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("call rejected").Len() != 1 {
		t.Fatal("expect a 'call rejected' entry")
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	req := &message.RPCMessage{ServiceMethod: "CompanionService.ListTargets"}
	resp, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if resp.Error != "" {
		t.Fatalf("expect no remote error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	req := &message.RPCMessage{ServiceMethod: "CompanionService.ListTargets"}
	_, err := handler(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got '%v'", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.RPCMessage{ServiceMethod: "CompanionService.ListTargets"}

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := handler(context.Background(), req); !errors.Is(err, rpcerr.ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRateLimitZeroBurst(t *testing.T) {
	handler := RateLimitMiddleware(100, 0)(echoHandler)
	req := &message.RPCMessage{ServiceMethod: "CompanionService.ListTargets"}
	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("first request should pass with a zero burst, got: %v", err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("a"), LoggingMiddleware(nil), mark("b"), TimeOutMiddleware(500*time.Millisecond))
	resp, err := chained(echoHandler)(context.Background(), &message.RPCMessage{ServiceMethod: "CompanionService.ListTargets"})
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := NewMetrics(reg, "client")
	if err != nil {
		t.Fatal(err)
	}

	req := &message.RPCMessage{ServiceMethod: "CompanionService.Describe"}
	ok := m.Middleware()(echoHandler)
	rejected := m.Middleware()(rejectHandler)
	closed := m.Middleware()(func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
		return nil, rpcerr.ErrConnectionClosed
	})

	ok(context.Background(), req)
	ok(context.Background(), req)
	rejected(context.Background(), req)
	closed(context.Background(), req)

	if got := testutil.ToFloat64(m.calls.WithLabelValues("CompanionService.Describe", "ok")); got != 2 {
		t.Fatalf("expect 2 ok calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("CompanionService.Describe", "rejected")); got != 1 {
		t.Fatalf("expect 1 rejected call, got %v", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("CompanionService.Describe", "connection")); got != 1 {
		t.Fatalf("expect 1 connection failure, got %v", got)
	}

	if _, err := NewMetrics(reg, "client"); err == nil {
		t.Fatal("expect duplicate registration to fail")
	}
}
