package registry

import (
	"context"
	"testing"
	"time"
)

// newTestEtcd connects to a local etcd and skips the test if none is running.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, nil)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, "/companion-ping"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()
	udid := "etcd-test-" + time.Now().Format("150405.000000")

	inst1 := Instance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Transport: "grpc"}

	if err := reg.Register(ctx, udid, inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, udid, inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, udid)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, udid, inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, udid)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Transport != "grpc" {
		t.Fatalf("expect only the grpc instance after deregister, got %v", instances)
	}

	reg.Deregister(ctx, udid, inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	udid := "etcd-watch-" + time.Now().Format("150405.000000")

	ch := reg.Watch(ctx, udid)
	time.Sleep(100 * time.Millisecond)

	if err := reg.Register(ctx, udid, Instance{Addr: "127.0.0.1:9100", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), udid, "127.0.0.1:9100")

	select {
	case instances := <-ch:
		if len(instances) != 1 {
			t.Fatalf("expect 1 instance, got %v", instances)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update")
	}
}
