package message

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRequestResponse(t *testing.T) {
	req := &RPCMessage{
		ServiceMethod: "CompanionService.Describe",
		Metadata:      map[string]string{"udid": "ABCD-1234"},
		Payload:       []byte(`{"fetch_diagnostics":true}`),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var req2 RPCMessage
	if err := json.Unmarshal(data, &req2); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}

	if req2.Metadata["udid"] != "ABCD-1234" {
		t.Fatalf("expect udid ABCD-1234, got %q", req2.Metadata["udid"])
	}
	if string(req2.Payload) != string(req.Payload) {
		t.Fatalf("payload mismatch: %s", req2.Payload)
	}
}

func TestSplitServiceMethod(t *testing.T) {
	svc, method, err := SplitServiceMethod("CompanionService.ListTargets")
	if err != nil {
		t.Fatal(err)
	}
	if svc != "CompanionService" || method != "ListTargets" {
		t.Fatalf("unexpected split: %s %s", svc, method)
	}

	for _, bad := range []string{"", "NoDot", "A.B.C", ".Method", "Service."} {
		if _, _, err := SplitServiceMethod(bad); err == nil {
			t.Errorf("expect error for %q", bad)
		}
	}
}

func TestMetadataContext(t *testing.T) {
	if md := MetadataFromContext(context.Background()); len(md) != 0 {
		t.Fatalf("expect empty metadata, got %v", md)
	}

	ctx := NewIncomingContext(context.Background(), map[string]string{"udid": "X"})
	if md := MetadataFromContext(ctx); md["udid"] != "X" {
		t.Fatalf("expect udid X, got %v", md)
	}
}
