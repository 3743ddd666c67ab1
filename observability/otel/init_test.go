package otel

import (
	"context"
	"strings"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , x-tenant=market,broken,=skip")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", headers)
	}
	if headers["authorization"] != "Bearer abc" {
		t.Fatalf("unexpected authorization header %q", headers["authorization"])
	}
	if headers["x-tenant"] != "market" {
		t.Fatalf("unexpected tenant header %q", headers["x-tenant"])
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestSamplerRatio(t *testing.T) {
	if desc := (Config{}).sampler().Description(); !strings.Contains(desc, "AlwaysOnSampler") {
		t.Fatalf("expected always-on root sampler, got %s", desc)
	}
	if desc := (Config{SampleRatio: 0.25}).sampler().Description(); !strings.Contains(desc, "TraceIDRatioBased{0.25}") {
		t.Fatalf("expected ratio sampler, got %s", desc)
	}
}
