package protocol

import (
	"net"
	"testing"
	"time"
)

func TestInboundLimiterAppliesBurstPerSource(t *testing.T) {
	limiter := NewInboundLimiter(LimiterConfig{PerSecond: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	a := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	b := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1}

	if !limiter.Allow(a) || !limiter.Allow(a) {
		t.Fatalf("expected burst of 2 to pass")
	}
	if limiter.Allow(a) {
		t.Fatalf("expected third datagram in the same instant to be limited")
	}
	if !limiter.Allow(b) {
		t.Fatalf("other sources must not share the budget")
	}

	now = now.Add(time.Second)
	if !limiter.Allow(a) {
		t.Fatalf("expected token refill after one second")
	}
}

func TestInboundLimiterBlocksRepeatedFailures(t *testing.T) {
	limiter := NewInboundLimiter(LimiterConfig{
		PerSecond:     100,
		Burst:         100,
		MaxFailures:   3,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5555}
	limiter.RecordFailure(addr)
	limiter.RecordFailure(addr)
	if !limiter.RecordFailure(addr) {
		t.Fatalf("expected third failure to block")
	}
	if limiter.Allow(addr) {
		t.Fatalf("blocked source must be refused")
	}

	now = now.Add(2 * time.Minute)
	if !limiter.Allow(addr) {
		t.Fatalf("expected block to expire")
	}
}

func TestSourceIP(t *testing.T) {
	if got := SourceIP(&net.TCPAddr{IP: net.ParseIP("fe80::1"), Port: 80}); got != "fe80::1" {
		t.Fatalf("unexpected ip %q", got)
	}
	if got := SourceIP(nil); got != "" {
		t.Fatalf("expected empty ip for nil addr, got %q", got)
	}
}
