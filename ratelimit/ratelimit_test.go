package ratelimit

import (
	"net"
	"testing"

	"golang.org/x/time/rate"
)

func TestPerClientLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewPerClientLimiter(rate.Limit(1), 2, 10)
	ip := net.IPv4(10, 0, 0, 1)

	if !l.Allow(ip) {
		t.Fatalf("expected first packet to be allowed")
	}
	if !l.Allow(ip) {
		t.Fatalf("expected second packet (within burst) to be allowed")
	}
	if l.Allow(ip) {
		t.Fatalf("expected third packet to exceed the burst and be denied")
	}
}

func TestPerClientLimiterIsPerClient(t *testing.T) {
	l := NewPerClientLimiter(rate.Limit(1), 1, 10)
	a := net.IPv4(10, 0, 0, 1)
	b := net.IPv4(10, 0, 0, 2)

	if !l.Allow(a) {
		t.Fatalf("expected a's first packet to be allowed")
	}
	if l.Allow(a) {
		t.Fatalf("expected a's second packet to be denied")
	}
	if !l.Allow(b) {
		t.Fatalf("expected b to have an independent budget from a")
	}
}

func TestPerClientLimiterTracksClientCount(t *testing.T) {
	l := NewPerClientLimiter(rate.Limit(100), 5, 10)
	l.Allow(net.IPv4(10, 0, 0, 1))
	l.Allow(net.IPv4(10, 0, 0, 2))
	if got := l.TrackedClients(); got != 2 {
		t.Errorf("TrackedClients() = %d, want 2", got)
	}
}

func TestGlobalBudgetLimitsTotalThroughput(t *testing.T) {
	g := NewGlobalBudget(rate.Limit(1), 3)
	allowed := 0
	for i := 0; i < 5; i++ {
		if g.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected exactly the burst of 3 packets to be allowed immediately, got %d", allowed)
	}
}
