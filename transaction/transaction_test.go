package transaction

import (
	"net"
	"testing"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
)

func mustEndpoint(t *testing.T) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(net.IPv4(127, 0, 0, 1), 6881)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestBeginThenCompleteRoundTrip(t *testing.T) {
	r := NewRegistry(time.Second)
	ep := mustEndpoint(t)
	tid, err := r.Begin("ping", ep)
	if err != nil {
		t.Fatal(err)
	}
	if len(tid) != IDLen {
		t.Fatalf("tid length = %d, want %d", len(tid), IDLen)
	}
	method, gotEp, ok := r.Complete(tid)
	if !ok {
		t.Fatalf("expected Complete to find the transaction")
	}
	if method != "ping" {
		t.Errorf("method = %q, want ping", method)
	}
	if !gotEp.Equal(ep) {
		t.Errorf("endpoint mismatch")
	}
}

func TestCompleteUnknownIDFails(t *testing.T) {
	r := NewRegistry(time.Second)
	_, _, ok := r.Complete([]byte{0xAB, 0xCD})
	if ok {
		t.Errorf("expected Complete on an unknown id to fail")
	}
}

func TestCompleteIsOneShot(t *testing.T) {
	r := NewRegistry(time.Second)
	tid, err := r.Begin("find_node", mustEndpoint(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.Complete(tid); !ok {
		t.Fatalf("first Complete should succeed")
	}
	if _, _, ok := r.Complete(tid); ok {
		t.Errorf("second Complete on the same tid should fail")
	}
}

func TestSweepRemovesExpiredTransactions(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	tid, err := r.Begin("get_peers", mustEndpoint(t))
	if err != nil {
		t.Fatal(err)
	}

	if timedOut := r.Sweep(time.Now()); len(timedOut) != 0 {
		t.Fatalf("expected nothing to be swept immediately, got %d", len(timedOut))
	}

	later := time.Now().Add(20 * time.Millisecond)
	timedOut := r.Sweep(later)
	if len(timedOut) != 1 {
		t.Fatalf("expected exactly one timed-out transaction, got %d", len(timedOut))
	}
	if timedOut[0].ID != string(tid) {
		t.Errorf("timed-out transaction has the wrong id")
	}
	if r.Len() != 0 {
		t.Errorf("expected the registry to be empty after sweeping")
	}
}

func TestBeginAllocatesDistinctIDs(t *testing.T) {
	r := NewRegistry(time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tid, err := r.Begin("ping", mustEndpoint(t))
		if err != nil {
			t.Fatal(err)
		}
		if seen[string(tid)] {
			t.Fatalf("Begin reused transaction id %x while it was still pending", tid)
		}
		seen[string(tid)] = true
	}
}
