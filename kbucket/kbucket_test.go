package kbucket

import (
	"net"
	"testing"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

func node(t *testing.T, b byte, port uint16) Node {
	t.Helper()
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	id, err := nodeid.FromBytes(raw[:])
	if err != nil {
		t.Fatal(err)
	}
	ep, err := endpoint.New(net.IPv4(127, 0, 0, 1), port)
	if err != nil {
		t.Fatal(err)
	}
	return Node{ID: id, Endpoint: ep, LastSeen: time.Now()}
}

func TestTryInsertFillsUpToCapacity(t *testing.T) {
	b := New(0, 4)
	for i := 0; i < 4; i++ {
		ok, _, hasEvict := b.TryInsert(node(t, byte(i+1), uint16(6000+i)))
		if !ok || hasEvict {
			t.Fatalf("insert %d: ok=%v hasEvict=%v", i, ok, hasEvict)
		}
	}
	if !b.IsFull() {
		t.Errorf("expected bucket to be full")
	}
}

func TestTryInsertWhenFullReturnsOldestAsEvictCandidate(t *testing.T) {
	b := New(0, 2)
	first := node(t, 0x01, 6001)
	second := node(t, 0x02, 6002)
	b.TryInsert(first)
	b.TryInsert(second)

	third := node(t, 0x03, 6003)
	ok, evict, hasEvict := b.TryInsert(third)
	if ok {
		t.Fatalf("expected insert into full bucket to fail")
	}
	if !hasEvict {
		t.Fatalf("expected an eviction candidate")
	}
	if evict.ID != first.ID {
		t.Errorf("eviction candidate = %v, want the oldest node %v", evict.ID, first.ID)
	}
}

func TestUpdateMovesNodeToMostRecentlySeen(t *testing.T) {
	b := New(0, 3)
	a := node(t, 0x01, 6001)
	c := node(t, 0x02, 6002)
	b.TryInsert(a)
	b.TryInsert(c)

	refreshed := a
	refreshed.LastSeen = time.Now().Add(time.Hour)
	if !b.Update(refreshed) {
		t.Fatalf("expected Update to find existing node")
	}
	oldest, ok := b.Oldest()
	if !ok {
		t.Fatal("expected a bucket with nodes")
	}
	if oldest.ID != c.ID {
		t.Errorf("oldest = %v, want %v (the untouched node)", oldest.ID, c.ID)
	}
}

func TestRemoveAndContains(t *testing.T) {
	b := New(0, 3)
	n := node(t, 0x01, 6001)
	b.TryInsert(n)
	if !b.Contains(n.ID) {
		t.Fatalf("expected bucket to contain inserted node")
	}
	if !b.Remove(n.ID) {
		t.Fatalf("expected Remove to report success")
	}
	if b.Contains(n.ID) {
		t.Errorf("expected node to be gone after Remove")
	}
	if b.Remove(n.ID) {
		t.Errorf("expected second Remove of same id to report false")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New(0, 3)
	b.TryInsert(node(t, 0x01, 6001))
	snap := b.Snapshot()
	snap[0].ID[0] = 0xFF
	original, _ := b.Find(snap[0].ID)
	if original.ID == snap[0].ID {
		t.Errorf("mutating a snapshot affected the bucket")
	}
}

func TestReinsertingExistingNodeActsAsUpdate(t *testing.T) {
	b := New(0, 1)
	n := node(t, 0x01, 6001)
	b.TryInsert(n)
	ok, _, hasEvict := b.TryInsert(n)
	if !ok || hasEvict {
		t.Errorf("re-inserting an existing node into a full bucket should succeed as an update, got ok=%v hasEvict=%v", ok, hasEvict)
	}
}
