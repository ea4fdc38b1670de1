package routingtable

import (
	"net"
	"testing"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/kbucket"
	"github.com/taipei-labs/dhtcrawl/logger"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

func idFromByte(t *testing.T, b byte) nodeid.NodeID {
	t.Helper()
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	id, err := nodeid.FromBytes(raw[:])
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func nodeAt(t *testing.T, b byte, port uint16) kbucket.Node {
	t.Helper()
	ep, err := endpoint.New(net.IPv4(10, 0, 0, 1), port)
	if err != nil {
		t.Fatal(err)
	}
	return kbucket.Node{ID: idFromByte(t, b), Endpoint: ep, LastSeen: time.Now()}
}

func TestInsertAndFind(t *testing.T) {
	local := idFromByte(t, 0x00)
	rt := New(local, 4, &logger.NullLogger{})

	n := nodeAt(t, 0x80, 6881)
	ok, _, hasEvict := rt.Insert(n)
	if !ok || hasEvict {
		t.Fatalf("Insert: ok=%v hasEvict=%v", ok, hasEvict)
	}
	got, found := rt.Find(n.ID)
	if !found {
		t.Fatalf("expected Find to locate the inserted node")
	}
	if got.ID != n.ID {
		t.Errorf("Find returned wrong node")
	}
}

func TestInsertRejectsLocalID(t *testing.T) {
	local := idFromByte(t, 0x00)
	rt := New(local, 4, &logger.NullLogger{})
	ok, _, _ := rt.Insert(kbucket.Node{ID: local})
	if ok {
		t.Errorf("expected inserting the local id to be rejected")
	}
}

func TestNodesAtDifferentPrefixLengthsLandInDifferentBuckets(t *testing.T) {
	local := idFromByte(t, 0x00)
	rt := New(local, 8, &logger.NullLogger{})

	// 0x80.. shares 0 leading bits with an all-zero local id (cpl=0).
	// 0x00..01 shares 159 leading bits (cpl=159). These must not collide.
	far := nodeAt(t, 0x80, 6001)
	near := kbucket.Node{ID: func() nodeid.NodeID {
		id := idFromByte(t, 0x00)
		id[19] = 0x01
		return id
	}(), Endpoint: far.Endpoint, LastSeen: time.Now()}

	rt.Insert(far)
	rt.Insert(near)

	if rt.NumNodes() != 2 {
		t.Fatalf("NumNodes = %d, want 2", rt.NumNodes())
	}
	if len(rt.buckets) != 2 {
		t.Fatalf("buckets = %d, want 2 (one per prefix length)", len(rt.buckets))
	}
}

func TestClosestNodesOrdering(t *testing.T) {
	local := idFromByte(t, 0x00)
	rt := New(local, 8, &logger.NullLogger{})

	for i := byte(1); i <= 5; i++ {
		rt.Insert(nodeAt(t, i, uint16(6000+int(i))))
	}

	target := idFromByte(t, 0x01)
	closest := rt.ClosestNodes(target, 2)
	if len(closest) != 2 {
		t.Fatalf("ClosestNodes returned %d nodes, want 2", len(closest))
	}
	if closest[0].ID != idFromByte(t, 0x01) {
		t.Errorf("closest[0] should be the exact match for the target")
	}
}

func TestReplaceStale(t *testing.T) {
	local := idFromByte(t, 0x00)
	rt := New(local, 1, &logger.NullLogger{})

	stale := nodeAt(t, 0x80, 6001)
	rt.Insert(stale)

	replacement := nodeAt(t, 0x81, 6002)
	ok, evict, hasEvict := rt.Insert(replacement)
	if ok || !hasEvict {
		t.Fatalf("expected full bucket to refuse insert and offer eviction candidate")
	}
	if evict.ID != stale.ID {
		t.Fatalf("eviction candidate should be the existing stale node")
	}

	if !rt.ReplaceStale(stale.ID, replacement) {
		t.Fatalf("ReplaceStale should succeed once the stale node is confirmed dead")
	}
	if rt.Contains(stale.ID) {
		t.Errorf("stale node should have been removed")
	}
	if !rt.Contains(replacement.ID) {
		t.Errorf("replacement node should now be present")
	}
}
