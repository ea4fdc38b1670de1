// Package routingtable implements the Kademlia routing table: one k-bucket
// per exact common-prefix-length with the local node id, kept in a map and
// created on demand.
package routingtable

import (
	"expvar"
	"sort"
	"sync"

	"github.com/taipei-labs/dhtcrawl/kbucket"
	"github.com/taipei-labs/dhtcrawl/logger"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

var (
	totalNodesAdded   = expvar.NewInt("routingtable.totalNodesAdded")
	totalNodesRemoved = expvar.NewInt("routingtable.totalNodesRemoved")
)

// RoutingTable holds one KBucket per common-prefix-length actually observed
// so far. Buckets are created lazily the first time a node at that prefix
// length is inserted; an untouched prefix length has no bucket at all
// rather than an empty placeholder, since a freshly started crawler has only
// ever populated a handful of them.
type RoutingTable struct {
	mu      sync.RWMutex
	localID nodeid.NodeID
	k       int
	buckets map[int]*kbucket.KBucket
	log     logger.DebugLogger
}

// New creates a routing table for localID. k is the per-bucket capacity
// (kbucket.K if <= 0).
func New(localID nodeid.NodeID, k int, log logger.DebugLogger) *RoutingTable {
	if k <= 0 {
		k = kbucket.K
	}
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &RoutingTable{
		localID: localID,
		k:       k,
		buckets: make(map[int]*kbucket.KBucket),
		log:     log,
	}
}

// bucketFor returns the bucket for id's common-prefix-length with localID,
// creating it if this is the first node ever seen at that prefix length.
func (rt *RoutingTable) bucketFor(id nodeid.NodeID) *kbucket.KBucket {
	cpl := rt.localID.CommonPrefixLen(id)

	rt.mu.RLock()
	b, ok := rt.buckets[cpl]
	rt.mu.RUnlock()
	if ok {
		return b
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if b, ok := rt.buckets[cpl]; ok {
		return b
	}
	b = kbucket.New(cpl, rt.k)
	rt.buckets[cpl] = b
	return b
}

// Insert attempts to add n to the table. If the owning bucket is full, ok is
// false and evictCandidate names the least-recently-seen node in that
// bucket; the caller is expected to ping it and call ReplaceStale with the
// result rather than inserting n directly.
func (rt *RoutingTable) Insert(n kbucket.Node) (ok bool, evictCandidate kbucket.Node, hasEvictCandidate bool) {
	if n.ID == rt.localID {
		return false, kbucket.Node{}, false
	}
	b := rt.bucketFor(n.ID)
	ok, evictCandidate, hasEvictCandidate = b.TryInsert(n)
	if ok {
		totalNodesAdded.Add(1)
		rt.log.Debugf("routingtable: inserted %s at prefix length %d", n.ID, b.PrefixLen())
	}
	return ok, evictCandidate, hasEvictCandidate
}

// ReplaceStale is called after the caller pinged a full bucket's eviction
// candidate and it failed to respond: stale is removed and replacement takes
// its place. If stale did respond, the caller should simply call Update
// instead and drop replacement.
func (rt *RoutingTable) ReplaceStale(stale nodeid.NodeID, replacement kbucket.Node) bool {
	b := rt.bucketFor(stale)
	if !b.Remove(stale) {
		return false
	}
	totalNodesRemoved.Add(1)
	ok, _, _ := b.TryInsert(replacement)
	if ok {
		totalNodesAdded.Add(1)
	}
	return ok
}

// Update refreshes an already-known node's endpoint and last-seen time.
func (rt *RoutingTable) Update(n kbucket.Node) bool {
	return rt.bucketFor(n.ID).Update(n)
}

// Remove evicts a node by id.
func (rt *RoutingTable) Remove(id nodeid.NodeID) bool {
	if rt.bucketFor(id).Remove(id) {
		totalNodesRemoved.Add(1)
		return true
	}
	return false
}

// Find looks up a node by id.
func (rt *RoutingTable) Find(id nodeid.NodeID) (kbucket.Node, bool) {
	return rt.bucketFor(id).Find(id)
}

// Contains reports whether id is already tracked.
func (rt *RoutingTable) Contains(id nodeid.NodeID) bool {
	return rt.bucketFor(id).Contains(id)
}

// NumNodes returns the total number of nodes across every bucket.
func (rt *RoutingTable) NumNodes() int {
	rt.mu.RLock()
	bs := make([]*kbucket.KBucket, 0, len(rt.buckets))
	for _, b := range rt.buckets {
		bs = append(bs, b)
	}
	rt.mu.RUnlock()

	total := 0
	for _, b := range bs {
		total += b.Len()
	}
	return total
}

// ClosestNodes returns up to count nodes closest to target by XOR distance,
// drawn from across all buckets. This is the primitive the lookup engine and
// find_node/get_peers reply handlers both build on.
func (rt *RoutingTable) ClosestNodes(target nodeid.NodeID, count int) []kbucket.Node {
	rt.mu.RLock()
	bs := make([]*kbucket.KBucket, 0, len(rt.buckets))
	for _, b := range rt.buckets {
		bs = append(bs, b)
	}
	rt.mu.RUnlock()

	all := make([]kbucket.Node, 0, count*2)
	for _, b := range bs {
		all = append(all, b.Snapshot()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return nodeid.Less(target, all[i].ID, all[j].ID)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Snapshot returns every node currently tracked, in no particular order.
// Used by the session's RoutingTableSnapshot for diagnostics.
func (rt *RoutingTable) Snapshot() []kbucket.Node {
	rt.mu.RLock()
	bs := make([]*kbucket.KBucket, 0, len(rt.buckets))
	for _, b := range rt.buckets {
		bs = append(bs, b)
	}
	rt.mu.RUnlock()

	all := make([]kbucket.Node, 0)
	for _, b := range bs {
		all = append(all, b.Snapshot()...)
	}
	return all
}

// LocalID returns the local node id this table is organized around.
func (rt *RoutingTable) LocalID() nodeid.NodeID {
	return rt.localID
}
