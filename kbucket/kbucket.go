// Package kbucket implements a single Kademlia k-bucket: a capacity-bounded,
// least-recently-seen-ordered list of nodes sharing a common prefix length
// with the local node id.
package kbucket

import (
	"sync"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

// K is the default bucket capacity, the "k" in Kademlia.
const K = 8

// Node is a routing table entry: a remote node id, the endpoint it was last
// seen at, and when it was last seen.
type Node struct {
	ID       nodeid.NodeID
	Endpoint endpoint.Endpoint
	LastSeen time.Time
}

// KBucket holds up to k nodes, ordered oldest-seen-first. The ordering is
// what a replacement policy acts on: a fresh contact for a full bucket is
// not admitted outright, it is handed back to the caller as an eviction
// candidate to ping first, per standard Kademlia practice (stable nodes are
// worth more than new ones).
type KBucket struct {
	mu          sync.RWMutex
	prefixLen   int
	k           int
	nodes       []Node // index 0 = least recently seen, last = most recently seen
	lastChanged time.Time
}

// New creates an empty bucket for the given common-prefix-length with
// capacity k.
func New(prefixLen, k int) *KBucket {
	if k <= 0 {
		k = K
	}
	return &KBucket{
		prefixLen:   prefixLen,
		k:           k,
		nodes:       make([]Node, 0, k),
		lastChanged: time.Now(),
	}
}

// PrefixLen returns the common-prefix-length this bucket was created for.
func (b *KBucket) PrefixLen() int {
	return b.prefixLen
}

// Len reports how many nodes the bucket currently holds.
func (b *KBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// IsFull reports whether the bucket is at capacity.
func (b *KBucket) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes) >= b.k
}

// IsEmpty reports whether the bucket holds no nodes.
func (b *KBucket) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes) == 0
}

// Contains reports whether id is already present.
func (b *KBucket) Contains(id nodeid.NodeID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.indexOf(id) >= 0
}

// Find returns the node with the given id, if present.
func (b *KBucket) Find(id nodeid.NodeID) (Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i], true
	}
	return Node{}, false
}

// indexOf must be called with at least a read lock held.
func (b *KBucket) indexOf(id nodeid.NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// TryInsert attempts to add a new node to the bucket. If the bucket has
// room, the node is appended as most-recently-seen and ok is true. If the
// bucket is full, ok is false and evictCandidate is the least-recently-seen
// node, which the caller should ping before deciding whether to evict it and
// retry. Inserting a node already present is a no-op that behaves like
// Update.
func (b *KBucket) TryInsert(n Node) (ok bool, evictCandidate Node, hasEvictCandidate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(n.ID); i >= 0 {
		b.touch(i, n)
		return true, Node{}, false
	}
	if len(b.nodes) < b.k {
		b.nodes = append(b.nodes, n)
		b.lastChanged = time.Now()
		return true, Node{}, false
	}
	return false, b.nodes[0], true
}

// Update refreshes an existing node's endpoint and last-seen time, moving it
// to the most-recently-seen position. It reports whether the node was
// present.
func (b *KBucket) Update(n Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(n.ID); i >= 0 {
		b.touch(i, n)
		return true
	}
	return false
}

// touch must be called with the write lock held. It replaces the node at i
// and moves it to the back (most-recently-seen) of the slice.
func (b *KBucket) touch(i int, n Node) {
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, n)
	b.lastChanged = time.Now()
}

// Remove evicts a node by id, reporting whether it was present.
func (b *KBucket) Remove(id nodeid.NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.lastChanged = time.Now()
		return true
	}
	return false
}

// Oldest returns the least-recently-seen node without removing it.
func (b *KBucket) Oldest() (Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.nodes) == 0 {
		return Node{}, false
	}
	return b.nodes[0], true
}

// Snapshot returns a copy of the bucket's nodes, oldest first.
func (b *KBucket) Snapshot() []Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Node, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// LastChanged returns when the bucket's membership or ordering last changed.
func (b *KBucket) LastChanged() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastChanged
}
