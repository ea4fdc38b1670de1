// Package transaction tracks in-flight KRPC queries by their two-byte
// transaction id, matching asynchronous UDP responses back to the query
// that caused them and timing out queries that never get one.
//
// Unlike the per-remote-node transaction bookkeeping an earlier generation
// of this crawler used, tracking lives in one process-wide registry keyed
// purely by transaction id. A lookup or bootstrap routine can be waiting on
// a reply from any of thousands of candidate nodes at once; keying by node
// would mean walking every node to find out which of them timed out; keying
// by transaction id makes both completion and sweeping O(1) and O(n) in the
// number of outstanding transactions, not in the size of the routing table.
package transaction

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
)

// IDLen is the width, in bytes, of a transaction id. BEP 5 allows any
// length; two bytes gives 65536 concurrently distinguishable transactions,
// comfortably more than this crawler ever has in flight at once.
const IDLen = 2

// Pending describes an outstanding query, returned by Sweep for each entry
// that has timed out.
type Pending struct {
	ID       string
	Method   string
	Endpoint endpoint.Endpoint
	Started  time.Time
}

type entry struct {
	method   string
	endpoint endpoint.Endpoint
	started  time.Time
}

// Registry tracks outstanding transactions. It is safe for concurrent use.
// Registry does not run its own timer; the caller (the session's main loop)
// is expected to call Sweep periodically, keeping the fixed lock order the
// rest of this package follows: no background goroutine here takes a lock
// the session doesn't already know about.
type Registry struct {
	mu      sync.Mutex
	pending map[string]entry
	ttl     time.Duration
}

// NewRegistry creates a Registry whose transactions expire after ttl if
// unanswered.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		pending: make(map[string]entry),
		ttl:     ttl,
	}
}

// Begin allocates a fresh transaction id not currently in use, records the
// query's method and destination endpoint, and returns the id to embed in
// the outgoing message's "t" field.
func (r *Registry) Begin(method string, ep endpoint.Endpoint) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 64; attempt++ {
		id := make([]byte, IDLen)
		if _, err := rand.Read(id); err != nil {
			return nil, fmt.Errorf("transaction: generating id: %w", err)
		}
		key := string(id)
		if _, exists := r.pending[key]; exists {
			continue
		}
		r.pending[key] = entry{method: method, endpoint: ep, started: time.Now()}
		return id, nil
	}
	return nil, fmt.Errorf("transaction: could not allocate a free id after 64 attempts")
}

// Complete looks up and removes the transaction named by tid, as when a
// response or error arrives. ok is false if tid is unknown (already
// completed, timed out, or never issued, e.g. a stray/forged response).
func (r *Registry) Complete(tid []byte) (method string, ep endpoint.Endpoint, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.pending[string(tid)]
	if !exists {
		return "", endpoint.Endpoint{}, false
	}
	delete(r.pending, string(tid))
	return e.method, e.endpoint, true
}

// Sweep removes and returns every transaction older than the registry's
// ttl as of now.
func (r *Registry) Sweep(now time.Time) []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	var timedOut []Pending
	for key, e := range r.pending {
		if now.Sub(e.started) >= r.ttl {
			timedOut = append(timedOut, Pending{
				ID:       key,
				Method:   e.method,
				Endpoint: e.endpoint,
				Started:  e.started,
			})
			delete(r.pending, key)
		}
	}
	return timedOut
}

// Len reports how many transactions are currently outstanding.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
