// Package lookup implements the iterative find_node/get_peers procedure:
// starting from a handful of seed nodes, repeatedly query the closest
// not-yet-queried candidates to a target id, folding each response's nodes
// back into the candidate set, until the closest k candidates have all
// responded and no closer unqueried one remains (or a deadline expires).
//
// A Lookup does not send or receive packets itself. It is a pure state
// machine: the caller (the session's main loop) asks NextQueries for what
// to send and runs CheckTimeouts, and the session's receive loop feeds
// OnResponse back in as replies arrive. This keeps the lookup's lock from ever being held across
// a network send, matching the rest of this module's locking discipline.
package lookup

import (
	"sort"
	"sync"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/kbucket"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

// Default tuning constants, overridable via Config.
const (
	Alpha        = 3
	K            = kbucket.K
	QueryTimeout = 1500 * time.Millisecond
	MaxTimeouts  = 2
	Deadline     = 5 * time.Second
)

// Method names a lookup can be querying for.
const (
	MethodFindNode = "find_node"
	MethodGetPeers = "get_peers"
)

// State is a candidate node's position in the lookup state machine.
type State int

const (
	Unknown State = iota
	Queried
	Responded
	Failed
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Queried:
		return "queried"
	case Responded:
		return "responded"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Config bundles the tunable parameters of a Lookup. Zero values in a
// Config passed to New are replaced with the package defaults.
type Config struct {
	Alpha        int
	K            int
	QueryTimeout time.Duration
	MaxTimeouts  int
	Deadline     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 {
		c.Alpha = Alpha
	}
	if c.K <= 0 {
		c.K = K
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = QueryTimeout
	}
	if c.MaxTimeouts <= 0 {
		c.MaxTimeouts = MaxTimeouts
	}
	if c.Deadline <= 0 {
		c.Deadline = Deadline
	}
	return c
}

type candidate struct {
	node      kbucket.Node
	state     State
	timeouts  int
	queriedAt time.Time
	token     []byte
}

// Lookup drives a single find_node or get_peers iterative search toward
// Target.
type Lookup struct {
	mu         sync.Mutex
	target     nodeid.NodeID
	method     string
	cfg        Config
	candidates map[nodeid.NodeID]*candidate
	values     []endpoint.Endpoint
	valueSet   map[string]bool
	started    time.Time
	deadline   time.Time
}

// New creates a Lookup toward target, seeded with the given starting
// candidates (typically the closest nodes the routing table already knows).
func New(target nodeid.NodeID, method string, seeds []kbucket.Node, cfg Config) *Lookup {
	cfg = cfg.withDefaults()
	now := time.Now()
	l := &Lookup{
		target:     target,
		method:     method,
		cfg:        cfg,
		candidates: make(map[nodeid.NodeID]*candidate, len(seeds)),
		valueSet:   make(map[string]bool),
		started:    now,
		deadline:   now.Add(cfg.Deadline),
	}
	for _, s := range seeds {
		l.candidates[s.ID] = &candidate{node: s, state: Unknown}
	}
	return l
}

// Target returns the id this lookup is searching toward.
func (l *Lookup) Target() nodeid.NodeID { return l.target }

// Method returns whether this is a find_node or get_peers lookup.
func (l *Lookup) Method() string { return l.method }

// AddCandidates merges newly learned nodes into the candidate set. Nodes
// already known (by id) are left with their existing state untouched; this
// is how a response's returned nodes feed back into future rounds.
func (l *Lookup) AddCandidates(nodes []kbucket.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range nodes {
		// A node can claim to be the target itself; still worth querying,
		// so no special case for n.ID == l.target here.
		if _, exists := l.candidates[n.ID]; !exists {
			l.candidates[n.ID] = &candidate{node: n, state: Unknown}
		}
	}
}

// OnGetPeersToken records the opaque announce_peer token a get_peers
// response from id carried, so a later announce_peer to the same node can
// present it back. A response from a node that is not among this lookup's
// candidates is ignored, same as OnResponse.
func (l *Lookup) OnGetPeersToken(id nodeid.NodeID, token []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.candidates[id]; ok {
		c.token = token
	}
}

// Token returns the token previously recorded for id via OnGetPeersToken.
func (l *Lookup) Token(id nodeid.NodeID) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.candidates[id]
	if !ok || c.token == nil {
		return nil, false
	}
	return c.token, true
}

// AddValues records get_peers "values" peers found so far, deduplicated by
// endpoint.
func (l *Lookup) AddValues(values []endpoint.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range values {
		key := v.String()
		if l.valueSet[key] {
			continue
		}
		l.valueSet[key] = true
		l.values = append(l.values, v)
	}
}

// activeSortedLocked returns non-Failed candidates sorted closest-first.
// Caller must hold l.mu.
func (l *Lookup) activeSortedLocked() []*candidate {
	active := make([]*candidate, 0, len(l.candidates))
	for _, c := range l.candidates {
		if c.state != Failed {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return nodeid.Less(l.target, active[i].node.ID, active[j].node.ID)
	})
	return active
}

// NextQueries returns up to the number of Unknown candidates needed to bring
// the number of in-flight (Queried) transactions up to Alpha, preferring the
// candidates closest to the target. Each returned node is marked Queried
// with queriedAt set to now. Returns nil once nothing more is worth sending
// (either the lookup has converged or every remaining candidate is already
// in flight or dead).
func (l *Lookup) NextQueries(now time.Time) []kbucket.Node {
	l.mu.Lock()
	defer l.mu.Unlock()

	inFlight := 0
	for _, c := range l.candidates {
		if c.state == Queried {
			inFlight++
		}
	}
	budget := l.cfg.Alpha - inFlight
	if budget <= 0 {
		return nil
	}
	if l.convergedLocked() {
		return nil
	}

	active := l.activeSortedLocked()
	var out []kbucket.Node
	for _, c := range active {
		if len(out) >= budget {
			break
		}
		if c.state != Unknown {
			continue
		}
		c.state = Queried
		c.queriedAt = now
		out = append(out, c.node)
	}
	return out
}

// OnResponse marks id as Responded. The caller should also call
// AddCandidates/AddValues with whatever the response contained. Responses
// from a node that is not among this lookup's candidates (a stray or forged
// packet) are silently ignored.
func (l *Lookup) OnResponse(id nodeid.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.candidates[id]
	if !ok {
		return
	}
	c.state = Responded
}

// CheckTimeouts scans in-flight queries older than the configured query
// timeout. A candidate that has now timed out MaxTimeouts times is marked
// Failed and excluded from all further consideration; otherwise it reverts
// to Unknown so NextQueries may retry it. Returns the ids that transitioned
// to Failed in this call, for logging/metrics.
func (l *Lookup) CheckTimeouts(now time.Time) []nodeid.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var failed []nodeid.NodeID
	for id, c := range l.candidates {
		if c.state != Queried {
			continue
		}
		if now.Sub(c.queriedAt) < l.cfg.QueryTimeout {
			continue
		}
		c.timeouts++
		if c.timeouts >= l.cfg.MaxTimeouts {
			c.state = Failed
			failed = append(failed, id)
		} else {
			c.state = Unknown
		}
	}
	return failed
}

// Converged reports whether the k closest active candidates have all
// responded and no closer unqueried (or in-flight) candidate remains,
// the standard Kademlia iterative-lookup termination condition.
func (l *Lookup) Converged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.convergedLocked()
}

func (l *Lookup) convergedLocked() bool {
	active := l.activeSortedLocked()
	if len(active) == 0 {
		return true
	}
	n := l.cfg.K
	if n > len(active) {
		n = len(active)
	}
	for _, c := range active[:n] {
		if c.state != Responded {
			return false
		}
	}
	return true
}

// Done reports whether the lookup should stop: either it has converged or
// its deadline has passed.
func (l *Lookup) Done(now time.Time) (done bool, timedOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.After(l.deadline) {
		return true, true
	}
	return l.convergedLocked(), false
}

// Results returns the k closest Responded nodes (the lookup's answer to
// "who is closest to the target"), and for a get_peers lookup, every peer
// endpoint collected along the way. If the lookup ended on its deadline
// with fewer than k Responded candidates, the result is padded out with the
// closest candidates that never answered (still Unknown or in flight), so a
// caller that hit the deadline early still gets k candidates to work with
// when the table had that many to offer.
func (l *Lookup) Results() (closest []kbucket.Node, values []endpoint.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := l.activeSortedLocked()
	for _, c := range active {
		if c.state != Responded {
			continue
		}
		closest = append(closest, c.node)
		if len(closest) >= l.cfg.K {
			break
		}
	}
	if len(closest) < l.cfg.K {
		for _, c := range active {
			if len(closest) >= l.cfg.K {
				break
			}
			if c.state == Responded {
				continue
			}
			closest = append(closest, c.node)
		}
	}
	values = make([]endpoint.Endpoint, len(l.values))
	copy(values, l.values)
	return closest, values
}
