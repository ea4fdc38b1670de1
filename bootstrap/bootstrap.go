// Package bootstrap implements the startup procedure that gets a freshly
// started crawler's routing table populated enough to begin exploring the
// DHT on its own: ping a handful of well-known seed nodes, then run a few
// find_node lookups toward random targets to pull in a broad first slice of
// the keyspace.
//
// Like the lookup package, Bootstrap does not talk to the network itself.
// It is a small state machine the session drives: PendingPings gives back
// the endpoints to ping, PingResult reports each reply, and once a seed has
// answered it hands back random lookup targets for the session to run
// through the lookup package.
package bootstrap

import (
	"fmt"
	"sync"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

// Default tuning constants, overridable via Config.
const (
	PingWindow    = 1500 * time.Millisecond
	RandomLookups = 3
	Deadline      = 30 * time.Second
)

// ErrBootstrapFailed is returned by Outcome when no seed ever answered
// within the deadline, leaving the routing table empty.
var ErrBootstrapFailed = fmt.Errorf("bootstrap: no seed node responded before the deadline")

// Phase is which stage of the procedure a Bootstrap is in.
type Phase int

const (
	// PhasePinging is pinging the seed endpoints, waiting for at least one
	// reply.
	PhasePinging Phase = iota
	// PhaseLookups is running RandomLookups find_node lookups toward random
	// targets, having heard from at least one seed.
	PhaseLookups
	// PhaseDone is finished, successfully or not; see Outcome.
	PhaseDone
)

// Config bundles the tunable parameters of a Bootstrap. Zero values are
// replaced with package defaults.
type Config struct {
	PingWindow    time.Duration
	RandomLookups int
	Deadline      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingWindow <= 0 {
		c.PingWindow = PingWindow
	}
	if c.RandomLookups <= 0 {
		c.RandomLookups = RandomLookups
	}
	if c.Deadline <= 0 {
		c.Deadline = Deadline
	}
	return c
}

type seedState struct {
	endpoint endpoint.Endpoint
	pinged   bool
	answered bool
}

// Bootstrap tracks one bootstrap attempt from a set of seed endpoints. It is
// safe for concurrent use: ping replies arrive on the session's receive loop
// while Advance runs on its main loop.
type Bootstrap struct {
	mu            sync.Mutex
	cfg           Config
	seeds         []*seedState
	phase         Phase
	pingDeadline  time.Time
	started       time.Time
	deadline      time.Time
	lookupsIssued int
	anyResponded  bool
}

// New creates a Bootstrap against the given seed endpoints (typically the
// well-known public bootstrap nodes plus any saved from a previous run).
func New(seeds []endpoint.Endpoint, cfg Config) *Bootstrap {
	cfg = cfg.withDefaults()
	now := time.Now()
	states := make([]*seedState, len(seeds))
	for i, s := range seeds {
		states[i] = &seedState{endpoint: s}
	}
	return &Bootstrap{
		cfg:          cfg,
		seeds:        states,
		phase:        PhasePinging,
		pingDeadline: now.Add(cfg.PingWindow),
		started:      now,
		deadline:     now.Add(cfg.Deadline),
	}
}

// Phase returns the current stage of the procedure.
func (b *Bootstrap) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// PendingPings returns the seed endpoints not yet pinged, marking them
// pinged, and starts the ping window from this moment when it returns any.
// Called once at the start of the pinging phase (and is a no-op on every
// later call, since there is nothing left to mark).
func (b *Bootstrap) PendingPings() []endpoint.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []endpoint.Endpoint
	for _, s := range b.seeds {
		if !s.pinged {
			s.pinged = true
			out = append(out, s.endpoint)
		}
	}
	if len(out) > 0 && b.phase == PhasePinging {
		b.pingDeadline = time.Now().Add(b.cfg.PingWindow)
	}
	return out
}

// PingResult records that ep answered a ping.
func (b *Bootstrap) PingResult(ep endpoint.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.seeds {
		if s.endpoint.Equal(ep) {
			s.answered = true
		}
	}
	b.anyResponded = true
}

// Advance transitions PhasePinging to PhaseLookups once a seed has answered
// (the session is expected to call this on every tick of its main loop).
// It returns the random lookup targets to start once the transition happens,
// or nil if nothing changed. If the ping window elapses with no seed having
// answered, it moves straight to PhaseDone and returns nil; Outcome then
// reports ErrBootstrapFailed.
func (b *Bootstrap) Advance(now time.Time) []nodeid.NodeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhasePinging {
		return nil
	}
	if !b.anyResponded && now.Before(b.pingDeadline) {
		return nil
	}
	if !b.anyResponded {
		b.phase = PhaseDone
		return nil
	}

	b.phase = PhaseLookups
	targets := make([]nodeid.NodeID, b.cfg.RandomLookups)
	for i := range targets {
		id, err := nodeid.Secure()
		if err != nil {
			// Entropy failure is fatal elsewhere in the process; here, fall
			// back to fewer lookups rather than panicking mid-bootstrap.
			targets = targets[:i]
			break
		}
		targets[i] = id
	}
	b.lookupsIssued = len(targets)
	return targets
}

// LookupCompleted records that one of the random lookups finished. Once all
// of them have, the bootstrap moves to PhaseDone.
func (b *Bootstrap) LookupCompleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseLookups {
		return
	}
	b.lookupsIssued--
	if b.lookupsIssued <= 0 {
		b.phase = PhaseDone
	}
}

// Expired reports whether the overall bootstrap deadline has passed,
// regardless of phase. The session should treat this the same as reaching
// PhaseDone.
func (b *Bootstrap) Expired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.After(b.deadline)
}

// Outcome reports the final result once Phase is PhaseDone (or Expired):
// nil if at least one seed answered, ErrBootstrapFailed otherwise.
func (b *Bootstrap) Outcome() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.anyResponded {
		return ErrBootstrapFailed
	}
	return nil
}
