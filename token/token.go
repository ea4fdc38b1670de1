// Package token implements the announce_peer "token" anti-spoofing
// mechanism: a time-rotated, keyed MAC over the requester's endpoint that
// must be echoed back on a later announce_peer, preventing off-path
// attackers from forging announces for endpoints they don't control.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
)

// TotalRotations counts how many times any Manager has rotated its secret,
// for observability alongside the session's other expvar counters.
var TotalRotations = expvar.NewInt("dhtcrawl.token.totalRotations")

// RotationInterval is how often the current secret is retired to "previous"
// and a fresh one generated. Tokens minted under the outgoing secret remain
// valid for one further interval, since a get_peers/announce_peer pair
// routinely straddles a rotation boundary.
const RotationInterval = 5 * time.Minute

// secretSize is the width of each rotating HMAC key.
const secretSize = 16

// Manager mints and verifies tokens. It is safe for concurrent use.
type Manager struct {
	mu             sync.Mutex
	currentSecret  []byte
	previousSecret []byte
	lastRotation   time.Time
	interval       time.Duration
}

// NewManager creates a Manager with a freshly generated secret.
func NewManager() (*Manager, error) {
	return NewManagerWithInterval(RotationInterval)
}

// NewManagerWithInterval creates a Manager with a custom rotation interval,
// mainly so tests can force rotations without waiting RotationInterval.
func NewManagerWithInterval(interval time.Duration) (*Manager, error) {
	m := &Manager{interval: interval}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	m.currentSecret = secret
	m.lastRotation = time.Now()
	return m, nil
}

func randomSecret() ([]byte, error) {
	b := make([]byte, secretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("token: generating secret: %w", err)
	}
	return b, nil
}

// maybeRotate must be called with the lock held.
func (m *Manager) maybeRotate() {
	now := time.Now()
	if now.Sub(m.lastRotation) < m.interval {
		return
	}
	secret, err := randomSecret()
	if err != nil {
		// Keep the old secret rather than leaving the manager without one;
		// the next call will try rotating again.
		return
	}
	m.previousSecret = m.currentSecret
	m.currentSecret = secret
	m.lastRotation = now
	TotalRotations.Add(1)
}

// Generate mints a token bound to ep under the current secret, rotating the
// secret first if the rotation interval has elapsed.
func (m *Manager) Generate(ep endpoint.Endpoint) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeRotate()
	return macFor(ep, m.currentSecret)
}

// Verify reports whether token was minted by this manager for ep, under
// either the current or the immediately preceding secret. Comparison is
// constant-time to avoid leaking the token's contents through response
// timing.
func (m *Manager) Verify(ep endpoint.Endpoint, token []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeRotate()

	if len(token) == 0 {
		return false
	}
	if subtle.ConstantTimeCompare(token, macFor(ep, m.currentSecret)) == 1 {
		return true
	}
	if m.previousSecret != nil && subtle.ConstantTimeCompare(token, macFor(ep, m.previousSecret)) == 1 {
		return true
	}
	return false
}

// macFor computes the keyed MAC for an endpoint. HMAC-SHA1 is used instead
// of a bare hash so that knowing the endpoint string does not help an
// attacker without the secret forge a token (a plain sha1(endpoint||secret)
// construction, as some DHT implementations use, is vulnerable to
// length-extension; HMAC is not).
func macFor(ep endpoint.Endpoint, secret []byte) []byte {
	h := hmac.New(sha1.New, secret)
	h.Write([]byte(ep.String()))
	return h.Sum(nil)
}
