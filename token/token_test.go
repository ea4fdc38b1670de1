package token

import (
	"net"
	"testing"
	"time"

	"github.com/taipei-labs/dhtcrawl/endpoint"
)

func mustEndpoint(t *testing.T, ip string, port uint16) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(net.ParseIP(ip), port)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestGenerateThenVerifySucceeds(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatal(err)
	}
	ep := mustEndpoint(t, "203.0.113.5", 6881)
	tok := m.Generate(ep)
	if !m.Verify(ep, tok) {
		t.Errorf("expected a freshly generated token to verify")
	}
}

func TestVerifyRejectsWrongEndpoint(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatal(err)
	}
	tok := m.Generate(mustEndpoint(t, "203.0.113.5", 6881))
	if m.Verify(mustEndpoint(t, "203.0.113.6", 6881), tok) {
		t.Errorf("token minted for one endpoint should not verify for another")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatal(err)
	}
	ep := mustEndpoint(t, "203.0.113.5", 6881)
	if m.Verify(ep, []byte("not-a-real-token")) {
		t.Errorf("expected garbage token to be rejected")
	}
	if m.Verify(ep, nil) {
		t.Errorf("expected empty token to be rejected")
	}
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	m, err := NewManagerWithInterval(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ep := mustEndpoint(t, "203.0.113.5", 6881)
	tok := m.Generate(ep)

	time.Sleep(15 * time.Millisecond)
	// Force a rotation to happen on this call.
	m.Generate(mustEndpoint(t, "198.51.100.1", 6882))

	if !m.Verify(ep, tok) {
		t.Errorf("expected a token minted just before rotation to still verify against the previous secret")
	}
}

func TestTokenExpiresAfterTwoRotations(t *testing.T) {
	m, err := NewManagerWithInterval(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ep := mustEndpoint(t, "203.0.113.5", 6881)
	tok := m.Generate(ep)

	time.Sleep(15 * time.Millisecond)
	m.Generate(mustEndpoint(t, "198.51.100.1", 6882)) // rotation 1

	time.Sleep(15 * time.Millisecond)
	m.Generate(mustEndpoint(t, "198.51.100.2", 6883)) // rotation 2

	if m.Verify(ep, tok) {
		t.Errorf("expected a token to expire after two full rotation intervals")
	}
}
