package krpc

import (
	"net"
	"testing"

	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

func mustID(t *testing.T, b byte) nodeid.NodeID {
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

func TestDecodeLiteralPingQuery(t *testing.T) {
	wire := []byte("d1:ad2:id20:0123456789ABCDEFGHIJe1:q4:ping1:t2:aa1:y1:qe")
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeQuery || msg.Query == nil {
		t.Fatalf("expected a query, got %#v", msg)
	}
	if msg.Query.Method != MethodPing {
		t.Errorf("method = %q, want ping", msg.Query.Method)
	}
	if string(msg.TransactionID) != "aa" {
		t.Errorf("transaction id = %q, want aa", msg.TransactionID)
	}
	wantID, err := nodeid.FromBytes([]byte("0123456789ABCDEFGHIJ"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Query.ID != wantID {
		t.Errorf("sender id = %s, want %s", msg.Query.ID, wantID)
	}
}

func TestPingQueryRoundTrip(t *testing.T) {
	id := mustID(t, 0x11)
	wire, err := EncodeQuery([]byte("aa"), Query{Method: MethodPing, ID: id})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeQuery || msg.Query == nil {
		t.Fatalf("expected a query, got %#v", msg)
	}
	if msg.Query.Method != MethodPing {
		t.Errorf("method = %q, want ping", msg.Query.Method)
	}
	if msg.Query.ID != id {
		t.Errorf("id mismatch")
	}
	if string(msg.TransactionID) != "aa" {
		t.Errorf("transaction id = %q, want aa", msg.TransactionID)
	}
}

func TestFindNodeResponseWithThreeCompactNodes(t *testing.T) {
	ids := []byte{0x01, 0x02, 0x03}
	nodes := make([]CompactNode, 0, 3)
	for i, b := range ids {
		ep, err := endpoint.New(net.IPv4(192, 168, 1, byte(i+1)), uint16(6881+i))
		if err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, CompactNode{ID: mustID(t, b), Endpoint: ep})
	}
	wire, err := EncodeResponse([]byte("bb"), MethodFindNode, Response{
		ID:    mustID(t, 0xAA),
		Nodes: nodes,
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Response == nil {
		t.Fatal("expected a response")
	}
	if len(msg.Response.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(msg.Response.Nodes))
	}
	for i, n := range msg.Response.Nodes {
		if n.ID != nodes[i].ID {
			t.Errorf("node %d id mismatch", i)
		}
		if !n.Endpoint.Equal(nodes[i].Endpoint) {
			t.Errorf("node %d endpoint mismatch: got %v, want %v", i, n.Endpoint, nodes[i].Endpoint)
		}
	}
}

func TestGetPeersResponseWithValues(t *testing.T) {
	ep1, _ := endpoint.New(net.IPv4(10, 0, 0, 1), 6881)
	ep2, _ := endpoint.New(net.IPv4(10, 0, 0, 2), 6882)
	wire, err := EncodeResponse([]byte("cc"), MethodGetPeers, Response{
		ID:     mustID(t, 0x05),
		Values: []endpoint.Endpoint{ep1, ep2},
		Token:  []byte("tok"),
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Response.Values) != 2 {
		t.Fatalf("got %d values, want 2", len(msg.Response.Values))
	}
	if !msg.Response.Values[0].Equal(ep1) || !msg.Response.Values[1].Equal(ep2) {
		t.Errorf("values mismatch: %v", msg.Response.Values)
	}
	if string(msg.Response.Token) != "tok" {
		t.Errorf("token = %q, want tok", msg.Response.Token)
	}
}

func TestAnnouncePeerQueryRoundTrip(t *testing.T) {
	wire, err := EncodeQuery([]byte("dd"), Query{
		Method:   MethodAnnouncePeer,
		ID:       mustID(t, 0x01),
		InfoHash: mustID(t, 0x02),
		Port:     6881,
		Token:    []byte("abc"),
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	q := msg.Query
	if q == nil {
		t.Fatal("expected a query")
	}
	if q.Port != 6881 {
		t.Errorf("port = %d, want 6881", q.Port)
	}
	if string(q.Token) != "abc" {
		t.Errorf("token = %q, want abc", q.Token)
	}
	if q.ImpliedPort {
		t.Errorf("implied_port should default to false")
	}
}

func TestErrorRoundTrip(t *testing.T) {
	wire, err := EncodeError([]byte("ee"), ErrorInfo{Code: ErrCodeProtocol, Message: "bad token"})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Error == nil {
		t.Fatal("expected an error message")
	}
	if msg.Error.Code != ErrCodeProtocol {
		t.Errorf("code = %d, want %d", msg.Error.Code, ErrCodeProtocol)
	}
	if msg.Error.Message != "bad token" {
		t.Errorf("message = %q, want %q", msg.Error.Message, "bad token")
	}
}

func TestDecodeRejectsOversizedDatagram(t *testing.T) {
	big := make([]byte, MaxDatagramSize+1)
	if _, err := Decode(big); err == nil {
		t.Errorf("expected an error for an oversized datagram")
	}
}

func TestFindNodeResponseWithEmptyNodes(t *testing.T) {
	wire, err := EncodeResponse([]byte("ff"), MethodFindNode, Response{ID: mustID(t, 0x01)})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Response.Nodes) != 0 {
		t.Errorf("expected zero nodes for an empty compact-node string")
	}
}
