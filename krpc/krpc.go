// Package krpc implements the KRPC message layer of the Mainline DHT wire
// protocol (BEP 5): typed queries, responses and errors on top of the
// bencode grammar, plus the compact node/peer encodings the protocol embeds
// inside "nodes", "nodes6" and "values".
package krpc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/taipei-labs/dhtcrawl/bencode"
	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

// MaxDatagramSize is the largest UDP datagram this package will attempt to
// decode. Anything larger is rejected as malformed without being parsed.
const MaxDatagramSize = 1500

// Type is the KRPC message class, carried as the top-level "y" key.
type Type byte

const (
	TypeQuery    Type = 'q'
	TypeResponse Type = 'r'
	TypeError    Type = 'e'
)

// Standard KRPC error codes (BEP 5 section "Errors").
const (
	ErrCodeGeneric        = 201
	ErrCodeServer         = 202
	ErrCodeProtocol       = 203
	ErrCodeMethodUnknown  = 204
)

// ErrMalformed wraps every decode failure that isn't already a bencode
// syntax error: a well-formed bencode dictionary that doesn't shape up into
// a KRPC message.
var ErrMalformed = errors.New("krpc: malformed message")

// ErrUnknownMethod is the specific ErrMalformed cause for a query naming a
// method this package doesn't implement, distinguished from other malformed
// queries so a caller can reply with ErrCodeMethodUnknown instead of
// ErrCodeProtocol.
var ErrUnknownMethod = fmt.Errorf("%w: unknown query method", ErrMalformed)

// Query method names.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Query is the "a" argument dictionary of a query message, generalized over
// all four methods this crawler speaks. Which fields are meaningful depends
// on Method.
type Query struct {
	Method      string
	ID          nodeid.NodeID
	Target      nodeid.NodeID // find_node
	InfoHash    nodeid.NodeID // get_peers, announce_peer
	Port        uint16        // announce_peer
	ImpliedPort bool          // announce_peer
	Token       []byte        // announce_peer
}

// Response is the "r" return-value dictionary. Which fields are populated
// depends on which query it answers; Nodes/Nodes6/Values/Token are nil
// unless present on the wire.
type Response struct {
	ID     nodeid.NodeID
	Nodes  []CompactNode
	Nodes6 []CompactNode
	Values []endpoint.Endpoint
	Token  []byte
}

// ErrorInfo is the "e" payload: a two-element list of [code, message] per
// BEP 5.
type ErrorInfo struct {
	Code    int
	Message string
}

// Message is a decoded KRPC envelope: transaction id, type tag, and exactly
// one of Query, Response or Error populated according to Type.
type Message struct {
	TransactionID []byte
	Type          Type
	Query         *Query
	Response      *Response
	Error         *ErrorInfo
}

// CompactNode pairs a node id with the endpoint it claims to be reachable
// at, the unit BEP 5 packs into "nodes" (v4) and "nodes6" (v6) strings.
type CompactNode struct {
	ID       nodeid.NodeID
	Endpoint endpoint.Endpoint
}

// EncodeQuery builds the wire bytes for a query message.
func EncodeQuery(tid []byte, q Query) ([]byte, error) {
	args := map[string]interface{}{
		"id": q.ID.Bytes(),
	}
	switch q.Method {
	case MethodFindNode:
		args["target"] = q.Target.Bytes()
	case MethodGetPeers:
		args["info_hash"] = q.InfoHash.Bytes()
	case MethodAnnouncePeer:
		args["info_hash"] = q.InfoHash.Bytes()
		args["port"] = int64(q.Port)
		args["token"] = q.Token
		if q.ImpliedPort {
			args["implied_port"] = int64(1)
		}
	case MethodPing:
		// no extra args
	default:
		return nil, fmt.Errorf("krpc: unknown query method %q", q.Method)
	}
	return bencode.Marshal(map[string]interface{}{
		"t": tid,
		"y": string(TypeQuery),
		"q": q.Method,
		"a": args,
	})
}

// EncodeResponse builds the wire bytes for a response to the query named by
// method, whose shape determines which of r's fields are emitted.
func EncodeResponse(tid []byte, method string, r Response) ([]byte, error) {
	ret := map[string]interface{}{
		"id": r.ID.Bytes(),
	}
	switch method {
	case MethodFindNode:
		ret["nodes"] = encodeCompactNodesV4(r.Nodes)
		if len(r.Nodes6) > 0 {
			ret["nodes6"] = encodeCompactNodesV6(r.Nodes6)
		}
	case MethodGetPeers:
		if len(r.Values) > 0 {
			values := make([]interface{}, 0, len(r.Values))
			for _, v := range r.Values {
				enc, err := encodeCompactPeer(v)
				if err != nil {
					return nil, err
				}
				values = append(values, enc)
			}
			ret["values"] = values
		} else {
			ret["nodes"] = encodeCompactNodesV4(r.Nodes)
			if len(r.Nodes6) > 0 {
				ret["nodes6"] = encodeCompactNodesV6(r.Nodes6)
			}
		}
		ret["token"] = r.Token
	case MethodAnnouncePeer, MethodPing:
		// id only
	default:
		return nil, fmt.Errorf("krpc: unknown response method %q", method)
	}
	return bencode.Marshal(map[string]interface{}{
		"t": tid,
		"y": string(TypeResponse),
		"r": ret,
	})
}

// EncodeError builds the wire bytes for an error message.
func EncodeError(tid []byte, e ErrorInfo) ([]byte, error) {
	return bencode.Marshal(map[string]interface{}{
		"t": tid,
		"y": string(TypeError),
		"e": []interface{}{int64(e.Code), e.Message},
	})
}

// Decode parses a raw KRPC datagram. The caller is expected to already know
// which query (if any) a response answers by transaction id, since the
// response dictionary itself doesn't name its method; Decode populates
// whichever of Nodes/Nodes6/Values/Token are present on the wire and leaves
// interpretation of which fields are "expected" to the caller.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: datagram of %d bytes exceeds max %d", ErrMalformed, len(data), MaxDatagramSize)
	}
	v, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	top, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrMalformed)
	}

	tid, ok := top["t"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: missing or non-string transaction id", ErrMalformed)
	}
	yRaw, ok := top["y"].([]byte)
	if !ok || len(yRaw) != 1 {
		return nil, fmt.Errorf("%w: missing or invalid message type", ErrMalformed)
	}

	msg := &Message{TransactionID: tid, Type: Type(yRaw[0])}

	// From here on, t and y are known good, so the transaction id is
	// recoverable even if the method-specific body doesn't parse. Returning
	// msg alongside the error (rather than nil) lets a caller still reply
	// with a proper KRPC error instead of dropping the datagram silently.
	switch msg.Type {
	case TypeQuery:
		q, err := decodeQuery(top)
		if err != nil {
			return msg, err
		}
		msg.Query = q
	case TypeResponse:
		r, err := decodeResponse(top)
		if err != nil {
			return msg, err
		}
		msg.Response = r
	case TypeError:
		e, err := decodeError(top)
		if err != nil {
			return msg, err
		}
		msg.Error = e
	default:
		return msg, fmt.Errorf("%w: unknown message type %q", ErrMalformed, yRaw)
	}
	return msg, nil
}

func decodeQuery(top map[string]interface{}) (*Query, error) {
	methodRaw, ok := top["q"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: query missing method name", ErrMalformed)
	}
	method := string(methodRaw)
	argsRaw, ok := top["a"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: query missing argument dictionary", ErrMalformed)
	}
	id, err := dictNodeID(argsRaw, "id")
	if err != nil {
		return nil, err
	}
	q := &Query{Method: method, ID: id}
	switch method {
	case MethodFindNode:
		q.Target, err = dictNodeID(argsRaw, "target")
		if err != nil {
			return nil, err
		}
	case MethodGetPeers:
		q.InfoHash, err = dictNodeID(argsRaw, "info_hash")
		if err != nil {
			return nil, err
		}
	case MethodAnnouncePeer:
		q.InfoHash, err = dictNodeID(argsRaw, "info_hash")
		if err != nil {
			return nil, err
		}
		port, ok := argsRaw["port"].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: announce_peer missing port", ErrMalformed)
		}
		if port < 0 || port > 0xFFFF {
			return nil, fmt.Errorf("%w: announce_peer port %d out of range", ErrMalformed, port)
		}
		q.Port = uint16(port)
		token, ok := argsRaw["token"].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: announce_peer missing token", ErrMalformed)
		}
		q.Token = token
		if ip, ok := argsRaw["implied_port"].(int64); ok && ip != 0 {
			q.ImpliedPort = true
		}
	case MethodPing:
		// no extra args required
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return q, nil
}

func decodeResponse(top map[string]interface{}) (*Response, error) {
	retRaw, ok := top["r"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: response missing return dictionary", ErrMalformed)
	}
	id, err := dictNodeID(retRaw, "id")
	if err != nil {
		return nil, err
	}
	r := &Response{ID: id}

	if nodesRaw, ok := retRaw["nodes"].([]byte); ok {
		r.Nodes, err = decodeCompactNodesV4(nodesRaw)
		if err != nil {
			return nil, err
		}
	}
	if nodes6Raw, ok := retRaw["nodes6"].([]byte); ok {
		r.Nodes6, err = decodeCompactNodesV6(nodes6Raw)
		if err != nil {
			return nil, err
		}
	}
	if valuesRaw, ok := retRaw["values"].([]interface{}); ok {
		for _, v := range valuesRaw {
			raw, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: values entry is not a byte string", ErrMalformed)
			}
			ep, err := decodeCompactPeer(raw)
			if err != nil {
				if errors.Is(err, ErrMalformed) {
					return nil, err
				}
				return nil, fmt.Errorf("%w: values entry: %v", ErrMalformed, err)
			}
			r.Values = append(r.Values, ep)
		}
	}
	if token, ok := retRaw["token"].([]byte); ok {
		r.Token = token
	}
	return r, nil
}

func decodeError(top map[string]interface{}) (*ErrorInfo, error) {
	eRaw, ok := top["e"].([]interface{})
	if !ok || len(eRaw) != 2 {
		return nil, fmt.Errorf("%w: error message must be a 2-element list", ErrMalformed)
	}
	code, ok := eRaw[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: error code is not an integer", ErrMalformed)
	}
	msgRaw, ok := eRaw[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: error message is not a string", ErrMalformed)
	}
	return &ErrorInfo{Code: int(code), Message: string(msgRaw)}, nil
}

func dictNodeID(d map[string]interface{}, key string) (nodeid.NodeID, error) {
	raw, ok := d[key].([]byte)
	if !ok {
		return nodeid.NodeID{}, fmt.Errorf("%w: missing or non-string %q", ErrMalformed, key)
	}
	id, err := nodeid.FromBytes(raw)
	if err != nil {
		return nodeid.NodeID{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return id, nil
}

// encodeCompactNodesV4 packs nodes into BEP 5's "nodes" string: 26 bytes
// each (20-byte id, 4-byte IPv4, 2-byte big-endian port), concatenated.
// Non-v4 endpoints are silently skipped rather than erroring, since a mixed
// routing table is a perfectly normal thing to have a response drawn from.
func encodeCompactNodesV4(nodes []CompactNode) []byte {
	out := make([]byte, 0, len(nodes)*26)
	for _, n := range nodes {
		if n.Endpoint.Family != endpoint.V4 {
			continue
		}
		out = append(out, n.ID.Bytes()...)
		out = append(out, n.Endpoint.IP.To4()...)
		out = appendPort(out, n.Endpoint.Port)
	}
	return out
}

func decodeCompactNodesV4(data []byte) ([]CompactNode, error) {
	const recLen = 26
	if len(data)%recLen != 0 {
		return nil, fmt.Errorf("%w: nodes length %d is not a multiple of %d", ErrMalformed, len(data), recLen)
	}
	nodes := make([]CompactNode, 0, len(data)/recLen)
	for i := 0; i < len(data); i += recLen {
		id, err := nodeid.FromBytes(data[i : i+20])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ip := make([]byte, 4)
		copy(ip, data[i+20:i+24])
		port := binary.BigEndian.Uint16(data[i+24 : i+26])
		ep, err := endpoint.New(ip, port)
		if err != nil {
			return nil, fmt.Errorf("%w: compact node endpoint: %v", ErrMalformed, err)
		}
		nodes = append(nodes, CompactNode{ID: id, Endpoint: ep})
	}
	return nodes, nil
}

// encodeCompactNodesV6 packs nodes into BEP 5's "nodes6" string: 38 bytes
// each (20-byte id, 16-byte IPv6, 2-byte big-endian port).
func encodeCompactNodesV6(nodes []CompactNode) []byte {
	out := make([]byte, 0, len(nodes)*38)
	for _, n := range nodes {
		if n.Endpoint.Family != endpoint.V6 {
			continue
		}
		out = append(out, n.ID.Bytes()...)
		out = append(out, n.Endpoint.IP.To16()...)
		out = appendPort(out, n.Endpoint.Port)
	}
	return out
}

func decodeCompactNodesV6(data []byte) ([]CompactNode, error) {
	const recLen = 38
	if len(data)%recLen != 0 {
		return nil, fmt.Errorf("%w: nodes6 length %d is not a multiple of %d", ErrMalformed, len(data), recLen)
	}
	nodes := make([]CompactNode, 0, len(data)/recLen)
	for i := 0; i < len(data); i += recLen {
		id, err := nodeid.FromBytes(data[i : i+20])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ip := make([]byte, 16)
		copy(ip, data[i+20:i+36])
		port := binary.BigEndian.Uint16(data[i+36 : i+38])
		ep, err := endpoint.New(ip, port)
		if err != nil {
			return nil, fmt.Errorf("%w: compact node endpoint: %v", ErrMalformed, err)
		}
		nodes = append(nodes, CompactNode{ID: id, Endpoint: ep})
	}
	return nodes, nil
}

// encodeCompactPeer packs a single endpoint into BEP 5's compact peer form:
// 6 bytes for v4 (4-byte IP + 2-byte port), 18 bytes for v6.
func encodeCompactPeer(ep endpoint.Endpoint) ([]byte, error) {
	switch ep.Family {
	case endpoint.V4:
		out := make([]byte, 0, 6)
		out = append(out, ep.IP.To4()...)
		out = appendPort(out, ep.Port)
		return out, nil
	case endpoint.V6:
		out := make([]byte, 0, 18)
		out = append(out, ep.IP.To16()...)
		out = appendPort(out, ep.Port)
		return out, nil
	default:
		return nil, fmt.Errorf("krpc: unknown endpoint family %v", ep.Family)
	}
}

func decodeCompactPeer(data []byte) (endpoint.Endpoint, error) {
	switch len(data) {
	case 6:
		ip := make([]byte, 4)
		copy(ip, data[:4])
		port := binary.BigEndian.Uint16(data[4:6])
		return endpoint.New(ip, port)
	case 18:
		ip := make([]byte, 16)
		copy(ip, data[:16])
		port := binary.BigEndian.Uint16(data[16:18])
		return endpoint.New(ip, port)
	default:
		return endpoint.Endpoint{}, fmt.Errorf("%w: compact peer length %d is neither 6 nor 18", ErrMalformed, len(data))
	}
}

func appendPort(buf []byte, port uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(buf, p[:]...)
}
