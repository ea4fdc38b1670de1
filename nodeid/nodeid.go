// Package nodeid implements the 160-bit node identifiers used throughout the
// DHT: node ids, info-hashes and XOR distances all share this type.
package nodeid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Len is the fixed width, in bytes, of a NodeID.
const Len = 20

// Bits is the fixed width, in bits, of a NodeID.
const Bits = Len * 8

// NodeID is a 160-bit identifier: a DHT node id or an info-hash, depending on
// context. There is no distinguished "invalid" value; absence is represented
// by callers using a separate bool or pointer, not by a sentinel ID.
type NodeID [Len]byte

// FromBytes builds a NodeID from a raw 20-byte slice. It rejects any other
// length.
func FromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != Len {
		return id, fmt.Errorf("nodeid: want %d raw bytes, got %d", Len, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a 40-character hex string into a NodeID. It rejects wrong
// length or non-hex input.
func FromHex(s string) (NodeID, error) {
	var id NodeID
	if len(s) != Len*2 {
		return id, fmt.Errorf("nodeid: want %d hex chars, got %d", Len*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("nodeid: invalid hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// Random returns a NodeID for picking lookup targets. It draws from the same
// OS entropy source as Secure; there is no faster insecure path worth
// maintaining separately.
func Random() (NodeID, error) {
	return Secure()
}

// Secure returns a NodeID drawn from the OS's cryptographically secure
// entropy source. Used for the local node id and for bootstrap lookup
// targets, where predictability would let a peer bias what part of the
// keyspace we explore.
func Secure() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("nodeid: reading random bytes: %w", err)
	}
	return id, nil
}

// String renders the NodeID as lowercase hex.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 20-byte representation.
func (id NodeID) Bytes() []byte {
	b := make([]byte, Len)
	copy(b, id[:])
	return b
}

// Distance returns the XOR distance between id and other. In Kademlia the
// distance metric is itself a 160-bit value with the same ordering as a
// NodeID, so it is returned as one.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading zero bits of id.Distance(other),
// i.e. how many leading bits id and other share. The result is in [0, Bits].
func (id NodeID) CommonPrefixLen(other NodeID) int {
	d := id.Distance(other)
	return d.leadingZeroBits()
}

func (id NodeID) leadingZeroBits() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		return i*8 + leadingZeros(b)
	}
	return Bits
}

func leadingZeros(b byte) int {
	n := 0
	for bit := 0; bit < 8; bit++ {
		if b&(0x80>>uint(bit)) != 0 {
			break
		}
		n++
	}
	return n
}

// Bit reports whether bit i is set, where i=0 is the most significant bit of
// byte 0.
func (id NodeID) Bit(i int) bool {
	byteIdx := i / 8
	bitIdx := uint(i % 8)
	return id[byteIdx]&(0x80>>bitIdx) != 0
}

// Less reports whether id sorts before other under big-endian lexicographic
// comparison of the raw bytes.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Equal reports byte-for-byte equality. NodeID is comparable directly with
// == as well; this is provided for readability at call sites.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsZero reports whether every byte is zero. This is not a sentinel "no
// value" check (NodeID has none); it's a convenience for callers that need
// to special-case the all-zero id used in tests and examples.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Less compares the distance from target of two NodeIDs, used to order
// candidates during a lookup (closest first).
func Less(target, a, b NodeID) bool {
	da := target.Distance(a)
	db := target.Distance(b)
	return da.Less(db)
}
