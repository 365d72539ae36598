package dht

import (
	"bytes"
	"encoding/hex"
	"math/big"

	sha256 "github.com/minio/sha256-simd"
)

// IDLength is the size of a node identity or grid hash in bytes.
const IDLength = 32

// NodeID is a 256-bit identifier in the overlay's keyspace.
type NodeID [IDLength]byte

// ComputeHash maps an arbitrary string into the keyspace.
func ComputeHash(s string) NodeID {
	return NodeID(sha256.Sum256([]byte(s)))
}

// IdentityOf is the identity of a node reachable at address.
func IdentityOf(address string) NodeID {
	return ComputeHash(address)
}

// GridHash is the keyspace position of a grid cell.
func GridHash(cellID string) NodeID {
	return ComputeHash(cellID)
}

func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) String() string {
	return id.Hex()[:8]
}

// ParseNodeID decodes a 64 character hex identity.
func ParseNodeID(s string) (NodeID, bool) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDLength {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Distance is the XOR of two identities, read as an unsigned big-endian integer.
type Distance [IDLength]byte

// XorDistance is the Kademlia metric between a and b.
func XorDistance(a, b NodeID) Distance {
	var d Distance
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp orders distances numerically. For equal-length big-endian values a byte
// comparison is the same as an unsigned integer comparison.
func (d Distance) Cmp(o Distance) int {
	return bytes.Compare(d[:], o[:])
}

func (d Distance) IsZero() bool {
	return d == Distance{}
}

// Big returns the distance as a non-negative integer.
func (d Distance) Big() *big.Int {
	return new(big.Int).SetBytes(d[:])
}
