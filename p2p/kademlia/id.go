package kademlia

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"lukechampine.com/blake3"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
)

const (
	// IDLength is the number of bytes of a node identifier (160 bits)
	IDLength = 20
	// B is the number of bits of a node identifier, also the number of buckets
	B = IDLength * 8
)

// NodeID is a 160-bit identifier for nodes and keys
type NodeID [IDLength]byte

// NewRandomID returns a cryptographically random identifier
func NewRandomID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("kademlia: read random id: %v", err))
	}
	return id
}

// ParseID decodes a 40 character hex string
func ParseID(s string) (NodeID, error) {
	var id NodeID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrapf(err, "decode node id %q", s)
	}
	if len(decoded) != IDLength {
		return id, errors.Invalid("node id %q has %d bytes, want %d", s, len(decoded), IDLength)
	}
	copy(id[:], decoded)
	return id, nil
}

// HashKey maps an application key onto the 160-bit id space
func HashKey(key string) NodeID {
	var id NodeID
	h := blake3.New(IDLength, nil)
	_, _ = h.Write([]byte(key))
	copy(id[:], h.Sum(nil))
	return id
}

// String hex-encodes the id
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logs
func (id NodeID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id is all zeroes
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Xor returns the bitwise XOR of two ids
func (id NodeID) Xor(other NodeID) NodeID {
	var out NodeID
	for i := 0; i < IDLength; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less compares ids as big-endian unsigned integers
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Distance is the Hamming weight of the XOR of a and b. It is symmetric and
// only meant for reporting; ordering uses the full XOR value.
func Distance(a, b NodeID) int {
	d := 0
	x := a.Xor(b)
	for _, v := range x {
		d += bits.OnesCount8(v)
	}
	return d
}

// closer reports whether a is strictly closer to target than b
func closer(target, a, b NodeID) bool {
	return a.Xor(target).Less(b.Xor(target))
}

// bucketIndex returns the index of the highest differing bit between self and
// other, counted from the least significant end (0..159). Equal ids map to -1.
func bucketIndex(self, other NodeID) int {
	x := self.Xor(other)
	for i := 0; i < IDLength; i++ {
		if x[i] != 0 {
			return (IDLength-i)*8 - 1 - bits.LeadingZeros8(x[i])
		}
	}
	return -1
}

// randomIDInBucket returns a random id whose bucket index relative to self is
// the given bucket.
func randomIDInBucket(self NodeID, bucket int) NodeID {
	id := NewRandomID()
	// byte holding the target bit, counted from the most significant end
	byteIdx := IDLength - 1 - bucket/8
	bit := uint(bucket % 8)

	for i := 0; i < byteIdx; i++ {
		id[i] = self[i]
	}
	mask := byte(0xFF) << (bit + 1)
	id[byteIdx] = (self[byteIdx] & mask) | (^self[byteIdx] & (1 << bit)) | (id[byteIdx] & ((1 << bit) - 1))
	return id
}
