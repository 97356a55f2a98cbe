// Package identity derives and persists the stable 160-bit identifier a
// node presents to the rest of the overlay, and hashes arbitrary byte
// strings down to the widths the DHT engine needs.
//
// Key generation uses pkg/crypto/classical's Ed25519 keypair, built on
// crypto/ed25519; the node ID is derived from the public key by hashing
// it down to 20 bytes and keeping that hash stable across restarts.
package identity

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/vazonhub/rhizome/pkg/crypto/classical"
	"golang.org/x/crypto/blake2b"
)

// IDLength is the width of a NodeID in bytes (160 bits).
const IDLength = 20

// NodeID is the raw 160-bit identifier of a node or lookup target.
type NodeID [IDLength]byte

// String renders a NodeID as lowercase hex, for logging only.
func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the all-zero stub used for a bootstrap
// peer before its true ID is learned from a reply.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Distance computes the XOR metric between two IDs, interpreted as a
// 160-bit big-endian unsigned integer for comparison purposes.
func Distance(a, b NodeID) [IDLength]byte {
	var d [IDLength]byte
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less compares two XOR-distance results lexicographically, which is
// equivalent to comparing them as big-endian unsigned integers.
func Less(a, b [IDLength]byte) bool {
	for i := 0; i < IDLength; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// LeadingZeroBits returns the count of leading zero bits in a
// distance value, used to locate the bucket a peer belongs in.
func LeadingZeroBits(d [IDLength]byte) int {
	bits := 0
	for _, b := range d {
		if b == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}

// Keypair holds the node's long-lived Ed25519 identity key and the
// NodeID derived from its public half.
type Keypair struct {
	Public  []byte
	Private []byte
	ID      NodeID
}

// Generate creates a fresh Ed25519 keypair and derives the NodeID from
// sha1(public key).
func Generate() (*Keypair, error) {
	kp, err := classical.GenerateEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}

	sum := sha1.Sum(kp.PublicKey)
	var id NodeID
	copy(id[:], sum[:IDLength])

	return &Keypair{Public: kp.PublicKey, Private: kp.PrivateKey, ID: id}, nil
}

// LoadOrGenerate reads a persisted NodeID+keypair from privateKeyPath, or
// generates and persists a new one if absent. privateKeyPath stores the
// raw 64-byte Ed25519 private key; the NodeID is re-derived from it on
// every load rather than stored separately, so there is exactly one file
// that must stay consistent.
func LoadOrGenerate(privateKeyPath string) (*Keypair, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err == nil {
		return fromPrivateKeyBytes(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key file: %w", err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privateKeyPath, kp.Private, 0600); err != nil {
		return nil, fmt.Errorf("persist identity key file: %w", err)
	}
	return kp, nil
}

func fromPrivateKeyBytes(data []byte) (*Keypair, error) {
	if len(data) != classical.Ed25519PrivateKeySize {
		return nil, fmt.Errorf("identity key file: expected %d bytes, got %d", classical.Ed25519PrivateKeySize, len(data))
	}
	pub := make([]byte, classical.Ed25519PublicKeySize)
	copy(pub, data[32:])

	sum := sha1.Sum(pub)
	var id NodeID
	copy(id[:], sum[:IDLength])

	return &Keypair{Public: pub, Private: data, ID: id}, nil
}

// HashKey produces the 32-byte digest callers should use to derive DHT
// keys from arbitrary byte strings, such as a message or thread
// identifier. Uses blake2b-256 rather than stdlib sha256: golang.org/x/crypto
// is already a required dependency for non-stdlib crypto primitives, and
// this gives it a concrete, exercised use beyond Ed25519.
func HashKey(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// TargetID derives the 160-bit lookup target from a DHT key by taking its
// first 20 bytes, zero-padding if the key itself is shorter. Callers must
// pass keys whose first 20 bytes are uniformly distributed, i.e. the
// output of HashKey or an equivalent hash, not a raw user-supplied short
// string.
func TargetID(key []byte) NodeID {
	var id NodeID
	n := len(key)
	if n > IDLength {
		n = IDLength
	}
	copy(id[:n], key[:n])
	return id
}
