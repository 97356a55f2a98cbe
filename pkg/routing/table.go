// Package routing implements the Kademlia k-bucket routing table: the
// XOR-metric structure a node uses to track known peers and answer
// "who is closest to this ID" queries.
//
// Works directly on identity.NodeID's raw 20-byte array and its
// LeadingZeroBits helper, since the bucket index a peer belongs in is
// exactly the number of leading zero bits in its XOR distance to self
// (see identity.Distance).
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/rherrors"
)

const (
	// K is the bucket-size and replication factor.
	K = 20
	// BucketCount is the width of the ID space in bits.
	BucketCount = identity.IDLength * 8
	// DefaultStalenessThreshold is how long a peer can go unconfirmed
	// before CleanupStale evicts it.
	DefaultStalenessThreshold = time.Hour
)

// Peer is a known member of the overlay.
type Peer struct {
	ID          identity.NodeID
	Address     string
	Port        int
	LastSeen    time.Time
	FailedPings int
}

// IsStale reports whether the peer has not been seen within threshold.
func (p *Peer) IsStale(threshold time.Duration) bool {
	return time.Since(p.LastSeen) > threshold
}

// KBucket is an LRU list of up to K peers sharing a distance-range to
// self: least-recently-seen at head, most-recently-seen at tail.
type KBucket struct {
	mu          sync.Mutex
	peers       []*Peer
	capacity    int
	staleAfter  time.Duration
	lastUpdated time.Time
}

func newKBucket(capacity int, staleAfter time.Duration) *KBucket {
	return &KBucket{
		peers:       make([]*Peer, 0, capacity),
		capacity:    capacity,
		staleAfter:  staleAfter,
		lastUpdated: time.Now(),
	}
}

// Add inserts or touches peer. Returns true if the peer now occupies a
// slot in this bucket (existing and touched, or freshly appended after
// evicting a stale peer, or appended into free space). Returns
// ErrBucketFull if the bucket has no room and no stale peer to evict.
func (kb *KBucket) add(p *Peer) (bool, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, existing := range kb.peers {
		if existing.ID == p.ID {
			kb.peers = append(kb.peers[:i], kb.peers[i+1:]...)
			kb.peers = append(kb.peers, existing)
			existing.LastSeen = p.LastSeen
			existing.Address = p.Address
			existing.Port = p.Port
			existing.FailedPings = 0
			kb.lastUpdated = time.Now()
			return true, nil
		}
	}

	if len(kb.peers) < kb.capacity {
		kb.peers = append(kb.peers, p)
		kb.lastUpdated = time.Now()
		return true, nil
	}

	for i, existing := range kb.peers {
		if existing.IsStale(kb.staleAfter) {
			kb.peers = append(kb.peers[:i], kb.peers[i+1:]...)
			kb.peers = append(kb.peers, p)
			kb.lastUpdated = time.Now()
			return true, nil
		}
	}

	return false, rherrors.ErrBucketFull
}

func (kb *KBucket) remove(id identity.NodeID) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, p := range kb.peers {
		if p.ID == id {
			kb.peers = append(kb.peers[:i], kb.peers[i+1:]...)
			return true
		}
	}
	return false
}

func (kb *KBucket) all() []*Peer {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	result := make([]*Peer, len(kb.peers))
	copy(result, kb.peers)
	return result
}

func (kb *KBucket) size() int {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.peers)
}

func (kb *KBucket) needsRefresh(refreshInterval time.Duration) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return time.Since(kb.lastUpdated) > refreshInterval
}

// Table is the full 160-bucket Kademlia routing table for one node.
type Table struct {
	self       identity.NodeID
	buckets    [BucketCount]*KBucket
	staleAfter time.Duration
	logger     *logging.Logger

	mu    sync.RWMutex
	count int
}

// New constructs a routing table for self. staleAfter defaults to
// DefaultStalenessThreshold when zero.
func New(self identity.NodeID, staleAfter time.Duration, logger *logging.Logger) *Table {
	if staleAfter <= 0 {
		staleAfter = DefaultStalenessThreshold
	}
	t := &Table{self: self, staleAfter: staleAfter, logger: logger}
	for i := range t.buckets {
		t.buckets[i] = newKBucket(K, staleAfter)
	}
	return t
}

func (t *Table) bucketIndex(id identity.NodeID) int {
	d := identity.Distance(t.self, id)
	return identity.LeadingZeroBits(d)
}

// Add inserts or LRU-touches a peer. No-op (ErrSelf) if peer is this node.
func (t *Table) Add(p *Peer) (bool, error) {
	if p.ID == t.self {
		return false, rherrors.ErrSelf
	}

	idx := t.bucketIndex(p.ID)
	added, err := t.buckets[idx].add(p)
	if err != nil {
		if t.logger != nil {
			t.logger.Debug("bucket full, peer rejected", logging.Fields{"peer": p.ID.String(), "bucket": idx})
		}
		return false, err
	}
	if added {
		t.mu.Lock()
		t.count = t.computeCountLocked()
		t.mu.Unlock()
	}
	return added, nil
}

// Remove is idempotent.
func (t *Table) Remove(id identity.NodeID) bool {
	idx := t.bucketIndex(id)
	removed := t.buckets[idx].remove(id)
	if removed {
		t.mu.Lock()
		t.count = t.computeCountLocked()
		t.mu.Unlock()
	}
	return removed
}

// computeCountLocked recomputes the total peer count. Called under t.mu.
func (t *Table) computeCountLocked() int {
	n := 0
	for _, b := range t.buckets {
		n += b.size()
	}
	return n
}

// All flattens every bucket in index order.
func (t *Table) All() []*Peer {
	out := make([]*Peer, 0, t.Size())
	for _, b := range t.buckets {
		out = append(out, b.all()...)
	}
	return out
}

// Size returns the total number of known peers.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// FindClosest gathers peers starting from target's own bucket, spiraling
// outward through neighboring buckets until at least count peers are
// collected or all buckets are exhausted, then sorts by ascending XOR
// distance to target and truncates to count.
func (t *Table) FindClosest(target identity.NodeID, count int) []*Peer {
	if count <= 0 {
		count = K
	}

	centerIdx := t.bucketIndex(target)
	collected := make([]*Peer, 0, count*2)
	seen := make(map[identity.NodeID]bool)

	for offset := 0; offset < BucketCount && len(collected) < count*2; offset++ {
		for _, idx := range []int{centerIdx + offset, centerIdx - offset} {
			if idx < 0 || idx >= BucketCount {
				continue
			}
			for _, p := range t.buckets[idx].all() {
				if seen[p.ID] {
					continue
				}
				seen[p.ID] = true
				collected = append(collected, p)
			}
			if offset == 0 {
				break
			}
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		di := identity.Distance(collected[i].ID, target)
		dj := identity.Distance(collected[j].ID, target)
		return identity.Less(di, dj)
	})

	if len(collected) > count {
		collected = collected[:count]
	}
	return collected
}

// CleanupStale evicts every peer across all buckets that has exceeded
// the staleness threshold, returning the number removed.
func (t *Table) CleanupStale() int {
	removed := 0
	for _, b := range t.buckets {
		for _, p := range b.all() {
			if p.IsStale(t.staleAfter) {
				if b.remove(p.ID) {
					removed++
				}
			}
		}
	}
	if removed > 0 {
		t.mu.Lock()
		t.count = t.computeCountLocked()
		t.mu.Unlock()
	}
	return removed
}

// BucketsNeedingRefresh returns the indices of buckets whose
// last-touched time exceeds refreshInterval, for the maintenance loop to
// drive a find_node(random_id_in_bucket_range) against.
func (t *Table) BucketsNeedingRefresh(refreshInterval time.Duration) []int {
	var idxs []int
	for i, b := range t.buckets {
		if b.size() > 0 && b.needsRefresh(refreshInterval) {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// RandomIDInBucket produces a NodeID guaranteed to fall into bucket idx
// (i.e. whose XOR distance to self has exactly idx leading zero bits),
// for the maintenance loop's bucket-refresh find_node calls.
func RandomIDInBucket(self identity.NodeID, idx int, randByte func() byte) identity.NodeID {
	var id identity.NodeID
	copy(id[:], self[:])

	bytePos := idx / 8
	bitPos := idx % 8

	// Flip the bit at position idx, then randomize everything after it.
	id[bytePos] ^= 0x80 >> uint(bitPos)
	for i := bytePos + 1; i < identity.IDLength; i++ {
		id[i] = randByte()
	}
	// Randomize the remaining low bits of bytePos itself.
	mask := byte(0xFF) >> uint(bitPos+1)
	if mask != 0 {
		id[bytePos] = (id[bytePos] &^ mask) | (randByte() & mask)
	}
	return id
}

// Stats summarizes the routing table for introspection.
func (t *Table) Stats() map[string]interface{} {
	bucketSizes := make([]int, BucketCount)
	for i, b := range t.buckets {
		bucketSizes[i] = b.size()
	}
	return map[string]interface{}{
		"total_peers":  t.Size(),
		"bucket_sizes": bucketSizes,
	}
}
