package routing

import (
	"sort"
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
)

func idWithPrefix(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func TestAddRejectsSelf(t *testing.T) {
	self := idWithPrefix(0x01)
	tbl := New(self, 0, nil)

	_, err := tbl.Add(&Peer{ID: self, LastSeen: time.Now()})
	if err == nil {
		t.Fatalf("expected error adding self")
	}
}

func TestBucketCapacityEnforced(t *testing.T) {
	self := identity.NodeID{}
	tbl := New(self, time.Hour, nil)

	// All peers with the same leading bit pattern land in the same
	// bucket: with self all-zero, an ID whose only set byte is the last
	// one with its top bit set has 152 leading zero bits in its distance,
	// guaranteeing bucket index 152 for all of them.
	for i := 0; i < K; i++ {
		var id identity.NodeID
		id[identity.IDLength-1] = byte(0x80 + i)
		ok, err := tbl.Add(&Peer{ID: id, LastSeen: time.Now()})
		if err != nil || !ok {
			t.Fatalf("expected peer %d to be added, got ok=%v err=%v", i, ok, err)
		}
	}

	var overflow identity.NodeID
	overflow[identity.IDLength-1] = byte(0xFF)
	ok, err := tbl.Add(&Peer{ID: overflow, LastSeen: time.Now()})
	if ok || err == nil {
		t.Fatalf("expected bucket-full rejection, got ok=%v err=%v", ok, err)
	}

	if got := tbl.Size(); got != K {
		t.Fatalf("expected %d peers, got %d", K, got)
	}
}

func TestStalePeerEvictedOnContention(t *testing.T) {
	self := identity.NodeID{}
	tbl := New(self, 10*time.Millisecond, nil)

	var stale identity.NodeID
	stale[identity.IDLength-1] = 0x80
	if _, err := tbl.Add(&Peer{ID: stale, LastSeen: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("add stale: %v", err)
	}

	for i := 1; i < K; i++ {
		var id identity.NodeID
		id[identity.IDLength-1] = byte(0x80 + i)
		if _, err := tbl.Add(&Peer{ID: id, LastSeen: time.Now()}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	time.Sleep(20 * time.Millisecond)

	var contender identity.NodeID
	contender[identity.IDLength-1] = 250
	ok, err := tbl.Add(&Peer{ID: contender, LastSeen: time.Now()})
	if !ok || err != nil {
		t.Fatalf("expected contender to evict stale peer, got ok=%v err=%v", ok, err)
	}
	if tbl.Size() != K {
		t.Fatalf("expected table to stay at capacity %d, got %d", K, tbl.Size())
	}
}

func TestLRUTouchMovesToTail(t *testing.T) {
	self := identity.NodeID{}
	tbl := New(self, time.Hour, nil)

	var a, b identity.NodeID
	a[identity.IDLength-1] = 0x81
	b[identity.IDLength-1] = 0x82

	tbl.Add(&Peer{ID: a, LastSeen: time.Now()})
	tbl.Add(&Peer{ID: b, LastSeen: time.Now()})
	tbl.Add(&Peer{ID: a, LastSeen: time.Now()})

	idx := tbl.bucketIndex(a)
	peers := tbl.buckets[idx].all()
	if len(peers) != 2 || peers[len(peers)-1].ID != a {
		t.Fatalf("expected %x to be at tail after re-add", a)
	}
}

func TestFindClosestCorrectness(t *testing.T) {
	self := identity.NodeID{}
	tbl := New(self, time.Hour, nil)

	var ids []identity.NodeID
	for i := 1; i <= 50; i++ {
		var id identity.NodeID
		id[identity.IDLength-1] = byte(i)
		id[identity.IDLength-2] = byte(i * 3)
		ids = append(ids, id)
		tbl.Add(&Peer{ID: id, LastSeen: time.Now()})
	}

	target := ids[10]
	got := tbl.FindClosest(target, 5)

	type scored struct {
		id   identity.NodeID
		dist [identity.IDLength]byte
	}
	all := make([]scored, len(ids))
	for i, id := range ids {
		all[i] = scored{id: id, dist: identity.Distance(id, target)}
	}
	sort.Slice(all, func(i, j int) bool { return identity.Less(all[i].dist, all[j].dist) })

	if len(got) != 5 {
		t.Fatalf("expected 5 results, got %d", len(got))
	}
	for i, p := range got {
		if p.ID != all[i].id {
			t.Fatalf("position %d: expected %x, got %x", i, all[i].id, p.ID)
		}
	}
}

func TestCleanupStale(t *testing.T) {
	self := identity.NodeID{}
	tbl := New(self, time.Millisecond, nil)

	var id identity.NodeID
	id[0] = 5
	tbl.Add(&Peer{ID: id, LastSeen: time.Now()})

	time.Sleep(5 * time.Millisecond)
	removed := tbl.CleanupStale()
	if removed != 1 {
		t.Fatalf("expected 1 stale peer removed, got %d", removed)
	}
	if tbl.Size() != 0 {
		t.Fatalf("expected empty table after cleanup, got %d", tbl.Size())
	}
}
