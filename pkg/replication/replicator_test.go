package replication

import (
	"context"
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/popularity"
)

type fakeStorer struct {
	values    map[string][]byte
	storeCalls []string
	storeOK   bool
	lastTTL   time.Duration
}

func newFakeStorer() *fakeStorer {
	return &fakeStorer{values: make(map[string][]byte), storeOK: true}
}

func (f *fakeStorer) Store(ctx context.Context, key, value []byte, ttl time.Duration) (bool, error) {
	f.storeCalls = append(f.storeCalls, string(key))
	f.lastTTL = ttl
	return f.storeOK, nil
}

func (f *fakeStorer) LocalGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, ok := f.values[string(key)]
	return v, ok, nil
}

func TestReplicatePopularSkipsBelowThresholdAndAlreadyReplicated(t *testing.T) {
	storer := newFakeStorer()
	storer.values["hot"] = []byte("v1")
	storer.values["already-replicated"] = []byte("v2")
	storer.values["missing-value"] = nil
	delete(storer.values, "missing-value")

	r := New(storer, 0, 10, nil)

	items := []popularity.RankedItem{
		{Key: []byte("hot"), Score: 8.0, Metrics: &popularity.Metrics{ReplicationCount: 2}},
		{Key: []byte("already-replicated"), Score: 9.0, Metrics: &popularity.Metrics{ReplicationCount: 10}},
		{Key: []byte("cold"), Score: 3.0, Metrics: &popularity.Metrics{ReplicationCount: 1}},
		{Key: []byte("missing-value"), Score: 9.0, Metrics: &popularity.Metrics{ReplicationCount: 1}},
	}

	results := r.ReplicatePopular(context.Background(), items, 7.0)

	if !results["hot"] {
		t.Fatalf("expected 'hot' to be replicated")
	}
	if len(storer.storeCalls) != 1 || storer.storeCalls[0] != "hot" {
		t.Fatalf("expected exactly one Store call for 'hot', got %v", storer.storeCalls)
	}
	if !results["already-replicated"] {
		t.Fatalf("expected 'already-replicated' to report success without a Store call")
	}
	if _, ok := results["cold"]; ok {
		t.Fatalf("expected 'cold' to be skipped entirely (below threshold)")
	}
	if results["missing-value"] {
		t.Fatalf("expected 'missing-value' to fail (no local value)")
	}
}

func TestEmergencyReplicateUsesPopularTTL(t *testing.T) {
	storer := newFakeStorer()
	r := New(storer, 0, 0, nil)

	ok := r.EmergencyReplicate(context.Background(), []byte("k"), []byte("v"))
	if !ok {
		t.Fatalf("expected emergency replication to succeed")
	}
	if len(storer.storeCalls) != 1 {
		t.Fatalf("expected exactly one Store call")
	}
	if storer.lastTTL != PopularTTL {
		t.Fatalf("expected Store with TTL %v, got %v", PopularTTL, storer.lastTTL)
	}
}
