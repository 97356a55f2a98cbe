package popularity

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/protocol"
	"github.com/vazonhub/rhizome/pkg/routing"
	"github.com/vazonhub/rhizome/pkg/transport"
	"github.com/vazonhub/rhizome/pkg/wire"
)

func fakeSeed(t *testing.T, keyHex string, score float64) (*routing.Peer, func()) {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var id identity.NodeID
	id[0] = byte(len(keyHex))

	p := protocol.New(id, tr, protocol.NewRateLimiter(time.Minute, 1000, 1000), func(msg wire.Message, from *net.UDPAddr) map[string]interface{} {
		if msg.Type != wire.TypeGlobalRankingReq {
			return nil
		}
		return wire.GlobalRankingRespPayload([]wire.RankingEntry{{KeyHex: keyHex, Score: score}})
	}, nil)

	addr := tr.LocalAddr()
	peer := &routing.Peer{ID: id, Address: addr.IP.String(), Port: addr.Port}
	return peer, func() { p.Stop() }
}

// TestAggregateGlobalRankingMedianLowerMiddle asserts the lower-middle
// tie-break on an even-sized score set: three remotes (3,8,9) plus a
// local score of 7 gives sorted [3,7,8,9], whose lower-middle element
// is 7.
func TestAggregateGlobalRankingMedianLowerMiddle(t *testing.T) {
	keyBytes := []byte("scenario-six-key")
	keyHex := hex.EncodeToString(keyBytes)

	tr, err := transport.Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var self identity.NodeID
	self[0] = 0xEE
	proto := protocol.New(self, tr, protocol.NewRateLimiter(time.Minute, 1000, 1000), nil, nil)
	defer proto.Stop()

	ranker := NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold)
	collector := NewCollector(nil)
	collector.RecordStore(keyBytes, 1)

	x := NewExchanger(self, proto, ranker, collector, 2*time.Second, nil)

	seedA, closeA := fakeSeed(t, keyHex, 3)
	defer closeA()
	seedB, closeB := fakeSeed(t, keyHex, 8)
	defer closeB()
	seedC, closeC := fakeSeed(t, keyHex, 9)
	defer closeC()

	localTop := []RankedItem{{Key: keyBytes, Score: 7, Metrics: nil}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	consensus := x.AggregateGlobalRanking(ctx, localTop, []*routing.Peer{seedA, seedB, seedC})
	if len(consensus) != 1 {
		t.Fatalf("expected exactly one consensus entry, got %d", len(consensus))
	}
	if consensus[0].Score != 7 {
		t.Fatalf("expected median score 7 (lower-middle of [3,7,8,9]), got %f", consensus[0].Score)
	}
}

func TestExchangeTopItemsMergesReplicationCount(t *testing.T) {
	keyBytes := []byte("shared-key")

	trA, _ := transport.Listen("127.0.0.1", 0, nil)
	var selfA identity.NodeID
	selfA[0] = 1
	collectorA := NewCollector(nil)
	protoA := protocol.New(selfA, trA, protocol.NewRateLimiter(time.Minute, 1000, 1000), nil, nil)
	defer protoA.Stop()
	xA := NewExchanger(selfA, protoA, NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold), collectorA, 2*time.Second, nil)

	trB, _ := transport.Listen("127.0.0.1", 0, nil)
	var selfB identity.NodeID
	selfB[0] = 2
	collectorB := NewCollector(nil)
	collectorB.RecordStore(keyBytes, 9)
	rankerB := NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold)
	xB := NewExchanger(selfB, nil, rankerB, collectorB, 2*time.Second, nil)
	protoB := protocol.New(selfB, trB, protocol.NewRateLimiter(time.Minute, 1000, 1000), xB.Dispatch, nil)
	defer protoB.Stop()

	addrB := trB.LocalAddr()
	peerB := &routing.Peer{ID: selfB, Address: addrB.IP.String(), Port: addrB.Port}

	collectorA.RecordStore(keyBytes, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	xA.ExchangeTopItems(ctx, []*routing.Peer{peerB}, 100)

	m, ok := collectorA.Get(keyBytes)
	if !ok {
		t.Fatalf("expected key to still exist locally")
	}
	if m.ReplicationCount != 9 {
		t.Fatalf("expected replication_count max-merged to 9, got %d", m.ReplicationCount)
	}
}
