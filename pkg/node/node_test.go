package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/config"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg := config.GenerateDefaultConfig(config.NodeTypeFull)
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.RedisHost = "" // forces the in-memory store facade
	cfg.Network.ListenHost = "127.0.0.1"
	cfg.Network.ListenPort = port
	cfg.Node.NodeIDFile = "node_id.key" // New joins this onto DataDir
	return cfg
}

func TestBootstrapAndStoreFindValueRoundTrip(t *testing.T) {
	cfgA := testConfig(t, 0)
	nodeA, err := New(cfgA, nil)
	if err != nil {
		t.Fatalf("new node A: %v", err)
	}
	defer nodeA.Stop()

	addrA := nodeA.transport.LocalAddr()

	cfgB := testConfig(t, 0)
	cfgB.Network.BootstrapNodes = []string{fmt.Sprintf("127.0.0.1:%d", addrA.Port)}
	nodeB, err := New(cfgB, nil)
	if err != nil {
		t.Fatalf("new node B: %v", err)
	}
	defer nodeB.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	nodeB.Bootstrap(ctx)

	if nodeB.table.Size() == 0 {
		t.Fatalf("expected node B to have learned node A via bootstrap")
	}

	key := []byte("well-known-key-needs-20-bytes!!")
	value := []byte("hello from node B")

	ok, err := nodeB.engine.Store(ctx, key, value, time.Hour)
	if err != nil || !ok {
		t.Fatalf("store failed: ok=%v err=%v", ok, err)
	}

	got, err := nodeA.engine.FindValue(ctx, key)
	if err != nil {
		t.Fatalf("find_value on node A failed: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("expected %q, got %q", value, got)
	}
}

func TestStatsReportsConsolidatedSnapshot(t *testing.T) {
	cfg := testConfig(t, 0)
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer n.Stop()

	stats := n.Stats(context.Background())
	for _, key := range []string{"node_id", "routing", "protocol", "store"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("expected stats to contain %q", key)
		}
	}
}
