package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rhizome.yaml")

	original := GenerateDefaultConfig(NodeTypeFull)
	if err := WriteConfigFile(original, path); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DHT.K != 20 || loaded.DHT.Alpha != 3 {
		t.Fatalf("expected default k=20 alpha=3, got k=%d alpha=%d", loaded.DHT.K, loaded.DHT.Alpha)
	}
	if loaded.Network.ListenPort != 8468 {
		t.Fatalf("expected default port 8468, got %d", loaded.Network.ListenPort)
	}
}

func TestMobileNodeCapsStorageAndK(t *testing.T) {
	cfg := GenerateDefaultConfig(NodeTypeMobile)
	if cfg.DHT.K != 10 {
		t.Fatalf("expected mobile node k=10, got %d", cfg.DHT.K)
	}
	if cfg.Storage.MaxStorageSize > 100<<20 {
		t.Fatalf("expected mobile node storage capped at 100MiB, got %d", cfg.Storage.MaxStorageSize)
	}
}

func TestPersistenceDisabledByDefault(t *testing.T) {
	cfg := GenerateDefaultConfig(NodeTypeFull)
	if cfg.Persistence.Host != "" {
		t.Fatalf("expected no persistence host by default, got %q", cfg.Persistence.Host)
	}
	if cfg.Persistence.Port != 0 || cfg.Persistence.DBName != "" {
		t.Fatalf("expected persistence defaults to stay unset when host is empty, got %+v", cfg.Persistence)
	}
}

func TestPersistenceDefaultsFillWhenHostSet(t *testing.T) {
	cfg := &Config{Node: NodeConfig{NodeType: NodeTypeFull}, Persistence: PersistenceConfig{Host: "db.internal"}}
	cfg.setDefaults()
	if cfg.Persistence.Port != 5432 {
		t.Fatalf("expected default postgres port 5432, got %d", cfg.Persistence.Port)
	}
	if cfg.Persistence.DBName != "rhizome" {
		t.Fatalf("expected default dbname rhizome, got %q", cfg.Persistence.DBName)
	}
	if cfg.Persistence.SSLMode != "disable" {
		t.Fatalf("expected default ssl_mode disable, got %q", cfg.Persistence.SSLMode)
	}
	if cfg.Persistence.StalePeerThreshold != 7*24*time.Hour {
		t.Fatalf("expected default stale_peer_threshold of 7 days, got %v", cfg.Persistence.StalePeerThreshold)
	}
}

func TestInvalidNodeTypeRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := WriteConfigFile(&Config{Node: NodeConfig{NodeType: "bogus"}}, path); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected invalid node type to be rejected")
	}
}
